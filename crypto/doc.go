// Package crypto implements the cryptographic primitives used by the
// helix core: X25519 key pairs, authenticated symmetric sealing,
// password key mixing, secure memory wiping, and encrypted at-rest key
// storage.
//
// The primitives are NaCl-based through Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
