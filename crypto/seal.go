package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for symmetric sealing.
type Nonce [24]byte

// Salt is a 16-byte value used for password key derivation.
type Salt [16]byte

// SealOverhead is the number of bytes sealing adds to a plaintext.
const SealOverhead = secretbox.Overhead

// Maximum plaintext size (64MB) to prevent excessive memory usage.
const MaxPlaintextSize = 64 * 1024 * 1024

// Argon2id parameters for password key mixing.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrPlaintextTooLarge indicates the message exceeds MaxPlaintextSize.
	ErrPlaintextTooLarge = errors.New("plaintext too large")
	// ErrAuthFailure indicates the ciphertext failed authentication,
	// typically a wrong key or password.
	ErrAuthFailure = errors.New("message authentication failed")
)

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateSalt creates a cryptographically secure random salt.
func GenerateSalt() (Salt, error) {
	var salt Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return Salt{}, err
	}
	return salt, nil
}

// SharedSecret computes the X25519 shared secret between a peer's
// public key and a local private key, in precomputed NaCl box form.
func SharedSecret(peerPublic, localPrivate [32]byte) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, &peerPublic, &localPrivate)
	return shared
}

// MessageKey derives the symmetric sealing key for one message from the
// X25519 shared secret, the message salt, and an optional password.
// A wrong password yields a different key and therefore an
// authentication failure on open, never silently wrong plaintext.
func MessageKey(shared [32]byte, salt Salt, password string) [32]byte {
	h := sha256.New()
	h.Write([]byte("helix message key v1"))
	h.Write(shared[:])
	h.Write(salt[:])
	if password != "" {
		pk := argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, 32)
		h.Write(pk)
		ZeroBytes(pk)
	}

	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Seal encrypts and authenticates a plaintext with a symmetric key.
// Empty plaintexts are valid and produce SealOverhead bytes of output.
func Seal(plaintext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}
	return secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&key)), nil
}

// Open authenticates and decrypts a sealed message. It fails with
// ErrAuthFailure when the key does not match.
func Open(sealed []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, ErrAuthFailure
	}
	out, ok := secretbox.Open(nil, sealed, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrAuthFailure
	}
	if out == nil {
		// Sealed empty plaintext opens to a nil slice; normalize so the
		// round-trip preserves a zero-length (non-nil) result.
		out = []byte{}
	}
	return out, nil
}
