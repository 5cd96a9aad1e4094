package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/account"
	"github.com/opd-ai/helix/crypto"
	"github.com/opd-ai/helix/promise"
)

var (
	// ErrNoIdentity indicates a decrypt attempt with no logged-in identity key.
	ErrNoIdentity = errors.New("no identity key loaded")
	// ErrNoRecipient indicates an encrypt attempt with a nil or released recipient.
	ErrNoRecipient = errors.New("no valid recipient")
	// ErrWrongOperation indicates an output call against a promise started
	// by the opposite operation, e.g. DecryptOutput on an encrypt handle.
	ErrWrongOperation = errors.New("promise belongs to a different operation")
	// ErrDecryptFailed wraps decryption errors surfaced through a promise.
	ErrDecryptFailed = errors.New("decryption failed")
)

type opKind int

const (
	opEncrypt opKind = iota + 1
	opDecrypt
)

// Engine runs encryption and decryption asynchronously, settling one
// promise per started operation. Outputs stay registry-held until the
// caller either transfers them out (OwnerCaller) or concludes the
// handle (OwnerEngine).
type Engine struct {
	registry *promise.Registry

	mu    sync.RWMutex
	local *crypto.KeyPair
	kinds map[promise.ID]opKind
}

// New creates an engine settling its operations through registry.
func New(registry *promise.Registry) *Engine {
	return &Engine{
		registry: registry,
		kinds:    make(map[promise.ID]opKind),
	}
}

// SetIdentity installs the local identity key pair used to decrypt
// incoming blobs. Pass nil on logout.
func (e *Engine) SetIdentity(kp *crypto.KeyPair) {
	e.mu.Lock()
	e.local = kp
	e.mu.Unlock()
}

// EncryptStart begins encrypting data for recipient and returns the
// operation's promise handle immediately. The optional password is
// mixed into the message key; the receiver must present the same
// password to decrypt. Validation failures settle the promise as
// failed rather than surfacing from this call.
//
// Under OwnerEngine the input is copied before return; under
// OwnerCaller the data slice must stay unmodified until the promise is
// terminal.
func (e *Engine) EncryptStart(recipient *account.Recipient, data []byte, password string, owner Ownership) promise.ID {
	id := e.track(opEncrypt)

	logrus.WithFields(logrus.Fields{
		"function":   "EncryptStart",
		"promise_id": uint64(id),
		"input_len":  len(data),
		"ownership":  owner.String(),
	}).Debug("Starting encryption")

	if err := validateRecipient(recipient); err != nil {
		e.failLater(id, err)
		return id
	}
	peerPub := recipient.PublicKey

	if owner == OwnerEngine {
		data = append([]byte(nil), data...)
	}

	go func() {
		start := time.Now()
		blob, err := encrypt(peerPub, data, password)
		if err != nil {
			_ = e.registry.Fail(id, fmt.Errorf("encryption failed: %w", err))
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":    "EncryptStart",
			"promise_id":  uint64(id),
			"output_len":  len(blob),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Encryption complete")
		_ = e.registry.Resolve(id, blob)
	}()

	return id
}

// DecryptStart begins decrypting an engine-produced ciphertext blob
// with the local identity key and returns the operation's promise
// handle immediately. Ownership semantics match EncryptStart.
func (e *Engine) DecryptStart(blob []byte, password string, owner Ownership) promise.ID {
	id := e.track(opDecrypt)

	logrus.WithFields(logrus.Fields{
		"function":   "DecryptStart",
		"promise_id": uint64(id),
		"input_len":  len(blob),
		"ownership":  owner.String(),
	}).Debug("Starting decryption")

	e.mu.RLock()
	local := e.local
	e.mu.RUnlock()
	if local == nil {
		e.failLater(id, ErrNoIdentity)
		return id
	}

	if owner == OwnerEngine {
		blob = append([]byte(nil), blob...)
	}

	go func() {
		plain, err := decrypt(local, blob, password)
		if err != nil {
			_ = e.registry.Fail(id, fmt.Errorf("%w: %w", ErrDecryptFailed, err))
			return
		}
		_ = e.registry.Resolve(id, plain)
	}()

	return id
}

// EncryptOutputExists reports whether an encrypt operation has produced
// its ciphertext without blocking or consuming the result.
func (e *Engine) EncryptOutputExists(id promise.ID) (bool, error) {
	if err := e.checkKind(id, opEncrypt); err != nil {
		return false, err
	}
	status, err := e.registry.Poll(id)
	if err != nil {
		return false, err
	}
	return status == promise.StatusDataAvailable, nil
}

// EncryptOutput retrieves the ciphertext blob of a completed encrypt
// operation. With OwnerCaller the buffer transfers out and the handle
// is concluded; with OwnerEngine the buffer stays registry-held and
// the caller must call EncryptConclude exactly once when done.
func (e *Engine) EncryptOutput(id promise.ID, owner Ownership) ([]byte, error) {
	return e.output(id, opEncrypt, owner)
}

// DecryptOutput retrieves the plaintext of a completed decrypt
// operation, with the same ownership contract as EncryptOutput.
func (e *Engine) DecryptOutput(id promise.ID, owner Ownership) ([]byte, error) {
	return e.output(id, opDecrypt, owner)
}

func (e *Engine) output(id promise.ID, kind opKind, owner Ownership) ([]byte, error) {
	if err := e.checkKind(id, kind); err != nil {
		return nil, err
	}
	payload, err := e.registry.Fetch(id)
	if err != nil {
		return nil, err
	}
	if owner == OwnerCaller {
		if err := e.conclude(id); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// EncryptConclude releases an encrypt operation's handle and its
// registry-held output. Concluding twice, or after a caller-owned
// output transfer, fails.
func (e *Engine) EncryptConclude(id promise.ID) error {
	if err := e.checkKind(id, opEncrypt); err != nil {
		return err
	}
	return e.conclude(id)
}

// DecryptConclude releases a decrypt operation's handle.
func (e *Engine) DecryptConclude(id promise.ID) error {
	if err := e.checkKind(id, opDecrypt); err != nil {
		return err
	}
	return e.conclude(id)
}

// Outstanding returns the number of engine operations not yet concluded.
func (e *Engine) Outstanding() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.kinds)
}

func (e *Engine) track(kind opKind) promise.ID {
	id := e.registry.Create()
	e.mu.Lock()
	e.kinds[id] = kind
	e.mu.Unlock()
	return id
}

func (e *Engine) checkKind(id promise.ID, want opKind) error {
	e.mu.RLock()
	kind, ok := e.kinds[id]
	e.mu.RUnlock()
	if !ok {
		return promise.ErrBadPromiseID
	}
	if kind != want {
		return ErrWrongOperation
	}
	return nil
}

func (e *Engine) conclude(id promise.ID) error {
	if err := e.registry.Conclude(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.kinds, id)
	e.mu.Unlock()
	return nil
}

// failLater settles a promise as failed from a goroutine so that the
// start call keeps its return-then-settle contract even for immediate
// validation errors.
func (e *Engine) failLater(id promise.ID, err error) {
	go func() { _ = e.registry.Fail(id, err) }()
}

func validateRecipient(r *account.Recipient) error {
	if r == nil {
		return ErrNoRecipient
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoRecipient, err)
	}
	return nil
}

// encrypt performs one full sender-side pass: ephemeral key agreement,
// message key derivation, sealing, framing. All intermediate key
// material is wiped before return.
func encrypt(peerPub [32]byte, plaintext []byte, password string) ([]byte, error) {
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer func() { _ = crypto.WipeKeyPair(eph) }()

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	shared := crypto.SharedSecret(peerPub, eph.Private)
	key := crypto.MessageKey(shared, salt, password)
	crypto.ZeroBytes(shared[:])

	sealed, err := crypto.Seal(plaintext, nonce, key)
	crypto.ZeroBytes(key[:])
	if err != nil {
		return nil, err
	}

	return encodeBlob(&Blob{
		PasswordMixed: password != "",
		EphemeralPub:  eph.Public,
		Salt:          salt,
		Nonce:         nonce,
		Sealed:        sealed,
	}), nil
}

// decrypt reverses encrypt with the receiver's identity key.
func decrypt(local *crypto.KeyPair, data []byte, password string) ([]byte, error) {
	b, err := decodeBlob(data)
	if err != nil {
		return nil, err
	}

	shared := crypto.SharedSecret(b.EphemeralPub, local.Private)
	key := crypto.MessageKey(shared, b.Salt, password)
	crypto.ZeroBytes(shared[:])

	plain, err := crypto.Open(b.Sealed, b.Nonce, key)
	crypto.ZeroBytes(key[:])
	return plain, err
}
