package account

import (
	"errors"

	"github.com/opd-ai/helix/crypto"
)

// ErrRecipientReleased indicates a recipient handle used after Release.
var ErrRecipientReleased = errors.New("recipient handle released")

// Recipient is a resolved lookup target: the identity and public key
// needed to encrypt for a remote account. A recipient must be resolved
// before encryption may target it.
type Recipient struct {
	Name      string
	Email     string
	DeviceUID string
	PublicKey [32]byte

	released bool
}

// Validate reports whether the handle still carries usable key material.
func (r *Recipient) Validate() error {
	if r == nil || r.released {
		return ErrRecipientReleased
	}
	return nil
}

// Release wipes the handle's key material and invalidates it.
func (r *Recipient) Release() {
	if r == nil || r.released {
		return
	}
	crypto.ZeroBytes(r.PublicKey[:])
	r.released = true
}
