package account

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/crypto"
	"github.com/opd-ai/helix/promise"
)

var (
	// ErrNoLocalAccount indicates a login for a name with no stored key material.
	ErrNoLocalAccount = errors.New("no local account state")
	// ErrNotLoggedIn indicates an operation requiring an authenticated account.
	ErrNotLoggedIn = errors.New("no account logged in")
)

// accountKeyVersion tags the stored key material format.
const accountKeyVersion = 1

// Account is a local identity: a name plus its key material and
// authentication state.
type Account struct {
	Name    string
	KeyPair *crypto.KeyPair
}

// Directory manages local accounts and remote recipient lookups.
type Directory struct {
	mu       sync.Mutex
	store    *crypto.EncryptedKeyStore
	registry *promise.Registry
	rt       RoundTripper
	active   *Account
}

// NewDirectory creates a directory over the given encrypted key store.
// Remote lookups stay unavailable until SetTransport provides a
// connected session.
func NewDirectory(store *crypto.EncryptedKeyStore, registry *promise.Registry) *Directory {
	return &Directory{store: store, registry: registry}
}

// SetTransport wires the directory to the key-server session used for
// remote lookups. A nil transport disables them.
func (d *Directory) SetTransport(rt RoundTripper) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rt = rt
}

// Create provisions a fresh identity for name. Any existing local key
// material for that name is wiped first; this is destructive and
// cannot be undone.
func (d *Directory) Create(name string) error {
	if name == "" {
		return fmt.Errorf("account name cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store.Exists(name) {
		if err := d.store.Delete(name); err != nil {
			return fmt.Errorf("failed to wipe existing key material: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Create",
			"account":  name,
		}).Warn("Wiped existing key material for account")
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate identity keys: %w", err)
	}

	material := make([]byte, 1+32)
	material[0] = accountKeyVersion
	copy(material[1:], keyPair.Private[:])
	err = d.store.Save(name, material)
	crypto.ZeroBytes(material)
	crypto.WipeKeyPair(keyPair)
	if err != nil {
		return fmt.Errorf("failed to store identity keys: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"account":  name,
	}).Info("Account created")
	return nil
}

// Login loads the stored identity for name and makes it the active
// account. It fails with ErrNoLocalAccount when no local state exists.
func (d *Directory) Login(name string) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	material, err := d.store.Load(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLocalAccount, name)
		}
		return nil, fmt.Errorf("failed to load account keys: %w", err)
	}
	defer crypto.ZeroBytes(material)

	if len(material) != 1+32 || material[0] != accountKeyVersion {
		return nil, fmt.Errorf("account key material corrupted for %s", name)
	}

	var secret [32]byte
	copy(secret[:], material[1:])
	keyPair, err := crypto.FromSecretKey(secret)
	crypto.ZeroBytes(secret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to restore account keys: %w", err)
	}

	d.active = &Account{Name: name, KeyPair: keyPair}

	logrus.WithFields(logrus.Fields{
		"function": "Login",
		"account":  name,
	}).Info("Account logged in")
	return d.active, nil
}

// Logout drops the active account and wipes its in-memory private key.
func (d *Directory) Logout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		crypto.WipeKeyPair(d.active.KeyPair)
		d.active = nil
	}
}

// Delete purges the local key material stored for name. The purge is
// irreversible. Deleting a name with no stored state fails, but callers
// in the authenticate-or-provision flow treat that as non-fatal.
func (d *Directory) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil && d.active.Name == name {
		crypto.WipeKeyPair(d.active.KeyPair)
		d.active = nil
	}

	if err := d.store.Delete(name); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Delete",
		"account":  name,
	}).Info("Account deleted")
	return nil
}

// Active returns the logged-in account, or nil.
func (d *Directory) Active() *Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
