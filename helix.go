// Package helix is an asynchronous end-to-end encryption module. A
// Client holds one key-exchange session with a key server, a local
// account directory, and a crypto engine whose operations settle
// through a shared promise registry.
//
// Typical use:
//
//	client, err := helix.New(helix.NewOptions())
//	client.Connect()
//	client.Authenticate("alice")
//	id := client.FindRecipientByName("bob")
//	client.Wait(id, 30*time.Second)
//	rcpt, _ := client.Recipient(id)
//	encID := client.EncryptStart(rcpt, data, password, engine.OwnerEngine)
package helix

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/account"
	"github.com/opd-ai/helix/crypto"
	"github.com/opd-ai/helix/engine"
	"github.com/opd-ai/helix/promise"
	"github.com/opd-ai/helix/session"
	"github.com/opd-ai/helix/transport"
)

// ErrProvisionFailed indicates Authenticate could not create a fresh
// account after login found no usable local state.
var ErrProvisionFailed = errors.New("account provisioning failed")

// Client is the top-level handle tying the session, the account
// directory, and the crypto engine together. A Client is safe for
// concurrent use.
type Client struct {
	opts     *Options
	registry *promise.Registry
	session  *session.Session
	dir      *account.Directory
	engine   *engine.Engine
}

// New validates opts and assembles a client. The session starts in the
// started state; call Connect to reach the key server.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	device := session.RealDevice()
	if opts.SimulatedDevice || opts.SimulatedUID != "" {
		device = session.SimulatedDevice(opts.SimulatedUID)
	}

	sess, err := session.New(opts.Server, opts.Port, device)
	if err != nil {
		return nil, err
	}

	dir, err := opts.dataDir()
	if err != nil {
		return nil, err
	}
	store, err := crypto.NewEncryptedKeyStore(dir, []byte(opts.StoragePassphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	registry := promise.NewRegistry()
	return &Client{
		opts:     opts,
		registry: registry,
		session:  sess,
		dir:      account.NewDirectory(store, registry),
		engine:   engine.New(registry),
	}, nil
}

// Connect establishes the secure channel to the key server and enables
// remote recipient lookups.
func (c *Client) Connect() error {
	if err := c.session.Connect(); err != nil {
		return err
	}
	c.dir.SetTransport(c.session)
	return nil
}

// IsConnected probes key-server liveness with a ping round trip. The
// probe is network-bound; use it after idle periods, not per operation.
func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

// Disconnect tears down the key-server connection. Local operations,
// including decryption, keep working.
func (c *Client) Disconnect() error {
	c.dir.SetTransport(nil)
	return c.session.Disconnect()
}

// Shutdown disconnects, logs out, and releases the session. The client
// must not be used afterwards.
func (c *Client) Shutdown() error {
	if err := c.Disconnect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"error":    err.Error(),
		}).Warn("Disconnect during shutdown failed")
	}
	c.Logout()
	return c.session.Shutdown()
}

// CreateAccount provisions a fresh local identity for name, wiping any
// key material previously stored under it.
func (c *Client) CreateAccount(name string) error {
	return c.dir.Create(name)
}

// Login loads the local identity for name, makes it the active account,
// and publishes its key record to the key server so that peers can find
// it. It requires a connected session.
func (c *Client) Login(name string) error {
	acct, err := c.dir.Login(name)
	if err != nil {
		return err
	}
	c.engine.SetIdentity(acct.KeyPair)

	rec := &transport.KeyRecord{
		Name:      name,
		Email:     fmt.Sprintf("%s@%s", name, c.opts.Server),
		PublicKey: acct.KeyPair.Public,
	}
	if err := c.session.PublishKey(rec); err != nil {
		c.Logout()
		return fmt.Errorf("login rejected by key server: %w", err)
	}
	return nil
}

// Logout drops the active account and its in-memory keys.
func (c *Client) Logout() {
	c.engine.SetIdentity(nil)
	c.dir.Logout()
}

// DeleteAccount purges the local key material stored for name. Peers
// holding the old public key can no longer reach this account; a later
// login re-publishes whatever identity Create provisions next.
func (c *Client) DeleteAccount(name string) error {
	if active := c.dir.Active(); active != nil && active.Name == name {
		c.engine.SetIdentity(nil)
	}
	return c.dir.Delete(name)
}

// Account returns the logged-in account, or nil.
func (c *Client) Account() *account.Account {
	return c.dir.Active()
}

// Authenticate logs into name, provisioning the account first when no
// usable local state exists: failed login, best-effort delete of any
// leftover state, create, then one login retry. It reports whether the
// account was created along the way.
func (c *Client) Authenticate(name string) (created bool, err error) {
	if err = c.Login(name); err == nil {
		return false, nil
	}
	if !errors.Is(err, account.ErrNoLocalAccount) {
		return false, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Authenticate",
		"account":  name,
	}).Info("No local account, provisioning")

	// Leftover state is unusable at this point; losing it is expected.
	if delErr := c.DeleteAccount(name); delErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Authenticate",
			"account":  name,
			"error":    delErr.Error(),
		}).Debug("Nothing to delete before provisioning")
	}

	if err = c.CreateAccount(name); err != nil {
		return false, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	if err = c.Login(name); err != nil {
		return true, fmt.Errorf("login failed after provisioning: %w", err)
	}
	return true, nil
}

// FindRecipientByName starts an asynchronous key-server lookup for the
// account registered under name and returns its promise handle.
func (c *Client) FindRecipientByName(name string) promise.ID {
	return c.dir.FindByName(name, c.opts.lookupTimeout())
}

// FindRecipientByEmail starts an asynchronous lookup by email address.
func (c *Client) FindRecipientByEmail(email string) promise.ID {
	return c.dir.FindByEmail(email, c.opts.lookupTimeout())
}

// Recipient materializes a resolved lookup promise into a recipient
// handle. Release the recipient when done with it.
func (c *Client) Recipient(id promise.ID) (*account.Recipient, error) {
	return c.dir.Recipient(id)
}

// EncryptStart begins encrypting data for rcpt. See engine.Engine.
func (c *Client) EncryptStart(rcpt *account.Recipient, data []byte, password string, owner engine.Ownership) promise.ID {
	return c.engine.EncryptStart(rcpt, data, password, owner)
}

// EncryptOutputExists reports whether ciphertext is ready, without blocking.
func (c *Client) EncryptOutputExists(id promise.ID) (bool, error) {
	return c.engine.EncryptOutputExists(id)
}

// EncryptOutput retrieves the ciphertext blob of a completed encryption.
func (c *Client) EncryptOutput(id promise.ID, owner engine.Ownership) ([]byte, error) {
	return c.engine.EncryptOutput(id, owner)
}

// EncryptConclude releases an engine-owned encryption result.
func (c *Client) EncryptConclude(id promise.ID) error {
	return c.engine.EncryptConclude(id)
}

// DecryptStart begins decrypting a ciphertext blob. See engine.Engine.
func (c *Client) DecryptStart(blob []byte, password string, owner engine.Ownership) promise.ID {
	return c.engine.DecryptStart(blob, password, owner)
}

// DecryptOutput retrieves the plaintext of a completed decryption.
func (c *Client) DecryptOutput(id promise.ID, owner engine.Ownership) ([]byte, error) {
	return c.engine.DecryptOutput(id, owner)
}

// DecryptConclude releases an engine-owned decryption result.
func (c *Client) DecryptConclude(id promise.ID) error {
	return c.engine.DecryptConclude(id)
}

// Wait blocks until the promise reaches a terminal state or timeout
// elapses. Negative timeout waits forever.
func (c *Client) Wait(id promise.ID, timeout time.Duration) (promise.Status, error) {
	return c.registry.Wait(id, timeout)
}

// Poll returns the promise status without blocking.
func (c *Client) Poll(id promise.ID) (promise.Status, error) {
	return c.registry.Poll(id)
}

// Err returns the failure cause of an errored promise.
func (c *Client) Err(id promise.ID) error {
	return c.registry.Err(id)
}

// Conclude releases a promise handle and anything it retains.
func (c *Client) Conclude(id promise.ID) error {
	return c.registry.Conclude(id)
}

// Registry exposes the shared promise registry, mainly for callers
// installing completion handlers.
func (c *Client) Registry() *promise.Registry {
	return c.registry
}
