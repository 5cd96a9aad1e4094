package helix

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/helix/account"
	"github.com/opd-ai/helix/engine"
	"github.com/opd-ai/helix/keyserver"
	"github.com/opd-ai/helix/promise"
	"github.com/opd-ai/helix/session"
)

const waitBudget = 10 * time.Second

func startTestServer(t *testing.T) (host string, port uint16) {
	t.Helper()

	srv, err := keyserver.New()
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })

	h, p, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, uint16(n)
}

func newTestClient(t *testing.T, host string, port uint16) *Client {
	t.Helper()

	opts := NewOptions()
	opts.Server = host
	opts.Port = port
	opts.DataDir = t.TempDir()
	opts.StoragePassphrase = "test passphrase"
	opts.SimulatedDevice = true
	opts.LookupTimeout = waitBudget

	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Disconnect()
		client.Shutdown()
	})
	return client
}

func connectedClient(t *testing.T, host string, port uint16, name string) *Client {
	t.Helper()
	client := newTestClient(t, host, port)
	require.NoError(t, client.Connect())
	_, err := client.Authenticate(name)
	require.NoError(t, err)
	return client
}

func TestNewRejectsBadOptions(t *testing.T) {
	opts := NewOptions()
	opts.Server = ""
	opts.StoragePassphrase = "x"
	_, err := New(opts)
	assert.Error(t, err)

	opts = NewOptions()
	opts.StoragePassphrase = ""
	_, err = New(opts)
	assert.Error(t, err)
}

func TestAuthenticateProvisionsOnFirstRun(t *testing.T) {
	host, port := startTestServer(t)

	opts := NewOptions()
	opts.Server = host
	opts.Port = port
	opts.DataDir = t.TempDir()
	opts.StoragePassphrase = "pass"
	opts.SimulatedDevice = true

	first, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, first.Connect())
	created, err := first.Authenticate("alice")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first.Account())
	pub := first.Account().KeyPair.Public
	require.NoError(t, first.Disconnect())
	require.NoError(t, first.Shutdown())

	// Second run over the same data dir finds the account in place.
	second, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, second.Connect())
	created, err = second.Authenticate("alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pub, second.Account().KeyPair.Public)
	require.NoError(t, second.Disconnect())
	require.NoError(t, second.Shutdown())
}

func TestEndToEndEncryptDecrypt(t *testing.T) {
	host, port := startTestServer(t)
	alice := connectedClient(t, host, port, "alice")
	bob := connectedClient(t, host, port, "bob")

	id := alice.FindRecipientByName("bob")
	status, err := alice.Wait(id, waitBudget)
	require.NoError(t, err)
	require.Equal(t, promise.StatusDataAvailable, status)

	rcpt, err := alice.Recipient(id)
	require.NoError(t, err)
	defer rcpt.Release()
	require.NoError(t, alice.Conclude(id))
	assert.Equal(t, "bob", rcpt.Name)

	plaintext := []byte("meet me at the usual place")
	encID := alice.EncryptStart(rcpt, plaintext, "shared secret", engine.OwnerEngine)
	status, err = alice.Wait(encID, waitBudget)
	require.NoError(t, err)
	require.Equal(t, promise.StatusDataAvailable, status)

	exists, err := alice.EncryptOutputExists(encID)
	require.NoError(t, err)
	assert.True(t, exists)

	blob, err := alice.EncryptOutput(encID, engine.OwnerCaller)
	require.NoError(t, err)

	decID := bob.DecryptStart(blob, "shared secret", engine.OwnerEngine)
	status, err = bob.Wait(decID, waitBudget)
	require.NoError(t, err)
	require.Equal(t, promise.StatusDataAvailable, status)

	got, err := bob.DecryptOutput(decID, engine.OwnerCaller)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptRequiresMatchingPassword(t *testing.T) {
	host, port := startTestServer(t)
	alice := connectedClient(t, host, port, "alice")
	bob := connectedClient(t, host, port, "bob")

	id := alice.FindRecipientByName("bob")
	_, err := alice.Wait(id, waitBudget)
	require.NoError(t, err)
	rcpt, err := alice.Recipient(id)
	require.NoError(t, err)
	defer rcpt.Release()

	encID := alice.EncryptStart(rcpt, []byte("secret"), "right", engine.OwnerEngine)
	_, err = alice.Wait(encID, waitBudget)
	require.NoError(t, err)
	blob, err := alice.EncryptOutput(encID, engine.OwnerCaller)
	require.NoError(t, err)

	decID := bob.DecryptStart(blob, "wrong", engine.OwnerEngine)
	status, err := bob.Wait(decID, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.Error(t, bob.Err(decID))
}

func TestFindUnknownRecipientFails(t *testing.T) {
	host, port := startTestServer(t)
	alice := connectedClient(t, host, port, "alice")

	id := alice.FindRecipientByName("nobody")
	status, err := alice.Wait(id, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, alice.Err(id), account.ErrRecipientNotFound)
}

func TestLoginRequiresConnection(t *testing.T) {
	host, port := startTestServer(t)
	client := newTestClient(t, host, port)

	require.NoError(t, client.CreateAccount("alice"))
	err := client.Login("alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotConnected)
	// The failed login must not leave a half-authenticated account.
	assert.Nil(t, client.Account())
}

func TestDecryptionWorksOffline(t *testing.T) {
	host, port := startTestServer(t)
	alice := connectedClient(t, host, port, "alice")
	bob := connectedClient(t, host, port, "bob")

	id := alice.FindRecipientByName("bob")
	_, err := alice.Wait(id, waitBudget)
	require.NoError(t, err)
	rcpt, err := alice.Recipient(id)
	require.NoError(t, err)
	defer rcpt.Release()

	encID := alice.EncryptStart(rcpt, []byte("read me later"), "", engine.OwnerEngine)
	_, err = alice.Wait(encID, waitBudget)
	require.NoError(t, err)
	blob, err := alice.EncryptOutput(encID, engine.OwnerCaller)
	require.NoError(t, err)

	// Bob goes offline; decryption is purely local.
	require.NoError(t, bob.Disconnect())

	decID := bob.DecryptStart(blob, "", engine.OwnerEngine)
	status, err := bob.Wait(decID, waitBudget)
	require.NoError(t, err)
	require.Equal(t, promise.StatusDataAvailable, status)
	got, err := bob.DecryptOutput(decID, engine.OwnerCaller)
	require.NoError(t, err)
	assert.Equal(t, []byte("read me later"), got)
}

func TestDeleteAccountDropsIdentity(t *testing.T) {
	host, port := startTestServer(t)
	client := connectedClient(t, host, port, "alice")

	require.NoError(t, client.DeleteAccount("alice"))
	assert.Nil(t, client.Account())

	err := client.Login("alice")
	assert.ErrorIs(t, err, account.ErrNoLocalAccount)
}
