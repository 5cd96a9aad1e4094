package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/helix/account"
	"github.com/opd-ai/helix/crypto"
	"github.com/opd-ai/helix/promise"
)

const waitBudget = 5 * time.Second

// newTestEngine returns an engine whose identity key doubles as the
// recipient, so a round trip encrypts to itself.
func newTestEngine(t *testing.T) (*Engine, *promise.Registry, *account.Recipient) {
	t.Helper()

	reg := promise.NewRegistry()
	eng := New(reg)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	eng.SetIdentity(kp)

	rcpt := &account.Recipient{Name: "self"}
	rcpt.PublicKey = kp.Public
	return eng, reg, rcpt
}

func waitAvailable(t *testing.T, reg *promise.Registry, id promise.ID) {
	t.Helper()
	status, err := reg.Wait(id, waitBudget)
	require.NoError(t, err)
	require.Equal(t, promise.StatusDataAvailable, status)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	encID := eng.EncryptStart(rcpt, plaintext, "hunter2", OwnerEngine)
	waitAvailable(t, reg, encID)

	exists, err := eng.EncryptOutputExists(encID)
	require.NoError(t, err)
	assert.True(t, exists)

	blob, err := eng.EncryptOutput(encID, OwnerEngine)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(blob), BlobOverhead+crypto.SealOverhead)
	assert.NotContains(t, string(blob), "quick brown fox")

	decID := eng.DecryptStart(blob, "hunter2", OwnerEngine)
	waitAvailable(t, reg, decID)

	got, err := eng.DecryptOutput(decID, OwnerCaller)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	require.NoError(t, eng.EncryptConclude(encID))
	assert.Zero(t, eng.Outstanding())
}

func TestEncryptEmptyPlaintextProducesBlob(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	encID := eng.EncryptStart(rcpt, []byte{}, "", OwnerEngine)
	waitAvailable(t, reg, encID)

	blob, err := eng.EncryptOutput(encID, OwnerCaller)
	require.NoError(t, err)
	// Framing plus the seal tag keep even an empty message nonzero.
	assert.Equal(t, BlobOverhead+crypto.SealOverhead, len(blob))

	decID := eng.DecryptStart(blob, "", OwnerCaller)
	waitAvailable(t, reg, decID)
	got, err := eng.DecryptOutput(decID, OwnerCaller)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	encID := eng.EncryptStart(rcpt, []byte("secret"), "correct horse", OwnerEngine)
	waitAvailable(t, reg, encID)
	blob, err := eng.EncryptOutput(encID, OwnerCaller)
	require.NoError(t, err)

	decID := eng.DecryptStart(blob, "battery staple", OwnerEngine)
	status, err := reg.Wait(decID, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(decID), crypto.ErrAuthFailure)

	_, err = eng.DecryptOutput(decID, OwnerCaller)
	assert.ErrorIs(t, err, promise.ErrEmptyResult)
}

func TestDecryptWithoutIdentityFails(t *testing.T) {
	reg := promise.NewRegistry()
	eng := New(reg)

	id := eng.DecryptStart([]byte("irrelevant"), "", OwnerEngine)
	status, err := reg.Wait(id, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(id), ErrNoIdentity)
}

func TestEncryptRejectsReleasedRecipient(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)
	rcpt.Release()

	id := eng.EncryptStart(rcpt, []byte("data"), "", OwnerEngine)
	status, err := reg.Wait(id, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(id), ErrNoRecipient)
}

func TestEncryptRejectsNilRecipient(t *testing.T) {
	eng, reg, _ := newTestEngine(t)

	id := eng.EncryptStart(nil, []byte("data"), "", OwnerEngine)
	status, err := reg.Wait(id, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(id), ErrNoRecipient)
}

func TestCallerOwnedOutputConcludesHandle(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	id := eng.EncryptStart(rcpt, []byte("move semantics"), "", OwnerEngine)
	waitAvailable(t, reg, id)

	blob, err := eng.EncryptOutput(id, OwnerCaller)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	// The transfer invalidated the handle.
	_, err = eng.EncryptOutput(id, OwnerCaller)
	assert.ErrorIs(t, err, promise.ErrBadPromiseID)
	assert.ErrorIs(t, eng.EncryptConclude(id), promise.ErrBadPromiseID)
	assert.Zero(t, eng.Outstanding())
}

func TestEngineOwnedOutputSurvivesUntilConclude(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	id := eng.EncryptStart(rcpt, []byte("stay"), "", OwnerEngine)
	waitAvailable(t, reg, id)

	first, err := eng.EncryptOutput(id, OwnerEngine)
	require.NoError(t, err)
	second, err := eng.EncryptOutput(id, OwnerEngine)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, eng.EncryptConclude(id))
	assert.ErrorIs(t, eng.EncryptConclude(id), promise.ErrBadPromiseID)
}

func TestOutputRejectsMismatchedOperation(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	id := eng.EncryptStart(rcpt, []byte("data"), "", OwnerEngine)
	waitAvailable(t, reg, id)

	_, err := eng.DecryptOutput(id, OwnerCaller)
	assert.ErrorIs(t, err, ErrWrongOperation)
	assert.ErrorIs(t, eng.DecryptConclude(id), ErrWrongOperation)

	require.NoError(t, eng.EncryptConclude(id))
}

func TestEngineOwnedInputIsCopiedBeforeReturn(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	buf := []byte("original content")
	id := eng.EncryptStart(rcpt, buf, "", OwnerEngine)
	// Caller may scribble over its buffer as soon as the call returns.
	for i := range buf {
		buf[i] = 'X'
	}
	waitAvailable(t, reg, id)

	blob, err := eng.EncryptOutput(id, OwnerCaller)
	require.NoError(t, err)

	decID := eng.DecryptStart(blob, "", OwnerEngine)
	waitAvailable(t, reg, decID)
	got, err := eng.DecryptOutput(decID, OwnerCaller)
	require.NoError(t, err)
	assert.Equal(t, []byte("original content"), got)
}

func TestDecryptRejectsForeignInput(t *testing.T) {
	eng, reg, _ := newTestEngine(t)

	id := eng.DecryptStart([]byte("definitely not a blob"), "", OwnerEngine)
	status, err := reg.Wait(id, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(id), ErrNotCipherBlob)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	eng, reg, rcpt := newTestEngine(t)

	encID := eng.EncryptStart(rcpt, []byte("integrity matters"), "", OwnerEngine)
	waitAvailable(t, reg, encID)
	blob, err := eng.EncryptOutput(encID, OwnerCaller)
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff

	decID := eng.DecryptStart(blob, "", OwnerEngine)
	status, err := reg.Wait(decID, waitBudget)
	require.NoError(t, err)
	assert.Equal(t, promise.StatusError, status)
	assert.ErrorIs(t, reg.Err(decID), crypto.ErrAuthFailure)
}

func TestBlobCodecRejectsTruncation(t *testing.T) {
	b := &Blob{Sealed: []byte("0123456789abcdef")}
	wire := encodeBlob(b)

	_, err := decodeBlob(wire[:len(wire)-3])
	assert.ErrorIs(t, err, ErrBlobTruncated)

	wire[4] = 99
	_, err = decodeBlob(wire)
	assert.ErrorIs(t, err, ErrBlobVersion)
}
