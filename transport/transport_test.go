package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalParse(t *testing.T) {
	p := &Packet{Type: PacketLookupByName, Data: []byte("alice")}

	wire, err := p.Marshal()
	require.NoError(t, err)

	parsed, err := ParsePacket(wire)
	require.NoError(t, err)
	assert.Equal(t, p.Type, parsed.Type)
	assert.Equal(t, p.Data, parsed.Data)
}

func TestParsePacketEmptyFails(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestPacketMarshalOversizeFails(t *testing.T) {
	p := &Packet{Type: PacketRegisterKey, Data: make([]byte, MaxPacketSize)}
	_, err := p.Marshal()
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestKeyRecordRoundTrip(t *testing.T) {
	rec := &KeyRecord{
		Name:      "alice",
		Email:     "alice@example.com",
		DeviceUID: "7b0dca8e-3dab-45a1-b9ef-9d2bb9a3f9d1",
	}
	rec.PublicKey[0] = 0xab
	rec.PublicKey[31] = 0xcd

	wire, err := rec.Marshal()
	require.NoError(t, err)

	parsed, err := ParseKeyRecord(wire)
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestKeyRecordEmptyFields(t *testing.T) {
	rec := &KeyRecord{Name: "bob"}

	wire, err := rec.Marshal()
	require.NoError(t, err)

	parsed, err := ParseKeyRecord(wire)
	require.NoError(t, err)
	assert.Equal(t, "bob", parsed.Name)
	assert.Empty(t, parsed.Email)
}

func TestParseKeyRecordMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated length", []byte{0x00}},
		{"string past end", []byte{0x00, 0x10, 'a'}},
		{"missing key", []byte{0x00, 0x01, 'a', 0x00, 0x00, 0x00, 0x00}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseKeyRecord(tc.data)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

// handshakePair completes a Noise-XX handshake over an in-memory pipe
// and returns both ends of the secure channel.
func handshakePair(t *testing.T) (client, server *Conn) {
	t.Helper()

	clientKeys, err := NewStaticKeypair()
	require.NoError(t, err)
	serverKeys, err := NewStaticKeypair()
	require.NoError(t, err)

	rawClient, rawServer := net.Pipe()
	t.Cleanup(func() {
		rawClient.Close()
		rawServer.Close()
	})

	serverDone := make(chan error, 1)
	go func() {
		var herr error
		server, herr = ServerHandshake(rawServer, serverKeys)
		serverDone <- herr
	}()

	client, err = ClientHandshake(rawClient, clientKeys)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	assert.Equal(t, serverKeys.Public, client.PeerStatic())
	assert.Equal(t, clientKeys.Public, server.PeerStatic())
	return client, server
}

func TestNoiseChannelBidirectional(t *testing.T) {
	client, server := handshakePair(t)

	go func() {
		pkt, err := server.Receive()
		if err != nil {
			return
		}
		if pkt.Type == PacketPing {
			_ = server.Send(&Packet{Type: PacketPong})
		}
	}()

	reply, err := client.RoundTrip(&Packet{Type: PacketPing})
	require.NoError(t, err)
	assert.Equal(t, PacketPong, reply.Type)
}

func TestNoiseChannelCarriesPayloads(t *testing.T) {
	client, server := handshakePair(t)

	rec := &KeyRecord{Name: "carol", Email: "carol@example.com"}
	wire, err := rec.Marshal()
	require.NoError(t, err)

	go func() {
		_ = client.Send(&Packet{Type: PacketRegisterKey, Data: wire})
	}()

	pkt, err := server.Receive()
	require.NoError(t, err)
	require.Equal(t, PacketRegisterKey, pkt.Type)

	parsed, err := ParseKeyRecord(pkt.Data)
	require.NoError(t, err)
	assert.Equal(t, "carol", parsed.Name)
}

func TestTamperedFrameFailsDecryption(t *testing.T) {
	clientKeys, err := NewStaticKeypair()
	require.NoError(t, err)
	serverKeys, err := NewStaticKeypair()
	require.NoError(t, err)

	rawClient, rawServer := net.Pipe()
	t.Cleanup(func() {
		rawClient.Close()
		rawServer.Close()
	})

	var server *Conn
	serverDone := make(chan error, 1)
	go func() {
		var herr error
		server, herr = ServerHandshake(rawServer, serverKeys)
		serverDone <- herr
	}()

	client, err := ClientHandshake(rawClient, clientKeys)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	// Bypass Send and write a corrupted frame directly.
	go func() {
		_ = writeFrame(rawClient, []byte("not a valid ciphertext"))
	}()

	_, err = server.Receive()
	assert.Error(t, err)
	_ = client.Close()
}
