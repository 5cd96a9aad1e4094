package keyserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/helix/transport"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New()
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialTestServer(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()
	keys, err := transport.NewStaticKeypair()
	require.NoError(t, err)
	conn, err := transport.Dial(srv.Addr(), keys)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func registerRecord(t *testing.T, conn *transport.Conn, rec *transport.KeyRecord) {
	t.Helper()
	wire, err := rec.Marshal()
	require.NoError(t, err)
	reply, err := conn.RoundTrip(&transport.Packet{Type: transport.PacketRegisterKey, Data: wire})
	require.NoError(t, err)
	require.Equal(t, transport.PacketRegisterAck, reply.Type)
}

func TestServerPing(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	reply, err := conn.RoundTrip(&transport.Packet{Type: transport.PacketPing})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketPong, reply.Type)
}

func TestServerRegisterAndLookupByName(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	rec := &transport.KeyRecord{Name: "alice", Email: "alice@example.com"}
	rec.PublicKey[5] = 0x42
	registerRecord(t, conn, rec)

	reply, err := conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByName,
		Data: []byte("alice"),
	})
	require.NoError(t, err)
	require.Equal(t, transport.PacketLookupFound, reply.Type)

	found, err := transport.ParseKeyRecord(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, rec.PublicKey, found.PublicKey)
	assert.Equal(t, "alice", found.Name)
}

func TestServerLookupByEmail(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	registerRecord(t, conn, &transport.KeyRecord{Name: "bob", Email: "bob@example.com"})

	reply, err := conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByEmail,
		Data: []byte("BOB@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketLookupFound, reply.Type)
}

func TestServerLookupMiss(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	reply, err := conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByName,
		Data: []byte("nobody"),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketLookupMiss, reply.Type)
}

func TestServerReRegisterReplaces(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	first := &transport.KeyRecord{Name: "carol"}
	first.PublicKey[0] = 1
	registerRecord(t, conn, first)

	second := &transport.KeyRecord{Name: "carol"}
	second.PublicKey[0] = 2
	registerRecord(t, conn, second)

	reply, err := conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByName,
		Data: []byte("carol"),
	})
	require.NoError(t, err)
	require.Equal(t, transport.PacketLookupFound, reply.Type)

	found, err := transport.ParseKeyRecord(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, byte(2), found.PublicKey[0])
}

func TestServerDrop(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTestServer(t, srv)

	registerRecord(t, conn, &transport.KeyRecord{Name: "dave", Email: "dave@example.com"})
	srv.Drop("dave")

	reply, err := conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByName,
		Data: []byte("dave"),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketLookupMiss, reply.Type)

	reply, err = conn.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByEmail,
		Data: []byte("dave@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketLookupMiss, reply.Type)
}

func TestServerSurvivesMultipleClients(t *testing.T) {
	srv := startTestServer(t)

	c1 := dialTestServer(t, srv)
	c2 := dialTestServer(t, srv)

	registerRecord(t, c1, &transport.KeyRecord{Name: "erin"})

	reply, err := c2.RoundTrip(&transport.Packet{
		Type: transport.PacketLookupByName,
		Data: []byte("erin"),
	})
	require.NoError(t, err)
	assert.Equal(t, transport.PacketLookupFound, reply.Type)
}
