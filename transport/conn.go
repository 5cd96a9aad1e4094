package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// ErrConnClosed indicates the secure channel has been closed.
var ErrConnClosed = errors.New("connection closed")

// frameOverhead is the worst-case growth of an encrypted frame over the
// marshaled packet (AEAD tag).
const frameOverhead = 16

// Conn is a secure channel to a peer: a TCP connection carrying
// length-prefixed frames encrypted with the cipher states negotiated by
// the Noise-XX handshake.
//
// Send and Receive are individually serialized. RoundTrip serializes
// whole request/response exchanges, which is how the key-server
// protocol is driven.
type Conn struct {
	raw        net.Conn
	send       *noise.CipherState
	recv       *noise.CipherState
	peerStatic []byte

	sendMu sync.Mutex
	recvMu sync.Mutex
	rtMu   sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// writeFrame writes a 4-byte big-endian length followed by body.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxPacketSize+frameOverhead {
		return ErrPacketTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxPacketSize+frameOverhead {
		return nil, ErrPacketTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Send encrypts and writes one packet.
func (c *Conn) Send(p *Packet) error {
	plain, err := p.Marshal()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sealed, err := c.send.Encrypt(nil, nil, plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt frame: %w", err)
	}
	return writeFrame(c.raw, sealed)
}

// Receive reads and decrypts one packet.
func (c *Conn) Receive() (*Packet, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	sealed, err := readFrame(c.raw)
	if err != nil {
		return nil, err
	}
	plain, err := c.recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt frame: %w", err)
	}
	return ParsePacket(plain)
}

// RoundTrip sends a request packet and reads the single response to it.
// The key-server protocol is strictly request/response, so exchanges
// from concurrent goroutines are serialized here.
func (c *Conn) RoundTrip(req *Packet) (*Packet, error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	if err := c.Send(req); err != nil {
		return nil, err
	}
	return c.Receive()
}

// SetDeadline sets the read and write deadline on the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// PeerStatic returns the peer's long-term public key as authenticated
// by the handshake.
func (c *Conn) PeerStatic() []byte {
	return append([]byte(nil), c.peerStatic...)
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close tears down the underlying connection. It is safe to call more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
