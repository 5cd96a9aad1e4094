package transport

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// cipherSuite is the Noise cipher suite used for the key-server channel.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// handshakePrologue binds both sides to this protocol revision.
var handshakePrologue = []byte("helix key-server channel v1")

// HandshakeTimeout is the max time for an incomplete handshake.
const HandshakeTimeout = 30 * time.Second

// NewStaticKeypair generates a long-term Curve25519 key pair for the
// Noise channel.
func NewStaticKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

func newHandshakeState(static noise.DHKey, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      handshakePrologue,
		StaticKeypair: static,
	})
}

// ClientHandshake runs the initiator side of the Noise-XX handshake
// over raw and returns the resulting secure channel.
func ClientHandshake(raw net.Conn, static noise.DHKey) (*Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function": "ClientHandshake",
		"remote":   raw.RemoteAddr().String(),
	}).Debug("Starting Noise-XX handshake")

	if err := raw.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	hs, err := newHandshakeState(static, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}
	if err := writeFrame(raw, msg); err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}

	// <- e, ee, s, es
	reply, err := readFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, reply); err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}

	// -> s, se
	msg, sendCS, recvCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}
	if err := writeFrame(raw, msg); err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ClientHandshake",
		"remote":   raw.RemoteAddr().String(),
	}).Debug("Noise-XX handshake complete")

	return &Conn{
		raw:        raw,
		send:       sendCS,
		recv:       recvCS,
		peerStatic: hs.PeerStatic(),
	}, nil
}

// ServerHandshake runs the responder side of the Noise-XX handshake
// over raw and returns the resulting secure channel.
func ServerHandshake(raw net.Conn, static noise.DHKey) (*Conn, error) {
	if err := raw.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, err
	}

	hs, err := newHandshakeState(static, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// -> e
	msg, err := readFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("handshake message 1: %w", err)
	}

	// <- e, ee, s, es
	reply, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}
	if err := writeFrame(raw, reply); err != nil {
		return nil, fmt.Errorf("handshake message 2: %w", err)
	}

	// -> s, se
	msg, err = readFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}
	_, recvCS, sendCS, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("handshake message 3: %w", err)
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &Conn{
		raw:        raw,
		send:       sendCS,
		recv:       recvCS,
		peerStatic: hs.PeerStatic(),
	}, nil
}

// Dial connects to a key server and completes the Noise handshake.
func Dial(addr string, static noise.DHKey) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial key server: %w", err)
	}

	conn, err := ClientHandshake(raw, static)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}
