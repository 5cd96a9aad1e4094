package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/transport"
)

// State represents the lifecycle state of a session.
type State int

const (
	StateUninitialized State = iota
	StateStarted
	StateConnecting
	StateConnected
	StateDisconnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarted:
		return "started"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// MaxServerNameLength bounds the accepted key-server host string.
const MaxServerNameLength = 128

// pingTimeout bounds the IsConnected liveness probe.
const pingTimeout = 10 * time.Second

var (
	// ErrModuleInit indicates invalid startup parameters.
	ErrModuleInit = errors.New("module initialization failed")
	// ErrNotConnected indicates an operation that requires a connected session.
	ErrNotConnected = errors.New("session not connected")
	// ErrInvalidState indicates a lifecycle transition from the wrong state.
	ErrInvalidState = errors.New("invalid session state")
)

// Session is the key-exchange session with one key server. One session
// exists per client; it is created at module startup and destroyed at
// shutdown.
type Session struct {
	mu     sync.Mutex
	state  State
	server string
	port   uint16
	device DeviceIdentity
	static noise.DHKey
	conn   *transport.Conn
}

// New validates the server endpoint and initializes session state.
// The port must lie in 1-65534; the server string must be a plausible
// host name or address. Violations fail with ErrModuleInit.
func New(server string, port uint16, device DeviceIdentity) (*Session, error) {
	if server == "" || len(server) >= MaxServerNameLength {
		return nil, fmt.Errorf("%w: bad server %q", ErrModuleInit, server)
	}
	if strings.ContainsAny(server, " \t\r\n") {
		return nil, fmt.Errorf("%w: server contains whitespace", ErrModuleInit)
	}
	if port < 1 || port > 65534 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrModuleInit, port)
	}

	static, err := transport.NewStaticKeypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModuleInit, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"server":    server,
		"port":      port,
		"device":    device.UID,
		"simulated": device.Simulated,
	}).Info("Session started")

	return &Session{
		state:  StateStarted,
		server: server,
		port:   port,
		device: device,
		static: static,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the device identity the session runs under.
func (s *Session) Device() DeviceIdentity {
	return s.device
}

// Addr returns the key-server endpoint.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.server, strconv.Itoa(int(s.port)))
}

// Connect establishes the Noise-secured channel to the key server. It
// does not retry; the caller decides retry policy. Valid from the
// started and disconnected states.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.state != StateStarted && s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := transport.Dial(s.Addr(), s.static)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("failed to connect to key server: %w", err)
	}
	s.conn = conn
	s.state = StateConnected

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"addr":     s.Addr(),
	}).Info("Connected to key server")
	return nil
}

// IsConnected probes connection liveness with a ping round trip.
//
// The probe is network-bound; keep it out of hot paths. Under normal
// operation assume the connection is live and rely on per-operation
// error codes instead. It is intended as a connectivity test after a
// long idle period.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	_ = conn.SetDeadline(time.Now().Add(pingTimeout))
	defer conn.SetDeadline(time.Time{})

	reply, err := conn.RoundTrip(&transport.Packet{Type: transport.PacketPing})
	if err != nil {
		return false
	}
	return reply.Type == transport.PacketPong
}

// RoundTrip performs one request/response exchange with the key server.
func (s *Session) RoundTrip(req *transport.Packet) (*transport.Packet, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}
	return conn.RoundTrip(req)
}

// PublishKey registers a key record for the logged-in account with the
// key server. The session stamps the record with its device UID.
func (s *Session) PublishKey(rec *transport.KeyRecord) error {
	rec.DeviceUID = s.device.UID

	wire, err := rec.Marshal()
	if err != nil {
		return err
	}

	reply, err := s.RoundTrip(&transport.Packet{Type: transport.PacketRegisterKey, Data: wire})
	if err != nil {
		return fmt.Errorf("failed to publish key: %w", err)
	}
	if reply.Type != transport.PacketRegisterAck {
		return fmt.Errorf("key server rejected registration (packet type %d)", reply.Type)
	}

	logrus.WithFields(logrus.Fields{
		"function": "PublishKey",
		"name":     rec.Name,
	}).Info("Published key record")
	return nil
}

// Disconnect performs a blocking graceful teardown of the key-server
// connection. After it returns no background key-exchange activity
// remains. Disconnecting an unconnected session is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil
	}

	// Best-effort goodbye so the server drops us cleanly.
	_ = s.conn.Send(&transport.Packet{Type: transport.PacketBye})
	err := s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"addr":     s.Addr(),
	}).Info("Disconnected from key server")
	return err
}

// Shutdown releases all session resources. It is only valid once the
// session is no longer connected; call Disconnect first.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected, StateConnecting:
		return fmt.Errorf("%w: shutdown while %s, disconnect first", ErrInvalidState, s.state)
	case StateShutdown:
		return nil
	}

	s.state = StateShutdown
	logrus.WithFields(logrus.Fields{"function": "Shutdown"}).Info("Session shut down")
	return nil
}
