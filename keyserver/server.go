package keyserver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/transport"
)

// Server is an in-memory key directory reachable over the framed
// Noise-XX transport.
type Server struct {
	static noise.DHKey

	mu      sync.RWMutex
	byName  map[string]*transport.KeyRecord
	byEmail map[string]*transport.KeyRecord

	ln      net.Listener
	wg      sync.WaitGroup
	closing chan struct{}
}

// New creates a server with a fresh long-term Noise key pair.
func New() (*Server, error) {
	static, err := transport.NewStaticKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate server keypair: %w", err)
	}
	return &Server{
		static:  static,
		byName:  make(map[string]*transport.KeyRecord),
		byEmail: make(map[string]*transport.KeyRecord),
		closing: make(chan struct{}),
	}, nil
}

// Listen binds the server to addr (e.g. "127.0.0.1:0") and starts
// accepting connections in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.ln = ln

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
	}).Info("Key server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// PublicKey returns the server's long-term Noise public key.
func (s *Server) PublicKey() []byte {
	return append([]byte(nil), s.static.Public...)
}

// Close stops accepting connections and waits for in-flight handlers.
func (s *Server) Close() error {
	close(s.closing)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(raw)
		}()
	}
}

func (s *Server) handleConn(raw net.Conn) {
	conn, err := transport.ServerHandshake(raw, s.static)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   raw.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Handshake failed")
		raw.Close()
		return
	}
	defer conn.Close()

	for {
		pkt, err := conn.Receive()
		if err != nil {
			return
		}

		switch pkt.Type {
		case transport.PacketRegisterKey:
			err = s.handleRegister(conn, pkt)
		case transport.PacketLookupByName:
			err = s.handleLookup(conn, s.byName, string(pkt.Data))
		case transport.PacketLookupByEmail:
			err = s.handleLookup(conn, s.byEmail, string(pkt.Data))
		case transport.PacketPing:
			err = conn.Send(&transport.Packet{Type: transport.PacketPong})
		case transport.PacketBye:
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function":    "handleConn",
				"packet_type": pkt.Type,
			}).Warn("Unknown packet type")
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleRegister(conn *transport.Conn, pkt *transport.Packet) error {
	rec, err := transport.ParseKeyRecord(pkt.Data)
	if err != nil || rec.Name == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleRegister",
			"remote":   conn.RemoteAddr().String(),
		}).Warn("Rejected malformed registration")
		// Malformed registrations end the session.
		return transport.ErrMalformedRecord
	}

	s.mu.Lock()
	s.byName[strings.ToLower(rec.Name)] = rec
	if rec.Email != "" {
		s.byEmail[strings.ToLower(rec.Email)] = rec
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleRegister",
		"name":     rec.Name,
		"email":    rec.Email,
	}).Info("Registered key record")

	return conn.Send(&transport.Packet{Type: transport.PacketRegisterAck})
}

func (s *Server) handleLookup(conn *transport.Conn, index map[string]*transport.KeyRecord, query string) error {
	s.mu.RLock()
	rec := index[strings.ToLower(query)]
	s.mu.RUnlock()

	if rec == nil {
		return conn.Send(&transport.Packet{Type: transport.PacketLookupMiss})
	}

	wire, err := rec.Marshal()
	if err != nil {
		return err
	}
	return conn.Send(&transport.Packet{Type: transport.PacketLookupFound, Data: wire})
}

// Drop removes a record by account name, mainly for tests exercising
// lookup misses after deletion.
func (s *Server) Drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byName[strings.ToLower(name)]; ok {
		delete(s.byName, strings.ToLower(name))
		if rec.Email != "" {
			delete(s.byEmail, strings.ToLower(rec.Email))
		}
	}
}
