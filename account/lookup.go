package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/helix/promise"
	"github.com/opd-ai/helix/transport"
)

var (
	// ErrRecipientNotFound indicates the key server has no record for the query.
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrLookupTimeout indicates the key server did not answer in time.
	ErrLookupTimeout = errors.New("recipient lookup timed out")
	// ErrNoTransport indicates a remote lookup without a connected session.
	ErrNoTransport = errors.New("no key-server transport available")
)

// RoundTripper performs one request/response exchange with the key
// server. *session.Session satisfies it.
type RoundTripper interface {
	RoundTrip(req *transport.Packet) (*transport.Packet, error)
}

// FindByName starts a remote lookup for the account registered under
// name. The returned promise resolves to a key record payload, or to an
// error status on a miss or after timeout elapses. A timeout never
// surfaces as a panic or partial result.
func (d *Directory) FindByName(name string, timeout time.Duration) promise.ID {
	return d.find(transport.PacketLookupByName, name, timeout)
}

// FindByEmail starts a remote lookup by email address.
func (d *Directory) FindByEmail(email string, timeout time.Duration) promise.ID {
	return d.find(transport.PacketLookupByEmail, email, timeout)
}

func (d *Directory) find(kind transport.PacketType, query string, timeout time.Duration) promise.ID {
	id := d.registry.Create()

	d.mu.Lock()
	rt := d.rt
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "find",
		"query":      query,
		"promise_id": uint64(id),
		"timeout_ms": timeout.Milliseconds(),
	}).Debug("Starting recipient lookup")

	go func() {
		if rt == nil {
			_ = d.registry.Fail(id, ErrNoTransport)
			return
		}

		type outcome struct {
			reply *transport.Packet
			err   error
		}
		done := make(chan outcome, 1)
		go func() {
			reply, err := rt.RoundTrip(&transport.Packet{Type: kind, Data: []byte(query)})
			done <- outcome{reply, err}
		}()

		var timeoutCh <-chan time.Time
		if timeout >= 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case out := <-done:
			d.settleLookup(id, query, out.reply, out.err)
		case <-timeoutCh:
			// The exchange is not cancelled; a late response is drained
			// and dropped by the inner goroutine.
			_ = d.registry.Fail(id, fmt.Errorf("%w: %s", ErrLookupTimeout, query))
		}
	}()

	return id
}

func (d *Directory) settleLookup(id promise.ID, query string, reply *transport.Packet, err error) {
	if err != nil {
		_ = d.registry.Fail(id, fmt.Errorf("recipient lookup failed: %w", err))
		return
	}

	switch reply.Type {
	case transport.PacketLookupFound:
		_ = d.registry.Resolve(id, reply.Data)
	case transport.PacketLookupMiss:
		_ = d.registry.Fail(id, fmt.Errorf("%w: %s", ErrRecipientNotFound, query))
	default:
		_ = d.registry.Fail(id, fmt.Errorf("unexpected lookup reply (packet type %d)", reply.Type))
	}
}

// Recipient materializes a resolved lookup promise into a recipient
// handle. It fails if the promise has not reached data-available.
func (d *Directory) Recipient(id promise.ID) (*Recipient, error) {
	payload, err := d.registry.Fetch(id)
	if err != nil {
		return nil, err
	}

	rec, err := transport.ParseKeyRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed recipient record: %w", err)
	}

	return &Recipient{
		Name:      rec.Name,
		Email:     rec.Email,
		DeviceUID: rec.DeviceUID,
		PublicKey: rec.PublicKey,
	}, nil
}
