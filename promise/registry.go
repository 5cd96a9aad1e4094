package promise

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBadPromiseID indicates the handle does not reference a live promise.
	ErrBadPromiseID = errors.New("bad promise id")
	// ErrEmptyResult indicates Fetch was called before the promise
	// reached StatusDataAvailable.
	ErrEmptyResult = errors.New("promise has no result data")
	// ErrTimeout indicates Wait gave up before the promise reached a
	// terminal status.
	ErrTimeout = errors.New("wait timed out")
	// ErrDoubleConclude indicates Conclude was called on a handle that
	// was already concluded.
	ErrDoubleConclude = errors.New("promise already concluded")
	// ErrAlreadySettled indicates a producer tried to settle a promise twice.
	ErrAlreadySettled = errors.New("promise already settled")
)

// ID is an opaque 64-bit promise handle. The high 32 bits carry the
// slot generation, the low 32 bits the slot index.
type ID uint64

func makeID(gen, idx uint32) ID { return ID(gen)<<32 | ID(idx) }

func (id ID) split() (gen, idx uint32) { return uint32(id >> 32), uint32(id) }

// Handler is invoked once when a promise reaches a terminal status.
type Handler func(id ID, status Status)

type slot struct {
	gen      uint32
	live     bool
	status   Status
	payload  []byte
	err      error
	done     chan struct{}
	handlers []Handler
}

// Registry tracks outstanding asynchronous operations. It is safe for
// concurrent use by producer goroutines and consumer callers; all
// status transitions are serialized by the registry.
//
// The registry recycles slots through a free list but bumps the slot
// generation on every Conclude, so stale handles always fail with
// ErrBadPromiseID instead of observing an unrelated promise.
type Registry struct {
	mu    sync.Mutex
	slots []*slot
	free  []uint32
}

// NewRegistry creates an empty promise registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Create allocates a fresh promise in StatusPending and returns its handle.
func (r *Registry) Create() ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, &slot{gen: 1})
		idx = uint32(len(r.slots) - 1)
	}

	s := r.slots[idx]
	s.live = true
	s.status = StatusPending
	s.payload = nil
	s.err = nil
	s.done = make(chan struct{})
	s.handlers = nil

	id := makeID(s.gen, idx)
	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"promise_id": uint64(id),
	}).Debug("Promise created")
	return id
}

// lookup resolves a handle to its slot. Caller must hold r.mu.
func (r *Registry) lookup(id ID) (*slot, error) {
	gen, idx := id.split()
	if int(idx) >= len(r.slots) {
		return nil, ErrBadPromiseID
	}
	s := r.slots[idx]
	if !s.live || s.gen != gen {
		return nil, ErrBadPromiseID
	}
	return s, nil
}

// settle moves a promise to a terminal status and fires handlers.
func (r *Registry) settle(id ID, status Status, payload []byte, cause error) error {
	r.mu.Lock()
	s, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.status.Terminal() {
		r.mu.Unlock()
		return ErrAlreadySettled
	}
	s.status = status
	s.payload = payload
	s.err = cause
	handlers := s.handlers
	s.handlers = nil
	close(s.done)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "settle",
		"promise_id": uint64(id),
		"status":     status.String(),
	}).Debug("Promise settled")

	for _, h := range handlers {
		h(id, status)
	}
	return nil
}

// Resolve completes a promise with a result payload, moving it to
// StatusDataAvailable. A nil payload moves it to StatusComplete instead.
func (r *Registry) Resolve(id ID, payload []byte) error {
	if payload == nil {
		return r.settle(id, StatusComplete, nil, nil)
	}
	return r.settle(id, StatusDataAvailable, payload, nil)
}

// Fail completes a promise with an error, moving it to StatusError.
func (r *Registry) Fail(id ID, cause error) error {
	return r.settle(id, StatusError, nil, cause)
}

// Wait blocks until the promise reaches a terminal status or the
// timeout elapses. A negative timeout waits indefinitely. On expiry it
// returns the current (non-terminal) status together with ErrTimeout;
// on an unknown handle it returns StatusInvalid and ErrBadPromiseID.
//
// A timed-out Wait does not cancel the underlying operation: the work
// keeps running and its result remains fetchable until Conclude.
func (r *Registry) Wait(id ID, timeout time.Duration) (Status, error) {
	r.mu.Lock()
	s, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return StatusInvalid, err
	}
	if s.status.Terminal() {
		status := s.status
		r.mu.Unlock()
		return status, nil
	}
	done := s.done
	r.mu.Unlock()

	if timeout < 0 {
		<-done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			status, perr := r.Poll(id)
			if perr != nil {
				return StatusInvalid, perr
			}
			if status.Terminal() {
				return status, nil
			}
			return status, ErrTimeout
		}
	}
	return r.Poll(id)
}

// Poll returns the current status without blocking.
func (r *Registry) Poll(id ID) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return StatusInvalid, err
	}
	return s.status, nil
}

// Err returns the failure cause of a promise in StatusError, or nil.
func (r *Registry) Err(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.err
}

// Fetch returns the result payload of a promise in StatusDataAvailable.
// Before that point it fails with ErrEmptyResult; partial data is never
// returned. The registry retains the payload until Conclude.
func (r *Registry) Fetch(id ID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.status != StatusDataAvailable {
		return nil, ErrEmptyResult
	}
	return s.payload, nil
}

// OnComplete registers a handler fired once when the promise settles.
// If the promise is already terminal the handler runs before OnComplete
// returns, on the calling goroutine.
func (r *Registry) OnComplete(id ID, h Handler) error {
	r.mu.Lock()
	s, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.status.Terminal() {
		status := s.status
		r.mu.Unlock()
		h(id, status)
		return nil
	}
	s.handlers = append(s.handlers, h)
	r.mu.Unlock()
	return nil
}

// Conclude releases all registry-held resources for the promise and
// invalidates its handle. Concluding the same handle twice fails with
// ErrDoubleConclude; any other use of a concluded handle fails with
// ErrBadPromiseID.
func (r *Registry) Conclude(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, idx := id.split()
	if int(idx) >= len(r.slots) {
		return ErrBadPromiseID
	}
	s := r.slots[idx]
	if !s.live || s.gen != gen {
		// A stale generation on a known slot means this exact handle
		// was concluded before.
		if gen < s.gen {
			return ErrDoubleConclude
		}
		return ErrBadPromiseID
	}

	if !s.status.Terminal() {
		// The producer may still settle; dropping the slot now would
		// let it write into a recycled promise. Mark and close instead.
		s.status = StatusInvalid
		close(s.done)
	}

	s.live = false
	s.gen++
	s.payload = nil
	s.err = nil
	s.handlers = nil
	r.free = append(r.free, idx)

	logrus.WithFields(logrus.Fields{
		"function":   "Conclude",
		"promise_id": uint64(id),
	}).Debug("Promise concluded")
	return nil
}

// Outstanding returns the number of live promises, mainly for tests
// and shutdown diagnostics.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.live {
			n++
		}
	}
	return n
}
