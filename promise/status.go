package promise

// Status represents the observable state of a promise.
type Status int8

const (
	// StatusPending indicates the promised work has not finished yet.
	StatusPending Status = iota
	// StatusComplete indicates the work finished successfully but
	// produced no result payload.
	StatusComplete
	// StatusDataAvailable indicates the work finished and a result
	// payload is ready for Fetch.
	StatusDataAvailable
	// StatusError indicates the work finished with an error.
	StatusError
	// StatusInvalid indicates the handle does not reference a live
	// promise.
	StatusInvalid
)

// Terminal reports whether a status is final. Status transitions are
// monotonic: once a promise reaches a terminal status it never returns
// to StatusPending.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusDataAvailable, StatusError, StatusInvalid:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusDataAvailable:
		return "data_available"
	case StatusError:
		return "error"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}
