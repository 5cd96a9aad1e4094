package engine

// Ownership designates which side is responsible for a buffer's
// lifetime, selected at operation start or output retrieval.
type Ownership int

const (
	// OwnerCaller leaves buffer lifetime with the caller. On input the
	// engine uses the caller's buffer in place; on output the result is
	// transferred out and the operation handle is concluded.
	OwnerCaller Ownership = iota
	// OwnerEngine moves buffer lifetime to the engine. On input the
	// engine copies immediately; on output the result stays
	// registry-held until Conclude releases it.
	OwnerEngine
)

func (o Ownership) String() string {
	switch o {
	case OwnerCaller:
		return "caller_owns"
	case OwnerEngine:
		return "engine_owns"
	}
	return "unknown"
}
