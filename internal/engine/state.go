package engine

// State is the engine lifecycle position.
type State int32

// Lifecycle states, in order.
const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
