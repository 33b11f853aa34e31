package session

// State is the lifecycle state of a stream session.
type State int32

// Session lifecycle states. Stopped and Errored are terminal: the session
// is removed from the registry and its id becomes free again.
const (
	StateConnecting State = iota
	StateLive
	StateStopping
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateErrored
}
