package portmacro

// State is the resolver lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingDescriptor
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDescriptor:
		return "awaiting_descriptor"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
