package watcher

// State is the position of a watcher in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdleWait
	StateFetching
	StateProcessing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateIdleWait:
		return "IDLE_WAIT"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
