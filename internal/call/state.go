// Package call holds the per-call session entity and its state machine.
// One Call exists per active phone call; its state advances monotonically
// through the life of the call and never regresses, which makes duplicate
// or late backend callbacks idempotent.
package call

// State is the position of a call in its lifecycle. The zero value is
// StateNone. Ordering is total: a transition is accepted only when the
// target ranks strictly above the current state, with StateFailed absorbing
// from every non-failed state.
type State int

const (
	StateNone State = iota
	StatePending
	StateStart
	StateConnecting
	StateConnected
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePending:
		return "pending"
	case StateStart:
		return "start"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further lifecycle progress is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// advanceable reports whether a transition from s to next is accepted.
// StateFailed is absorbing: reachable from any non-failed state, and once
// entered nothing else is accepted.
func advanceable(s, next State) bool {
	if s == StateFailed {
		return false
	}
	if next == StateFailed {
		return true
	}
	return next > s
}
