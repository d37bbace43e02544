package sessions

import (
	"github.com/go-go-golems/switchboard/pkg/connector"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateUnpaired is reported by Registry.Status for ids that have no session.
	StateUnpaired State = "UNPAIRED"

	StateAwaitingPairing    State = "AWAITING_PAIRING"
	StatePairedPendingReady State = "PAIRED_PENDING_READY"
	StateReady              State = "READY"
	StateAuthFailed         State = "AUTH_FAILED"
	StateDisconnected       State = "DISCONNECTED"
	StateLoggedOut          State = "LOGGED_OUT"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateAuthFailed, StateDisconnected, StateLoggedOut:
		return true
	default:
		return false
	}
}

// rank orders the non-terminal states; transitions never move to a lower rank.
func (s State) rank() int {
	switch s {
	case StateAwaitingPairing:
		return 0
	case StatePairedPendingReady:
		return 1
	case StateReady:
		return 2
	default:
		return 3
	}
}

// transition computes the state reached from `from` on ev. changed is false when the event
// leaves the state untouched. Pairing artifacts refresh the artifact in AWAITING_PAIRING without
// changing state; callers handle that separately.
func transition(from State, ev connector.Event) (to State, changed bool) {
	if from.IsTerminal() {
		return from, false
	}
	switch ev.Kind {
	case connector.EventPairing:
		return from, false
	case connector.EventAuthenticated:
		to = StatePairedPendingReady
	case connector.EventReady:
		to = StateReady
	case connector.EventAuthFailure:
		return StateAuthFailed, true
	case connector.EventDisconnected:
		return StateDisconnected, true
	default:
		return from, false
	}
	if to.rank() <= from.rank() {
		return from, false
	}
	return to, true
}
