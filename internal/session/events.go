package session

import "time"

// EventKind enumerates session lifecycle transitions.
type EventKind int

const (
	// SessionBecameActive is published after a successful sign-in.
	SessionBecameActive EventKind = iota + 1
	// SessionEnded is published after sign-out, idle expiry or forced
	// revocation of an inactive account.
	SessionEnded
	// PrincipalRefreshed is published after the principal record has
	// been replaced and the decision cache invalidated.
	PrincipalRefreshed
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case SessionBecameActive:
		return "session_became_active"
	case SessionEnded:
		return "session_ended"
	case PrincipalRefreshed:
		return "principal_refreshed"
	default:
		return "unknown"
	}
}

// Event describes a single session lifecycle transition. Events are
// published in transition order; each transition completes fully before
// the next one is accepted.
type Event struct {
	Kind        EventKind
	Token       string
	PrincipalID int64
	At          time.Time
}
