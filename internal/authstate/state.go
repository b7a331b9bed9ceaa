// Package authstate holds the externally observable authentication state:
// the state machine and the Session aggregate it drives. All other
// components report outcomes here; the rest of the application only reads.
package authstate

// State is the externally visible authentication state.
type State int

const (
	// Initializing is the state at process start, before redirect
	// processing has begun.
	Initializing State = iota

	// ProcessingRedirect means a potential redirect response is being
	// resolved. No token request is served while in this state.
	ProcessingRedirect

	// Authenticated means a current credential is present.
	Authenticated

	// Unauthenticated means no credential is present and no error occurred.
	Unauthenticated

	// Error means authentication was attempted and failed without fallback.
	Error
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case ProcessingRedirect:
		return "processing_redirect"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Pending reports whether the state is one of the two non-rest states.
func (s State) Pending() bool {
	return s == Initializing || s == ProcessingRedirect
}

// allowedTransitions encodes the legal state machine edges. Error is
// reachable from every state and therefore not listed here.
var allowedTransitions = map[State][]State{
	Initializing:       {ProcessingRedirect},
	ProcessingRedirect: {Authenticated, Unauthenticated},
	Unauthenticated:    {Authenticated},
	Authenticated:      {Unauthenticated},
	Error:              {Authenticated, Unauthenticated},
}

func transitionAllowed(from, to State) bool {
	if to == Error {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
