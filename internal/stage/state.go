package stage

import "github.com/user/convpipe/internal/types"

// State is a conversation's pipeline state, derived from its latest record.
type State int

const (
	Empty State = iota
	AwaitingInference
	AwaitingIntegration
	Complete
)

// Derive returns the state implied by the latest record. A nil record means
// the conversation has no records.
func Derive(latest *types.Record) State {
	if latest == nil {
		return Empty
	}
	switch latest.Role {
	case types.RoleUser:
		return AwaitingInference
	case types.RoleAssistant:
		return AwaitingIntegration
	default:
		return Complete
	}
}

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case AwaitingInference:
		return "awaiting_inference"
	case AwaitingIntegration:
		return "awaiting_integration"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Next returns the stage that advances a conversation in this state.
func (s State) Next() Name {
	switch s {
	case AwaitingInference:
		return Infer
	case AwaitingIntegration:
		return Integrate
	default:
		return Ingest
	}
}

// Pending reports whether a turn has started but not finished.
func (s State) Pending() bool {
	return s == AwaitingInference || s == AwaitingIntegration
}

// Accepts reports whether stage n may run in this state. Format runs in any
// state.
func (s State) Accepts(n Name) bool {
	return n == Format || s.Next() == n
}
