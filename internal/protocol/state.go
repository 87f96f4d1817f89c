package protocol

import "fmt"

// State is a phase command state.
type State string

const (
	StateStart     State = "start"
	StateStop      State = "stop"
	StateSend      State = "send"
	StateTerminate State = "terminate"
)

// ParseState validates a wire state string.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateStart, StateStop, StateSend, StateTerminate:
		return State(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
}

// Next returns the state expected after s completes. Terminate has no successor.
func (s State) Next() State {
	switch s {
	case StateStart:
		return StateStop
	case StateStop:
		return StateSend
	case StateSend:
		return StateStart
	default:
		return ""
	}
}

// Decision is what a participant does with an observed state.
type Decision int

const (
	// Ignore leaves the expected state unchanged.
	Ignore Decision = iota
	// Advance runs the action bound to the observed state.
	Advance
	// Terminate ends the command loop.
	Terminate
)

func (d Decision) String() string {
	switch d {
	case Ignore:
		return "ignore"
	case Advance:
		return "advance"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// StateMachine tracks the start -> stop -> send cycle for one participant.
// The zero value is not usable; call NewStateMachine.
type StateMachine struct {
	expected State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{expected: StateStart}
}

// Expected returns the state the next Advance must carry.
func (m *StateMachine) Expected() State {
	return m.expected
}

// Observe decides what to do with state and moves the expected pointer on
// Advance.
func (m *StateMachine) Observe(state State) Decision {
	if state == StateTerminate {
		return Terminate
	}
	if state != m.expected {
		return Ignore
	}
	m.expected = state.Next()
	return Advance
}
