package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func TestStateMachineCycles(t *testing.T) {
	testlog.Start(t)
	m := NewStateMachine()
	for _, state := range []State{StateStart, StateStop, StateSend, StateStart} {
		if got := m.Observe(state); got != Advance {
			t.Fatalf("state %s: decision=%s", state, got)
		}
	}
	if m.Expected() != StateStop {
		t.Fatalf("expected stop after second start, got %s", m.Expected())
	}
}

func TestStateMachineIgnoresOutOfOrder(t *testing.T) {
	testlog.Start(t)
	m := NewStateMachine()
	for _, state := range []State{StateStop, StateSend, StateStop} {
		if got := m.Observe(state); got != Ignore {
			t.Fatalf("state %s: decision=%s", state, got)
		}
		if m.Expected() != StateStart {
			t.Fatalf("ignored state advanced machine to %s", m.Expected())
		}
	}
}

func TestStateMachineTerminateFromAnyState(t *testing.T) {
	testlog.Start(t)
	for _, prefix := range [][]State{nil, {StateStart}, {StateStart, StateStop}} {
		m := NewStateMachine()
		for _, state := range prefix {
			m.Observe(state)
		}
		before := m.Expected()
		if got := m.Observe(StateTerminate); got != Terminate {
			t.Fatalf("prefix %v: decision=%s", prefix, got)
		}
		if m.Expected() != before {
			t.Fatalf("terminate moved the expected state")
		}
	}
}

func TestParseState(t *testing.T) {
	testlog.Start(t)
	if _, err := ParseState("postprocess"); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected unknown state, got %v", err)
	}
	if s, err := ParseState("send"); err != nil || s != StateSend {
		t.Fatalf("send: %v %v", s, err)
	}
}
