package meister

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/observability"
	"github.com/danmuck/toolmeister/internal/protocol"
)

// Step is the outcome of one WaitForCommand. Terminate ends the loop; otherwise
// State names the action to run with Command.
type Step struct {
	Terminate bool
	State     protocol.State
	Command   protocol.PhaseCommand
}

// WaitForCommand reads the run channel until a command for the expected state
// or terminate arrives. Malformed payloads, unknown states, foreign groups and
// out-of-order states are logged and skipped.
func (m *Meister) WaitForCommand(ctx context.Context) (Step, error) {
	for {
		msg, err := m.sub.Next(ctx)
		if err != nil {
			return Step{}, fmt.Errorf("meister: receive: %w", err)
		}
		if msg.Kind != broker.KindMessage {
			log.Warn().Msgf("meister.WaitForCommand unexpected delivery kind=%s channel=%q", msg.Kind, msg.Channel)
			continue
		}
		cmd, err := protocol.DecodePhaseCommand(msg.Data)
		if err != nil {
			log.Warn().Msgf("meister.WaitForCommand skipped payload=%q err=%v", msg.Data, err)
			continue
		}
		if !cmd.TargetsGroup(m.params.Group) {
			log.Warn().Msgf("meister.WaitForCommand skipped foreign group=%q own=%q", cmd.Group, m.params.Group)
			continue
		}

		expected := m.machine.Expected()
		switch m.machine.Observe(cmd.State) {
		case protocol.Terminate:
			log.Info().Msgf("meister.WaitForCommand terminate host=%q expected=%s", m.params.Hostname, expected)
			return Step{Terminate: true, Command: cmd}, nil
		case protocol.Advance:
			log.Debug().Msgf("meister.WaitForCommand state=%s directory=%q", cmd.State, cmd.Directory)
			return Step{State: cmd.State, Command: cmd}, nil
		default:
			log.Debug().Msgf("meister.WaitForCommand ignored state=%s expected=%s", cmd.State, expected)
		}
	}
}

// Dispatch runs the action bound to step and returns its failure count.
func (m *Meister) Dispatch(ctx context.Context, step Step) int {
	switch step.State {
	case protocol.StateStart:
		return m.StartTools(ctx, step.Command)
	case protocol.StateStop:
		return m.StopTools(ctx, step.Command)
	case protocol.StateSend:
		return m.SendTools(ctx, step.Command)
	default:
		log.Error().Msgf("meister.Dispatch no action for state=%q", step.State)
		return 1
	}
}

// Run drives the command loop until terminate, a receive error or ctx ends.
// Cleanup runs exactly once on every exit path.
func (m *Meister) Run(ctx context.Context) (err error) {
	defer m.Cleanup()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("meister.Run panic host=%q recovered=%v", m.params.Hostname, r)
			err = fmt.Errorf("meister: panic: %v", r)
		}
	}()

	for {
		step, err := m.WaitForCommand(ctx)
		if err != nil {
			log.Error().Msgf("meister.Run host=%q err=%v", m.params.Hostname, err)
			return err
		}
		if step.Terminate {
			return nil
		}
		if failures := m.Dispatch(ctx, step); failures > 0 {
			log.Warn().Msgf("meister.Run action=%s failures=%d host=%q", step.State, failures, m.params.Hostname)
		}
	}
}

// publishStatus sends the single per-action report. Anything but exactly one
// receiver is logged; it never blocks progress.
func (m *Meister) publishStatus(ctx context.Context, state protocol.State, status string) {
	observability.RecordPhaseReport(protocol.KindMeister, string(state), status == protocol.StatusSuccess)
	payload, err := encodeJSON(protocol.ClientStatus{
		Kind:     protocol.KindMeister,
		Hostname: m.params.Hostname,
		Status:   status,
	})
	if err != nil {
		log.Error().Msgf("meister.publishStatus encode err=%v", err)
		return
	}
	count, err := m.broker.Publish(ctx, protocol.ClientChannel, payload)
	if err != nil {
		log.Error().Msgf("meister.publishStatus state=%s err=%v", state, err)
		return
	}
	if count != 1 {
		log.Error().Msgf("meister.publishStatus state=%s receivers=%d want=1", state, count)
	}
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
