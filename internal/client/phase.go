package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/protocol"
)

// PhaseResult is the orchestrator's view of one phase.
type PhaseResult struct {
	State     protocol.State
	Expected  int
	Receivers int
	// Statuses maps each reporting participant to its status string.
	Statuses map[string]string
	Unknown  []string
	Missing  []string
	Failed   bool
}

// Roster reads the ready snapshot stored by Start.
func (o *Orchestrator) Roster(ctx context.Context) (protocol.Roster, error) {
	raw, err := o.broker.Get(ctx, protocol.RosterKey)
	if errors.Is(err, broker.ErrKeyNotFound) {
		return protocol.Roster{}, fmt.Errorf("%w: %s", ErrRosterMissing, protocol.RosterKey)
	}
	if err != nil {
		return protocol.Roster{}, err
	}
	return protocol.DecodeRoster(raw)
}

// Phase publishes op for directory and waits for every roster member's
// status. A receiver count other than the roster size, an unknown reporter
// or any non-success status fails the phase, but the wait still runs to full
// quorum or StatusTimeout.
func (o *Orchestrator) Phase(ctx context.Context, op, directory string) (PhaseResult, error) {
	state, err := ParseOperation(op)
	if err != nil {
		return PhaseResult{}, err
	}
	roster, err := o.Roster(ctx)
	if err != nil {
		return PhaseResult{}, err
	}
	result := PhaseResult{State: state, Expected: roster.Size(), Statuses: make(map[string]string)}

	if state == protocol.StateTerminate {
		count, err := o.publish(ctx, state, "")
		result.Receivers = count
		if err != nil {
			result.Failed = true
			return result, err
		}
		log.Info().Msgf("client.Orchestrator.Phase terminate group=%q receivers=%d", o.cfg.Group, count)
		return result, nil
	}
	if directory == "" {
		return result, fmt.Errorf("client: %s requires a directory", state)
	}

	sub, err := broker.SubscribeAcked(ctx, o.broker, protocol.ClientChannel)
	if err != nil {
		return result, err
	}
	defer sub.Close()

	count, err := o.publish(ctx, state, directory)
	if err != nil {
		result.Failed = true
		return result, fmt.Errorf("client: publish %s: %w", state, err)
	}
	result.Receivers = count
	if count != result.Expected {
		log.Error().Msgf("client.Orchestrator.Phase published to %d of %d participants state=%s", count, result.Expected, state)
		result.Failed = true
	}

	err = o.awaitStatuses(ctx, sub, roster, &result)
	log.Info().Msgf(
		"client.Orchestrator.Phase state=%s directory=%q reported=%d expected=%d failed=%t",
		state, directory, len(result.Statuses), result.Expected, result.Failed,
	)
	return result, err
}

func (o *Orchestrator) awaitStatuses(ctx context.Context, sub broker.Subscription, roster protocol.Roster, result *PhaseResult) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StatusTimeout)
	defer cancel()

	tracked := make(map[string]bool, roster.Size())
	for _, p := range roster.Participants() {
		tracked[p] = true
	}
	// Nobody beyond the receivers saw the command.
	target := min(result.Receivers, roster.Size())
	defer func() {
		for _, p := range roster.Participants() {
			if _, ok := result.Statuses[p]; !ok {
				result.Missing = append(result.Missing, p)
			}
		}
	}()

	for len(result.Statuses) < target {
		msg, err := sub.Next(ctx)
		if err != nil {
			result.Failed = true
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s statuses after %s, have %d of %d", ErrQuorumTimeout, result.State, o.cfg.StatusTimeout, len(result.Statuses), target)
			}
			return err
		}
		if msg.Kind != broker.KindMessage {
			continue
		}
		status, err := protocol.DecodeClientStatus(msg.Data)
		if err != nil {
			log.Error().Msgf("client.Orchestrator.awaitStatuses unrecognized payload=%q err=%v", msg.Data, err)
			result.Failed = true
			continue
		}
		participant := status.Participant()
		if !tracked[participant] {
			log.Warn().Msgf("client.Orchestrator.awaitStatuses untracked participant=%q status=%q", participant, status.Status)
			result.Unknown = append(result.Unknown, participant)
			result.Failed = true
			continue
		}
		if _, dup := result.Statuses[participant]; dup {
			log.Warn().Msgf("client.Orchestrator.awaitStatuses duplicate participant=%q status=%q", participant, status.Status)
			continue
		}
		result.Statuses[participant] = status.Status
		if !status.OK() {
			log.Warn().Msgf("client.Orchestrator.awaitStatuses participant=%q status=%q", participant, status.Status)
			result.Failed = true
		}
	}
	return nil
}

// Shutdown republishes terminate until no daemon is listening on the run
// channel, then removes the run's keys.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	roster, rosterErr := o.Roster(ctx)

	outcome, err := poll.Until(ctx, o.cfg.ShutdownPoll, func(attempt int) (bool, error) {
		count, err := o.publish(ctx, protocol.StateTerminate, "")
		if err != nil {
			return false, err
		}
		log.Debug().Msgf("client.Orchestrator.Shutdown attempt=%d receivers=%d", attempt, count)
		return count == 0, nil
	})
	if err != nil {
		return fmt.Errorf("client: terminate: %w", err)
	}
	if outcome == poll.TimedOut {
		return fmt.Errorf("%w: daemons still listening after terminate", ErrQuorumTimeout)
	}

	keys := []string{protocol.RosterKey, protocol.SinkParamKey(o.cfg.Group)}
	if rosterErr == nil {
		for _, m := range roster.Meisters {
			keys = append(keys, protocol.MeisterParamKey(o.cfg.Group, m.Hostname))
		}
	}
	for _, key := range keys {
		if err := o.broker.Delete(ctx, key); err != nil && !errors.Is(err, broker.ErrKeyNotFound) {
			log.Warn().Msgf("client.Orchestrator.Shutdown delete key=%q err=%v", key, err)
		}
	}
	log.Info().Msgf("client.Orchestrator.Shutdown group=%q", o.cfg.Group)
	return nil
}
