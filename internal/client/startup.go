package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/launch"
	"github.com/danmuck/toolmeister/internal/protocol"
	"github.com/danmuck/toolmeister/internal/toolgroup"
)

const (
	MeisterProgram = "toolmeister"
	SinkProgram    = "tooldatasink"
)

// Start loads the group, stores every parameter block, launches the sink and
// the coordinators, and waits for all of them to announce readiness. Any
// failure after a launch rolls the run back with terminate.
func (o *Orchestrator) Start(ctx context.Context) (protocol.Roster, error) {
	group, err := toolgroup.Load(o.cfg.RunRoot, o.cfg.Group)
	if err != nil {
		return protocol.Roster{}, err
	}
	if err := group.Validate(toolInstalled(o.cfg.ToolScriptsDir)); err != nil {
		return protocol.Roster{}, err
	}
	hosts := group.Hosts()
	if len(hosts) == 0 {
		return protocol.Roster{}, fmt.Errorf("%w: %s", ErrNoHosts, o.cfg.Group)
	}

	sinkKey := protocol.SinkParamKey(o.cfg.Group)
	if err := o.setJSON(ctx, sinkKey, protocol.SinkParams{Channel: o.cfg.Channel, RunDirectory: o.cfg.RunDirectory}); err != nil {
		return protocol.Roster{}, err
	}
	keys := make(map[string]string, len(hosts))
	for _, host := range hosts {
		params := protocol.CoordinatorParams{
			RunDirectory:       o.cfg.RunDirectory,
			Channel:            o.cfg.Channel,
			ControllerHostname: o.cfg.Controller,
			Group:              o.cfg.Group,
			Hostname:           host,
			Tools:              group.ToolOptions(host),
		}
		if err := params.Validate(); err != nil {
			return protocol.Roster{}, err
		}
		keys[host] = protocol.MeisterParamKey(o.cfg.Group, host)
		if err := o.setJSON(ctx, keys[host], params); err != nil {
			return protocol.Roster{}, err
		}
	}

	// Subscribe before anything is launched so no announcement is missed.
	ready, err := broker.SubscribeAcked(ctx, o.broker, protocol.ReadyChannel(o.cfg.Channel))
	if err != nil {
		return protocol.Roster{}, err
	}
	defer ready.Close()

	failures := 0
	sinkSpec := launch.Spec{
		Host:    o.cfg.Controller,
		Program: filepath.Join(o.cfg.BinDir, SinkProgram),
		Args:    o.daemonArgs("--group", o.cfg.Group, sinkKey),
		Dir:     o.cfg.LogDir,
		Name:    sinkKey,
	}
	if err := o.cfg.Spawner.Spawn(ctx, sinkSpec); err != nil {
		log.Error().Msgf("client.Orchestrator.Start sink launch err=%v", err)
		failures++
	}
	for _, host := range hosts {
		spec := launch.Spec{
			Host:    host,
			Program: filepath.Join(o.cfg.BinDir, MeisterProgram),
			Args:    o.daemonArgs(keys[host]),
			Dir:     o.cfg.LogDir,
			Name:    keys[host],
		}
		if err := o.cfg.Spawner.Spawn(ctx, spec); err != nil {
			log.Error().Msgf("client.Orchestrator.Start coordinator launch host=%q err=%v", host, err)
			failures++
		}
	}
	if failures > 0 {
		o.rollback(ctx)
		return protocol.Roster{}, fmt.Errorf("%w: %d of %d daemons", ErrLaunch, failures, len(hosts)+1)
	}

	roster, err := o.awaitReady(ctx, ready, hosts)
	if err != nil {
		o.rollback(ctx)
		return protocol.Roster{}, err
	}
	if err := o.setJSON(ctx, protocol.RosterKey, roster); err != nil {
		o.rollback(ctx)
		return protocol.Roster{}, err
	}
	log.Info().Msgf("client.Orchestrator.Start group=%q coordinators=%d sink=%q", o.cfg.Group, len(roster.Meisters), roster.Sink.Hostname)
	return roster, nil
}

func (o *Orchestrator) daemonArgs(rest ...string) []string {
	args := []string{"--broker", o.cfg.BrokerAddr}
	if o.cfg.ConfigPath != "" {
		args = append(args, "--config", o.cfg.ConfigPath)
	}
	return append(args, rest...)
}

// awaitReady collects ready announcements until the sink and every expected
// host have reported. Completion is set membership; order does not matter.
func (o *Orchestrator) awaitReady(ctx context.Context, sub broker.Subscription, hosts []string) (protocol.Roster, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	expected := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		expected[host] = true
	}
	seen := make(map[string]protocol.Member, len(hosts))
	var sink *protocol.Member

	for sink == nil || len(seen) < len(expected) {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				missing := make([]string, 0)
				if sink == nil {
					missing = append(missing, protocol.KindSink)
				}
				for _, host := range hosts {
					if _, ok := seen[host]; !ok {
						missing = append(missing, host)
					}
				}
				return protocol.Roster{}, fmt.Errorf("%w: ready after %s, missing %v", ErrQuorumTimeout, o.cfg.ReadyTimeout, missing)
			}
			return protocol.Roster{}, err
		}
		if msg.Kind != broker.KindMessage {
			continue
		}
		ready, err := protocol.DecodeReady(msg.Data)
		if err != nil {
			log.Warn().Msgf("client.Orchestrator.awaitReady skipped payload=%q err=%v", msg.Data, err)
			continue
		}
		member := protocol.Member{Hostname: ready.Hostname, Pid: ready.Pid}
		switch ready.Kind {
		case protocol.KindSink:
			if sink != nil {
				log.Warn().Msgf("client.Orchestrator.awaitReady duplicate sink host=%q pid=%d", ready.Hostname, ready.Pid)
			}
			sink = &member
		case protocol.KindMeister:
			if !expected[ready.Hostname] {
				log.Warn().Msgf("client.Orchestrator.awaitReady unexpected coordinator host=%q", ready.Hostname)
				continue
			}
			if _, dup := seen[ready.Hostname]; dup {
				log.Warn().Msgf("client.Orchestrator.awaitReady duplicate coordinator host=%q", ready.Hostname)
			}
			seen[ready.Hostname] = member
		}
		log.Debug().Msgf("client.Orchestrator.awaitReady kind=%s host=%q pid=%d", ready.Kind, ready.Hostname, ready.Pid)
	}

	roster := protocol.Roster{Sink: *sink, Meisters: make([]protocol.Member, 0, len(seen))}
	for _, member := range seen {
		roster.Meisters = append(roster.Meisters, member)
	}
	sort.Slice(roster.Meisters, func(i, j int) bool { return roster.Meisters[i].Hostname < roster.Meisters[j].Hostname })
	return roster, nil
}

// rollback tells every daemon that did start to exit.
func (o *Orchestrator) rollback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	count, err := o.publish(ctx, protocol.StateTerminate, "")
	if err != nil {
		log.Error().Msgf("client.Orchestrator.rollback terminate err=%v", err)
		return
	}
	log.Warn().Msgf("client.Orchestrator.rollback terminate group=%q receivers=%d", o.cfg.Group, count)
}

func (o *Orchestrator) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := o.broker.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("client: set %s: %w", key, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, state protocol.State, directory string) (int, error) {
	payload, err := protocol.EncodePhaseCommand(protocol.PhaseCommand{State: state, Group: o.cfg.Group, Directory: directory})
	if err != nil {
		return 0, err
	}
	return o.broker.Publish(ctx, o.cfg.Channel, payload)
}
