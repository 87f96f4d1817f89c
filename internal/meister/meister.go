// Package meister is the per-host tool meister coordinator.
//
// A Meister owns the tools configured for its host and runs them through the
// start -> stop -> send cycle as phase commands arrive on the broker. Every
// action publishes exactly one status report on the client channel.
//
// Ownership boundary:
// - tool handles and the private working directory (remote hosts)
//
// - the broker subscription on the run channel
//
// - archive hand-off to the sink for remote hosts
package meister

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/protocol"
	"github.com/danmuck/toolmeister/internal/tool"
	"github.com/danmuck/toolmeister/internal/transfer"
)

var (
	ErrParamsMissing     = errors.New("meister: parameter key missing")
	ErrInvalidParams     = errors.New("meister: invalid parameters")
	ErrWorkDir           = errors.New("meister: working directory")
	ErrAlreadyRunning    = errors.New("meister: tools already running")
	ErrDirectoryMismatch = errors.New("meister: directory mismatch")
)

const DefaultSinkPort = 8080

// Config carries host-local settings that are not part of the parameter block.
type Config struct {
	// ToolScriptsDir holds the tool executables, <install_dir>/tool-scripts.
	ToolScriptsDir string
	SinkPort       int
	Launcher       tool.Launcher
	PidPoll        poll.Config
	DeliveryRetry  poll.Config
	HTTPClient     *http.Client
	// Pid is announced on the ready channel; zero means os.Getpid().
	Pid int
}

func (c Config) withDefaults() Config {
	if c.SinkPort <= 0 {
		c.SinkPort = DefaultSinkPort
	}
	if c.Pid == 0 {
		c.Pid = os.Getpid()
	}
	if c.DeliveryRetry.Attempts <= 0 && c.DeliveryRetry.Timeout <= 0 {
		c.DeliveryRetry = transfer.DefaultRetry()
	}
	return c
}

// Meister is one host's coordinator. It is driven from a single goroutine.
type Meister struct {
	params protocol.CoordinatorParams
	cfg    Config
	broker broker.Broker
	sub    broker.Subscription

	machine *protocol.StateMachine
	tmpDir  string

	directory string
	hostDir   string
	running   map[string]*tool.Tool

	cleanupOnce sync.Once
}

// FetchParams reads and strictly decodes the parameter block stored at key.
func FetchParams(ctx context.Context, b broker.Broker, key string) (protocol.CoordinatorParams, error) {
	raw, err := b.Get(ctx, key)
	if errors.Is(err, broker.ErrKeyNotFound) {
		return protocol.CoordinatorParams{}, fmt.Errorf("%w: %s", ErrParamsMissing, key)
	}
	if err != nil {
		return protocol.CoordinatorParams{}, err
	}
	params, err := protocol.DecodeCoordinatorParams(raw)
	if err != nil {
		return protocol.CoordinatorParams{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return params, nil
}

// New validates params, prepares the working directory, subscribes to the run
// channel and announces readiness. Nothing is subscribed when params are
// invalid.
func New(ctx context.Context, b broker.Broker, params protocol.CoordinatorParams, cfg Config) (*Meister, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	cfg = cfg.withDefaults()
	m := &Meister{
		params:  params,
		cfg:     cfg,
		broker:  b,
		machine: protocol.NewStateMachine(),
		running: make(map[string]*tool.Tool),
	}

	if !params.Local() {
		if err := os.MkdirAll(params.RunDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkDir, err)
		}
		dir, err := os.MkdirTemp(params.RunDirectory, fmt.Sprintf("tm.%s.%d.", params.Group, cfg.Pid))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkDir, err)
		}
		m.tmpDir = dir
	}

	sub, err := broker.SubscribeAcked(ctx, b, params.Channel)
	if err != nil {
		m.removeTmpDir()
		return nil, fmt.Errorf("meister: subscribe %q: %w", params.Channel, err)
	}
	m.sub = sub

	ready, err := encodeJSON(protocol.Ready{Kind: protocol.KindMeister, Hostname: params.Hostname, Pid: cfg.Pid})
	if err == nil {
		var count int
		count, err = b.Publish(ctx, protocol.ReadyChannel(params.Channel), ready)
		if err == nil && count == 0 {
			log.Warn().Msgf("meister.New ready announcement had no receivers host=%q", params.Hostname)
		}
	}
	if err != nil {
		sub.Close()
		m.removeTmpDir()
		return nil, fmt.Errorf("meister: announce ready: %w", err)
	}

	log.Info().Msgf(
		"meister.New ready host=%q group=%q channel=%q local=%t tools=%d tmp_dir=%q",
		params.Hostname, params.Group, params.Channel, params.Local(), len(params.Tools), m.tmpDir,
	)
	return m, nil
}

func (m *Meister) Hostname() string { return m.params.Hostname }

// WorkDir is the private temp dir of a remote coordinator, empty when local.
func (m *Meister) WorkDir() string { return m.tmpDir }

// Expected returns the state the next action must carry.
func (m *Meister) Expected() protocol.State { return m.machine.Expected() }

// Cleanup unsubscribes, closes the broker connection and removes the private
// working directory. Only the first call has an effect.
func (m *Meister) Cleanup() {
	m.cleanupOnce.Do(func() {
		log.Debug().Msgf("meister.Cleanup host=%q", m.params.Hostname)
		if m.sub != nil {
			if err := m.sub.Close(); err != nil {
				log.Warn().Msgf("meister.Cleanup unsubscribe err=%v", err)
			}
		}
		if err := m.broker.Close(); err != nil {
			log.Warn().Msgf("meister.Cleanup broker close err=%v", err)
		}
		m.removeTmpDir()
	})
}

func (m *Meister) removeTmpDir() {
	if m.tmpDir == "" {
		return
	}
	if err := os.RemoveAll(m.tmpDir); err != nil {
		log.Warn().Msgf("meister.Cleanup remove tmp_dir=%q err=%v", m.tmpDir, err)
	}
	m.tmpDir = ""
}

func (m *Meister) toolNames() []string {
	names := make([]string, 0, len(m.params.Tools))
	for name := range m.params.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Meister) toolConfig() tool.Config {
	return tool.Config{
		ScriptsDir: m.cfg.ToolScriptsDir,
		Launcher:   m.cfg.Launcher,
		PidPoll:    m.cfg.PidPoll,
	}
}

func (m *Meister) archivePath() string {
	return filepath.Join(m.tmpDir, m.params.Hostname+transfer.ArchiveExt)
}
