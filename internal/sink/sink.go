// Package sink is the tool data sink.
//
// The sink follows the same start -> stop -> send cycle as every coordinator,
// acknowledging each phase on the client channel, and accepts archived host
// data from remote coordinators on PUT /tool-data/:hash/:host. The hash is
// md5(directory) of a directory seen in a phase command.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/observability"
	"github.com/danmuck/toolmeister/internal/protocol"
	"github.com/danmuck/toolmeister/internal/transfer"
)

var (
	ErrParamsMissing     = errors.New("sink: parameter key missing")
	ErrInvalidParams     = errors.New("sink: invalid parameters")
	ErrRunDirectory      = errors.New("sink: run directory invalid")
	ErrUnknownDirectory  = errors.New("sink: unknown directory hash")
	ErrDirectoryConflict = errors.New("sink: directory hash registered by another group")
	ErrOutsideRunTree    = errors.New("sink: directory outside the run directory")
)

const DefaultPort = 8080

// Config carries the sink's host-local settings.
type Config struct {
	// Group is the tool group this sink serves.
	Group    string
	Hostname string
	Pid      int
	Node     string
}

func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Hostname = host
		}
	}
	if c.Pid == 0 {
		c.Pid = os.Getpid()
	}
	if c.Node == "" {
		c.Node = "tooldatasink"
	}
	return c
}

type registration struct {
	directory string
	group     string
	conflict  bool
}

// Sink tracks the directories announced by phase commands and receives host
// archives into them.
type Sink struct {
	params protocol.SinkParams
	cfg    Config
	broker broker.Broker
	sub    broker.Subscription

	machine *protocol.StateMachine
	runDir  string
	current string

	mu   sync.RWMutex
	dirs map[string]registration

	cleanupOnce sync.Once
}

// FetchParams reads and strictly decodes the sink parameter block at key.
func FetchParams(ctx context.Context, b broker.Broker, key string) (protocol.SinkParams, error) {
	raw, err := b.Get(ctx, key)
	if errors.Is(err, broker.ErrKeyNotFound) {
		return protocol.SinkParams{}, fmt.Errorf("%w: %s", ErrParamsMissing, key)
	}
	if err != nil {
		return protocol.SinkParams{}, err
	}
	params, err := protocol.DecodeSinkParams(raw)
	if err != nil {
		return protocol.SinkParams{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return params, nil
}

// ResolveRunDirectory returns the absolute, symlink-free run directory or
// ErrRunDirectory.
func ResolveRunDirectory(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRunDirectory, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRunDirectory, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrRunDirectory, resolved)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRunDirectory, err)
	}
	return abs, nil
}

// New checks the run directory, subscribes to the phase channel and announces
// the sink on the ready channel.
func New(ctx context.Context, b broker.Broker, params protocol.SinkParams, cfg Config) (*Sink, error) {
	runDir, err := ResolveRunDirectory(params.RunDirectory)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Sink{
		params:  params,
		cfg:     cfg,
		broker:  b,
		machine: protocol.NewStateMachine(),
		runDir:  runDir,
		dirs:    make(map[string]registration),
	}

	sub, err := broker.SubscribeAcked(ctx, b, params.Channel)
	if err != nil {
		return nil, fmt.Errorf("sink: subscribe %q: %w", params.Channel, err)
	}
	s.sub = sub

	ready, _ := json.Marshal(protocol.Ready{Kind: protocol.KindSink, Hostname: cfg.Hostname, Pid: cfg.Pid})
	count, err := b.Publish(ctx, protocol.ReadyChannel(params.Channel), ready)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("sink: announce ready: %w", err)
	}
	if count == 0 {
		log.Warn().Msgf("sink.New ready announcement had no receivers channel=%q", params.Channel)
	}
	log.Info().Msgf("sink.New ready channel=%q run_dir=%q group=%q", params.Channel, runDir, cfg.Group)
	return s, nil
}

func (s *Sink) RunDirectory() string { return s.runDir }

// Run follows the phase cycle until terminate, a receive error or ctx ends.
func (s *Sink) Run(ctx context.Context) error {
	defer s.Cleanup()
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return fmt.Errorf("sink: receive: %w", err)
		}
		if msg.Kind != broker.KindMessage {
			continue
		}
		cmd, err := protocol.DecodePhaseCommand(msg.Data)
		if err != nil {
			log.Warn().Msgf("sink.Run skipped payload=%q err=%v", msg.Data, err)
			continue
		}
		if s.cfg.Group != "" && !cmd.TargetsGroup(s.cfg.Group) {
			log.Warn().Msgf("sink.Run skipped foreign group=%q own=%q", cmd.Group, s.cfg.Group)
			continue
		}
		switch s.machine.Observe(cmd.State) {
		case protocol.Terminate:
			log.Info().Msgf("sink.Run terminate")
			return nil
		case protocol.Advance:
			s.handle(ctx, cmd)
		default:
			log.Debug().Msgf("sink.Run ignored state=%s expected=%s", cmd.State, s.machine.Expected())
		}
	}
}

// handle records the directory on start and checks it on stop and send, then
// publishes the sink's status for the phase.
func (s *Sink) handle(ctx context.Context, cmd protocol.PhaseCommand) {
	status := protocol.StatusSuccess
	switch cmd.State {
	case protocol.StateStart:
		if cmd.Directory == "" {
			log.Error().Msgf("sink.handle internal error: start without a directory")
			status = protocol.StatusInternalFailure
			break
		}
		if _, err := s.WithinRunTree(cmd.Directory); err != nil {
			log.Error().Msgf("sink.handle internal error: %v", err)
			status = protocol.StatusInternalFailure
			break
		}
		s.Register(cmd.Directory, cmd.Group)
		s.current = cmd.Directory
	case protocol.StateStop, protocol.StateSend:
		if s.current == "" || cmd.Directory != s.current {
			log.Error().Msgf("sink.handle internal error: %s for directory=%q, started with %q", cmd.State, cmd.Directory, s.current)
			status = protocol.StatusInternalFailure
			break
		}
		if cmd.State == protocol.StateSend {
			s.current = ""
		}
	}
	s.publishStatus(ctx, cmd.State, status)
}

// WithinRunTree resolves directory and returns it when it is the run
// directory or lies below it. Missing trailing components are allowed.
func (s *Sink) WithinRunTree(directory string) (string, error) {
	if directory == "" {
		return "", fmt.Errorf("%w: empty directory", ErrOutsideRunTree)
	}
	abs, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideRunTree, err)
	}
	resolved := resolveExisting(abs)
	rel, err := filepath.Rel(s.runDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s not under %s", ErrOutsideRunTree, directory, s.runDir)
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of dir.
func resolveExisting(dir string) string {
	rest := ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Join(dir, rest)
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// Register makes directory a valid PUT target. A hash already registered
// for another directory or another group is marked as conflicting.
func (s *Sink) Register(directory, group string) {
	hash := transfer.DirectoryHash(directory)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.dirs[hash]
	if !ok {
		s.dirs[hash] = registration{directory: directory, group: group}
		log.Debug().Msgf("sink.Register hash=%s directory=%q group=%q", hash, directory, group)
		return
	}
	if prev.directory != directory || (prev.group != "" && group != "" && prev.group != group) {
		prev.conflict = true
		s.dirs[hash] = prev
		log.Error().Msgf("sink.Register conflict hash=%s directory=%q group=%q registered=%q/%q", hash, directory, group, prev.directory, prev.group)
	}
}

// Lookup resolves a directory hash to its registered directory.
func (s *Sink) Lookup(hash string) (string, error) {
	s.mu.RLock()
	reg, ok := s.dirs[hash]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDirectory, hash)
	}
	if reg.conflict {
		return "", fmt.Errorf("%w: %s", ErrDirectoryConflict, hash)
	}
	return reg.directory, nil
}

func (s *Sink) publishStatus(ctx context.Context, state protocol.State, status string) {
	observability.RecordPhaseReport(protocol.KindSink, string(state), status == protocol.StatusSuccess)
	payload, err := json.Marshal(protocol.ClientStatus{Kind: protocol.KindSink, Hostname: s.cfg.Hostname, Status: status})
	if err != nil {
		log.Error().Msgf("sink.publishStatus encode err=%v", err)
		return
	}
	count, err := s.broker.Publish(ctx, protocol.ClientChannel, payload)
	if err != nil {
		log.Error().Msgf("sink.publishStatus state=%s err=%v", state, err)
		return
	}
	if count != 1 {
		log.Error().Msgf("sink.publishStatus state=%s receivers=%d want=1", state, count)
	}
}

// Cleanup unsubscribes and closes the broker connection once.
func (s *Sink) Cleanup() {
	s.cleanupOnce.Do(func() {
		if s.sub != nil {
			if err := s.sub.Close(); err != nil {
				log.Warn().Msgf("sink.Cleanup unsubscribe err=%v", err)
			}
		}
		if err := s.broker.Close(); err != nil {
			log.Warn().Msgf("sink.Cleanup broker close err=%v", err)
		}
	})
}
