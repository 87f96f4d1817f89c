// Package client is the orchestrator side of the tool meister protocol.
//
// Start persists the per-host parameter blocks, launches one sink and one
// coordinator per host and waits for every one of them to announce itself.
// Phase publishes one phase command and waits until every roster member has
// reported its status once. Shutdown publishes terminate until nobody is
// left listening.
package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/launch"
	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/protocol"
)

var (
	ErrQuorumTimeout    = errors.New("client: quorum timeout")
	ErrUnknownOperation = errors.New("client: unknown operation")
	ErrNoHosts          = errors.New("client: tool group has no hosts")
	ErrRosterMissing    = errors.New("client: roster missing")
	ErrLaunch           = errors.New("client: launch failed")
)

const (
	DefaultReadyTimeout  = 2 * time.Minute
	DefaultStatusTimeout = 10 * time.Minute
)

// Config describes one run for the orchestrator.
type Config struct {
	Group   string
	Channel string
	// RunRoot holds the tools-v1-<group> registry.
	RunRoot string
	// RunDirectory is the benchmark run directory handed to every daemon.
	RunDirectory string
	Controller   string
	// BrokerAddr is the host:port the daemons dial.
	BrokerAddr string
	// BinDir holds the toolmeister and tooldatasink binaries.
	BinDir string
	// ToolScriptsDir, when set, restricts the group to installed tools.
	ToolScriptsDir string
	// LogDir receives each daemon's .out and .err files.
	LogDir string
	// ConfigPath, when set, is passed to every daemon as --config.
	ConfigPath string

	ReadyTimeout  time.Duration
	StatusTimeout time.Duration
	// ShutdownPoll bounds the terminate republish loop.
	ShutdownPoll poll.Config

	Spawner launch.Spawner
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = protocol.DefaultChannel
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.ShutdownPoll.Attempts <= 0 && c.ShutdownPoll.Timeout <= 0 {
		c.ShutdownPoll = poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Timeout: 30 * time.Second}
	}
	if c.LogDir == "" && c.RunDirectory != "" {
		c.LogDir = filepath.Join(c.RunDirectory, "tm")
	}
	return c
}

// Orchestrator drives one group's run through a broker connection.
type Orchestrator struct {
	broker broker.Broker
	cfg    Config
}

func New(b broker.Broker, cfg Config) *Orchestrator {
	return &Orchestrator{broker: b, cfg: cfg.withDefaults()}
}

func (o *Orchestrator) Config() Config { return o.cfg }

// ParseOperation maps an operation name, legacy aliases included, to the
// phase state it publishes.
func ParseOperation(op string) (protocol.State, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "start":
		return protocol.StateStart, nil
	case "stop":
		return protocol.StateStop, nil
	case "send", "postprocess":
		return protocol.StateSend, nil
	case "kill", "terminate":
		return protocol.StateTerminate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

func toolInstalled(dir string) func(string) bool {
	if dir == "" {
		return nil
	}
	return func(name string) bool {
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
	}
}
