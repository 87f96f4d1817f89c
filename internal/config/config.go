// Package config loads the agent configuration file shared by the tool
// meister daemons and tmctl.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/poll"
)

var ErrInvalid = errors.New("config: invalid")

const (
	// DefaultBrokerPort is "One Tool", 0x17001 read as decimal digits.
	DefaultBrokerPort = 17001
	DefaultSinkPort   = 8080
	DefaultFileName   = "toolmeister.toml"
)

// SSH configures remote coordinator launches.
type SSH struct {
	User                string
	Port                string
	KeyPath             string
	KnownHosts          string
	InsecureSkipHostKey bool
	Timeout             time.Duration
}

// Agent is the resolved agent configuration.
type Agent struct {
	RunRoot       string
	InstallDir    string
	Controller    string
	BrokerPort    int
	BrokerDB      string
	SinkPort      int
	ReadyTimeout  time.Duration
	StatusTimeout time.Duration
	PidPoll       poll.Config
	DeliveryRetry poll.Config
	SSH           SSH
}

func Default() Agent {
	controller, err := os.Hostname()
	if err != nil || controller == "" {
		controller = "localhost"
	}
	return Agent{
		RunRoot:       "/var/lib/toolmeister",
		InstallDir:    "/opt/toolmeister",
		Controller:    controller,
		BrokerPort:    DefaultBrokerPort,
		SinkPort:      DefaultSinkPort,
		ReadyTimeout:  2 * time.Minute,
		StatusTimeout: 10 * time.Minute,
		PidPoll:       poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Attempts: 100},
		DeliveryRetry: poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Attempts: 200},
		SSH: SSH{
			Port:    "22",
			Timeout: 10 * time.Second,
		},
	}
}

// ToolScriptsDir holds the tool executables.
func (a Agent) ToolScriptsDir() string { return filepath.Join(a.InstallDir, "tool-scripts") }

// BinDir holds the tool meister binaries launched on each host.
func (a Agent) BinDir() string { return filepath.Join(a.InstallDir, "bin") }

// BrokerPidFile is where tmbroker records its pid on the controller.
func (a Agent) BrokerPidFile() string { return filepath.Join(a.RunRoot, "tm", "tmbroker.pid") }

// BrokerAddr is the controller's broker host:port.
func (a Agent) BrokerAddr() string {
	return net.JoinHostPort(a.Controller, strconv.Itoa(a.BrokerPort))
}

type fileSSH struct {
	User                string `toml:"user"`
	Port                string `toml:"port"`
	KeyPath             string `toml:"key_path"`
	KnownHosts          string `toml:"known_hosts"`
	InsecureSkipHostKey bool   `toml:"insecure_skip_host_key"`
	Timeout             string `toml:"timeout"`
}

type fileConfig struct {
	RunRoot               string  `toml:"run_root"`
	InstallDir            string  `toml:"install_dir"`
	Controller            string  `toml:"controller"`
	BrokerPort            int     `toml:"broker_port"`
	BrokerDB              string  `toml:"broker_db"`
	SinkPort              int     `toml:"sink_port"`
	ReadyTimeout          string  `toml:"ready_timeout"`
	StatusTimeout         string  `toml:"status_timeout"`
	PidPollInterval       string  `toml:"pid_poll_interval"`
	PidPollAttempts       int     `toml:"pid_poll_attempts"`
	DeliveryRetryInterval string  `toml:"delivery_retry_interval"`
	DeliveryRetryAttempts int     `toml:"delivery_retry_attempts"`
	SSH                   fileSSH `toml:"ssh"`
}

// Load decodes path over Default. An empty path returns the defaults.
func Load(path string) (Agent, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Agent{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Msgf("config.Load unknown key=%q path=%q", key.String(), path)
	}

	if meta.IsDefined("run_root") {
		cfg.RunRoot = strings.TrimSpace(raw.RunRoot)
	}
	if meta.IsDefined("install_dir") {
		cfg.InstallDir = strings.TrimSpace(raw.InstallDir)
	}
	if meta.IsDefined("controller") {
		cfg.Controller = strings.TrimSpace(raw.Controller)
	}
	if meta.IsDefined("broker_port") {
		cfg.BrokerPort = raw.BrokerPort
	}
	if meta.IsDefined("broker_db") {
		cfg.BrokerDB = strings.TrimSpace(raw.BrokerDB)
	}
	if meta.IsDefined("sink_port") {
		cfg.SinkPort = raw.SinkPort
	}
	if meta.IsDefined("ready_timeout") {
		if cfg.ReadyTimeout, err = parseDuration("ready_timeout", raw.ReadyTimeout); err != nil {
			return Agent{}, err
		}
	}
	if meta.IsDefined("status_timeout") {
		if cfg.StatusTimeout, err = parseDuration("status_timeout", raw.StatusTimeout); err != nil {
			return Agent{}, err
		}
	}
	if meta.IsDefined("pid_poll_interval") {
		d, err := parseDuration("pid_poll_interval", raw.PidPollInterval)
		if err != nil {
			return Agent{}, err
		}
		cfg.PidPoll.Backoff = poll.Fixed(d)
	}
	if meta.IsDefined("pid_poll_attempts") {
		cfg.PidPoll.Attempts = raw.PidPollAttempts
	}
	if meta.IsDefined("delivery_retry_interval") {
		d, err := parseDuration("delivery_retry_interval", raw.DeliveryRetryInterval)
		if err != nil {
			return Agent{}, err
		}
		cfg.DeliveryRetry.Backoff = poll.Fixed(d)
	}
	if meta.IsDefined("delivery_retry_attempts") {
		cfg.DeliveryRetry.Attempts = raw.DeliveryRetryAttempts
	}

	if meta.IsDefined("ssh", "user") {
		cfg.SSH.User = strings.TrimSpace(raw.SSH.User)
	}
	if meta.IsDefined("ssh", "port") {
		cfg.SSH.Port = strings.TrimSpace(raw.SSH.Port)
	}
	if meta.IsDefined("ssh", "key_path") {
		cfg.SSH.KeyPath = strings.TrimSpace(raw.SSH.KeyPath)
	}
	if meta.IsDefined("ssh", "known_hosts") {
		cfg.SSH.KnownHosts = strings.TrimSpace(raw.SSH.KnownHosts)
	}
	if meta.IsDefined("ssh", "insecure_skip_host_key") {
		cfg.SSH.InsecureSkipHostKey = raw.SSH.InsecureSkipHostKey
	}
	if meta.IsDefined("ssh", "timeout") {
		if cfg.SSH.Timeout, err = parseDuration("ssh.timeout", raw.SSH.Timeout); err != nil {
			return Agent{}, err
		}
	}

	if err := Validate(cfg); err != nil {
		return Agent{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

func Validate(cfg Agent) error {
	if strings.TrimSpace(cfg.RunRoot) == "" {
		return fmt.Errorf("%w: run_root is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.InstallDir) == "" {
		return fmt.Errorf("%w: install_dir is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Controller) == "" {
		return fmt.Errorf("%w: controller is required", ErrInvalid)
	}
	if cfg.BrokerPort <= 0 || cfg.BrokerPort > 65535 {
		return fmt.Errorf("%w: broker_port %d out of range", ErrInvalid, cfg.BrokerPort)
	}
	if cfg.SinkPort <= 0 || cfg.SinkPort > 65535 {
		return fmt.Errorf("%w: sink_port %d out of range", ErrInvalid, cfg.SinkPort)
	}
	if cfg.ReadyTimeout <= 0 || cfg.StatusTimeout <= 0 {
		return fmt.Errorf("%w: ready_timeout and status_timeout must be positive", ErrInvalid)
	}
	if cfg.PidPoll.Attempts <= 0 || cfg.DeliveryRetry.Attempts <= 0 {
		return fmt.Errorf("%w: poll attempts must be positive", ErrInvalid)
	}
	return nil
}
