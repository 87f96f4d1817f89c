package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/client"
	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/launch"
	"github.com/danmuck/toolmeister/internal/pidfile"
	"github.com/danmuck/toolmeister/internal/poll"
)

const brokerProgram = "tmbroker"

type directoryOptions struct {
	runDirectory string
}

type brokerOptions struct {
	broker string
}

func (b *brokerOptions) brokerAddr(cfg config.Agent) string {
	if b.broker != "" {
		return b.broker
	}
	return cfg.BrokerAddr()
}

// runOptions select the run directory and the broker for one command.
type runOptions struct {
	directoryOptions
	brokerOptions
}

func (r *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.runDirectory, "run-dir", "", "benchmark run directory")
	cmd.Flags().StringVar(&r.broker, "broker", "", "broker host:port (defaults to the configured controller)")
}

func (r *runOptions) orchestrator(g *groupOptions, cfg config.Agent, b broker.Broker) *client.Orchestrator {
	runDir := r.runDirectory
	if runDir != "" {
		if abs, err := filepath.Abs(runDir); err == nil {
			runDir = abs
		}
	}
	configPath := g.configPath
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	return client.New(b, client.Config{
		Group:          g.group,
		ConfigPath:     configPath,
		RunRoot:        cfg.RunRoot,
		RunDirectory:   runDir,
		Controller:     cfg.Controller,
		BrokerAddr:     r.brokerAddr(cfg),
		BinDir:         cfg.BinDir(),
		ToolScriptsDir: cfg.ToolScriptsDir(),
		ReadyTimeout:   cfg.ReadyTimeout,
		StatusTimeout:  cfg.StatusTimeout,
		Spawner: launch.Router{
			Controller: cfg.Controller,
			Local:      launch.LocalSpawner{},
			Remote: launch.SSHSpawner{
				Port:                        cfg.SSH.Port,
				User:                        cfg.SSH.User,
				KeyPath:                     cfg.SSH.KeyPath,
				KnownHostsPath:              cfg.SSH.KnownHosts,
				InsecureSkipHostKeyChecking: cfg.SSH.InsecureSkipHostKey,
				Timeout:                     cfg.SSH.Timeout,
			},
		},
	})
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*broker.Client, error) {
	return broker.DialRetry(ctx, addr, poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Timeout: timeout})
}

func newBeginCommand(g *groupOptions) *cobra.Command {
	r := &runOptions{}
	var external bool
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Start the broker, the data sink and every tool meister of the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if r.runDirectory == "" {
				return fmt.Errorf("begin: --run-dir is required")
			}
			ctx := cmd.Context()

			startedBroker := false
			if !external {
				started, err := ensureBroker(ctx, g, cfg)
				if err != nil {
					return err
				}
				startedBroker = started
			}

			b, err := dial(ctx, r.brokerAddr(cfg), 30*time.Second)
			if err != nil {
				if startedBroker {
					stopBroker(cfg)
				}
				return fmt.Errorf("begin: broker %s: %w", r.brokerAddr(cfg), err)
			}
			defer b.Close()

			roster, err := r.orchestrator(g, cfg, b).Start(ctx)
			if err != nil {
				if startedBroker {
					stopBroker(cfg)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s ready: sink on %s, %d tool meister(s)\n", g.group, roster.Sink.Hostname, len(roster.Meisters))
			return nil
		},
	}
	r.bind(cmd)
	cmd.Flags().BoolVar(&external, "external-broker", false, "use an already running broker instead of starting tmbroker")
	return cmd
}

// ensureBroker launches tmbroker on this host unless its pid file is held.
func ensureBroker(ctx context.Context, g *groupOptions, cfg config.Agent) (bool, error) {
	pidPath := cfg.BrokerPidFile()
	held, err := pidfile.Held(pidPath)
	if err != nil {
		return false, err
	}
	if held {
		log.Info().Msgf("tmctl.begin broker already running pid_file=%q", pidPath)
		return false, nil
	}
	args := []string{"--pid-file", pidPath}
	if g.configPath != "" {
		abs, err := filepath.Abs(g.configPath)
		if err != nil {
			return false, err
		}
		args = append(args, "--config", abs)
	}
	spec := launch.Spec{
		Program: filepath.Join(cfg.BinDir(), brokerProgram),
		Args:    args,
		Dir:     filepath.Dir(pidPath),
		Name:    brokerProgram,
	}
	if err := (launch.LocalSpawner{}).Spawn(ctx, spec); err != nil {
		return false, err
	}
	return true, nil
}

func stopBroker(cfg config.Agent) {
	pid, err := pidfile.Signal(cfg.BrokerPidFile(), syscall.SIGTERM)
	if err != nil {
		log.Warn().Msgf("tmctl stop broker pid_file=%q err=%v", cfg.BrokerPidFile(), err)
		return
	}
	log.Info().Msgf("tmctl stopped broker pid=%d", pid)
}

func newPhaseCommand(g *groupOptions, op, short string, aliases ...string) *cobra.Command {
	r := &runOptions{}
	cmd := &cobra.Command{
		Use:     op,
		Aliases: aliases,
		Short:   short,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			directory := r.runDirectory
			if len(args) == 1 {
				directory = args[0]
			}
			if directory == "" {
				return fmt.Errorf("%s: a directory argument or --run-dir is required", op)
			}
			if abs, err := filepath.Abs(directory); err == nil {
				directory = abs
			}

			ctx := cmd.Context()
			b, err := dial(ctx, r.brokerAddr(cfg), 10*time.Second)
			if err != nil {
				return fmt.Errorf("%s: broker %s: %w", op, r.brokerAddr(cfg), err)
			}
			defer b.Close()

			result, err := r.orchestrator(g, cfg, b).Phase(ctx, op, directory)
			if err != nil && !errors.Is(err, client.ErrQuorumTimeout) {
				return err
			}
			printResult(cmd, result)
			if err != nil {
				return &exitError{code: exitPhaseFailed, err: err}
			}
			if result.Failed {
				return &exitError{code: exitPhaseFailed, err: fmt.Errorf("%s failed for %s", op, directory)}
			}
			return nil
		},
	}
	r.bind(cmd)
	return cmd
}

func printResult(cmd *cobra.Command, result client.PhaseResult) {
	out := cmd.OutOrStdout()
	participants := make([]string, 0, len(result.Statuses))
	for p := range result.Statuses {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	for _, p := range participants {
		fmt.Fprintf(out, "%-24s %s\n", p, result.Statuses[p])
	}
	for _, p := range result.Missing {
		fmt.Fprintf(out, "%-24s (no status)\n", p)
	}
	for _, p := range result.Unknown {
		fmt.Fprintf(out, "%-24s (not in roster)\n", p)
	}
	if result.Receivers != result.Expected {
		fmt.Fprintf(out, "receivers %d, expected %d\n", result.Receivers, result.Expected)
	}
}

func newKillCommand(g *groupOptions) *cobra.Command {
	r := &runOptions{}
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Publish terminate without waiting for acknowledgement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := dial(ctx, r.brokerAddr(cfg), 10*time.Second)
			if err != nil {
				return err
			}
			defer b.Close()
			result, err := r.orchestrator(g, cfg, b).Phase(ctx, "kill", "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminate published to %d receiver(s)\n", result.Receivers)
			return nil
		},
	}
	r.bind(cmd)
	return cmd
}

func newShutdownCommand(g *groupOptions) *cobra.Command {
	r := &runOptions{}
	var keepBroker bool
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Terminate every daemon of the group, clear its keys and stop the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := dial(ctx, r.brokerAddr(cfg), 10*time.Second)
			if err != nil {
				return err
			}
			shutdownErr := r.orchestrator(g, cfg, b).Shutdown(ctx)
			b.Close()
			if !keepBroker {
				stopBroker(cfg)
			}
			return shutdownErr
		},
	}
	r.bind(cmd)
	cmd.Flags().BoolVar(&keepBroker, "keep-broker", false, "leave tmbroker running")
	return cmd
}
