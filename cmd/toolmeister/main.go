package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/logging"
	"github.com/danmuck/toolmeister/internal/meister"
	"github.com/danmuck/toolmeister/internal/pidfile"
	"github.com/danmuck/toolmeister/internal/poll"
)

const (
	exitFailure           = 1
	exitBrokerUnreachable = 2
	exitParamsMissing     = 3
	exitParamsInvalid     = 4
)

const defaultConnectTimeout = time.Minute

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	broker         string
	configPath     string
	logFile        string
	pidFile        string
	// connectTimeout bounds the wait for the broker.
	connectTimeout time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "toolmeister: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(exitFailure)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "toolmeister [flags] <param-key>",
		Short:         "Run the tool meister for one host of a tool group",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.broker, "broker", "", "broker host:port (defaults to the configured controller)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "agent config file")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "log file (defaults to <param-key>.log)")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "pid file (defaults to <param-key>.pid)")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", defaultConnectTimeout, "how long to retry the broker connection")
	return cmd
}

func run(ctx context.Context, opts *options, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logFile := opts.logFile
	if logFile == "" {
		logFile = key + ".log"
	}
	if err := logging.ToFile(logFile, true); err != nil {
		return err
	}
	defer logging.Close()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	addr := opts.broker
	if addr == "" {
		addr = cfg.BrokerAddr()
	}

	connectTimeout := opts.connectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.DialRetry(ctx, addr, poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Timeout: connectTimeout})
	if err != nil {
		log.Error().Msgf("toolmeister broker unreachable addr=%q err=%v", addr, err)
		return &exitError{code: exitBrokerUnreachable, err: err}
	}

	params, err := meister.FetchParams(ctx, b, key)
	if err != nil {
		b.Close()
		log.Error().Msgf("toolmeister params key=%q err=%v", key, err)
		if errors.Is(err, meister.ErrParamsMissing) {
			return &exitError{code: exitParamsMissing, err: err}
		}
		return &exitError{code: exitParamsInvalid, err: err}
	}

	pidPath := opts.pidFile
	if pidPath == "" {
		pidPath = key + ".pid"
	}
	pid, err := pidfile.Acquire(pidPath)
	if err != nil {
		b.Close()
		return err
	}
	defer pid.Release()

	m, err := meister.New(ctx, b, params, meister.Config{
		ToolScriptsDir: cfg.ToolScriptsDir(),
		SinkPort:       cfg.SinkPort,
		PidPoll:        cfg.PidPoll,
		DeliveryRetry:  cfg.DeliveryRetry,
	})
	if err != nil {
		b.Close()
		log.Error().Msgf("toolmeister setup key=%q err=%v", key, err)
		if errors.Is(err, meister.ErrInvalidParams) {
			return &exitError{code: exitParamsInvalid, err: err}
		}
		return err
	}
	log.Info().Msgf("toolmeister running key=%q host=%q", key, m.Hostname())
	return m.Run(ctx)
}
