package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/logging"
	"github.com/danmuck/toolmeister/internal/pidfile"
	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/sink"
)

const (
	exitFailure           = 1
	exitBrokerUnreachable = 2
	exitParamsMissing     = 3
	exitParamsInvalid     = 4
	exitRunDirectory      = 5
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
	group          string
	listen         string
	configPath     string
	logFile        string
	pidFile        string
	// connectTimeout bounds the wait for the broker.
	connectTimeout time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tooldatasink: %v\n", err)
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
		Use:           "tooldatasink [flags] <param-key>",
		Short:         "Receive tool data from remote tool meisters",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.broker, "broker", "", "broker host:port (defaults to the configured controller)")
	cmd.Flags().StringVar(&opts.group, "group", "", "tool group (defaults to the param key suffix)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (defaults to :<sink_port>)")
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
	group := opts.group
	if group == "" {
		group = strings.TrimPrefix(key, "tds-")
	}
	listen := opts.listen
	if listen == "" {
		listen = net.JoinHostPort("", strconv.Itoa(cfg.SinkPort))
	}

	connectTimeout := opts.connectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.DialRetry(ctx, addr, poll.Config{Backoff: poll.Fixed(100 * time.Millisecond), Timeout: connectTimeout})
	if err != nil {
		log.Error().Msgf("tooldatasink broker unreachable addr=%q err=%v", addr, err)
		return &exitError{code: exitBrokerUnreachable, err: err}
	}

	params, err := sink.FetchParams(ctx, b, key)
	if err != nil {
		b.Close()
		log.Error().Msgf("tooldatasink params key=%q err=%v", key, err)
		if errors.Is(err, sink.ErrParamsMissing) {
			return &exitError{code: exitParamsMissing, err: err}
		}
		return &exitError{code: exitParamsInvalid, err: err}
	}
	if _, err := sink.ResolveRunDirectory(params.RunDirectory); err != nil {
		b.Close()
		log.Error().Msgf("tooldatasink run directory=%q err=%v", params.RunDirectory, err)
		return &exitError{code: exitRunDirectory, err: err}
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

	s, err := sink.New(ctx, b, params, sink.Config{Group: group})
	if err != nil {
		b.Close()
		if errors.Is(err, sink.ErrRunDirectory) {
			return &exitError{code: exitRunDirectory, err: err}
		}
		return err
	}

	srv := sink.NewServer(s)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(listen) }()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-serveErr:
		if err != nil {
			log.Error().Msgf("tooldatasink listen addr=%q err=%v", listen, err)
		}
		s.Cleanup()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Msgf("tooldatasink shutdown err=%v", serr)
	}
	log.Info().Msgf("tooldatasink exiting key=%q", key)
	return err
}
