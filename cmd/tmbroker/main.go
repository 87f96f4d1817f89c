package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/logging"
	"github.com/danmuck/toolmeister/internal/pidfile"
)

type options struct {
	configPath string
	listen     string
	db         string
	pidFile    string
}

func main() {
	logging.ConfigureRuntime()
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tmbroker: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "tmbroker",
		Short:         "Pub/sub and key/value broker for tool meister runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "agent config file")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (defaults to :<broker_port>)")
	cmd.Flags().StringVar(&opts.db, "db", "", "sqlite key store (defaults to broker_db; empty keeps keys in memory)")
	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "pid file (defaults to <run_root>/tm/tmbroker.pid)")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	listen := opts.listen
	if listen == "" {
		listen = net.JoinHostPort("", strconv.Itoa(cfg.BrokerPort))
	}
	dbPath := opts.db
	if dbPath == "" {
		dbPath = cfg.BrokerDB
	}
	pidPath := opts.pidFile
	if pidPath == "" {
		pidPath = cfg.BrokerPidFile()
	}

	pid, err := pidfile.Acquire(pidPath)
	if err != nil {
		return err
	}
	defer pid.Release()

	var store broker.Store
	if dbPath != "" {
		sqlite, err := broker.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		store = sqlite
	}
	hub := broker.NewHub(store)
	defer hub.Close()

	srv := broker.NewServer(hub, broker.DefaultServerConfig())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(listen) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Msgf("tmbroker ready listen=%q db=%q pid_file=%q", listen, dbPath, pidPath)

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		log.Info().Msgf("tmbroker stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Msgf("tmbroker shutdown err=%v", serr)
	}
	return err
}
