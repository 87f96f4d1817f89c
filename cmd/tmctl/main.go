// Command tmctl drives a tool meister run from the controller: it starts the
// broker and the daemons, publishes phase commands, and tears everything
// down again.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/logging"
)

const (
	exitFailure     = 1
	exitPhaseFailed = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// groupOptions select the config file and tool group for every subcommand.
type groupOptions struct {
	configPath string
	group      string
	out        io.Writer
}

func (g *groupOptions) load() (config.Agent, error) {
	return config.Load(g.configPath)
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tmctl: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(exitFailure)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &groupOptions{out: out}
	root := &cobra.Command{
		Use:           "tmctl",
		Short:         "Coordinate benchmark tools across a tool group",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "agent config file")
	root.PersistentFlags().StringVar(&g.group, "group", "default", "tool group")

	root.AddCommand(
		newBeginCommand(g),
		newPhaseCommand(g, "start", "Start the group's tools for a directory"),
		newPhaseCommand(g, "stop", "Stop the group's tools for a directory"),
		newPhaseCommand(g, "send", "Collect the group's tool data into a directory", "postprocess"),
		newKillCommand(g),
		newShutdownCommand(g),
		newToolsCommand(g),
		newConfigCommand(g),
	)
	return root
}
