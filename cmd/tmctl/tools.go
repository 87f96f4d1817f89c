package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/toolmeister/internal/config"
	"github.com/danmuck/toolmeister/internal/toolgroup"
)

func newToolsCommand(g *groupOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the tool group registry",
	}
	cmd.AddCommand(newToolsRegisterCommand(g), newToolsListCommand(g), newToolsTriggerCommand(g))
	return cmd
}

func newToolsRegisterCommand(g *groupOptions) *cobra.Command {
	var (
		hosts []string
		label string
	)
	cmd := &cobra.Command{
		Use:   "register <tool> [-- options...]",
		Short: "Register a tool with its options on one or more hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				hosts = []string{cfg.Controller}
			}
			for _, host := range hosts {
				if err := toolgroup.Register(cfg.RunRoot, g.group, host, args[0], args[1:]); err != nil {
					return err
				}
				if label != "" {
					if err := toolgroup.SetLabel(cfg.RunRoot, g.group, host, label); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s on %s in group %s\n", args[0], host, g.group)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "remote", nil, "hosts to register on (defaults to the controller)")
	cmd.Flags().StringVar(&label, "label", "", "label for the hosts")
	return cmd
}

func newToolsListCommand(g *groupOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tools registered in the group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			group, err := toolgroup.Load(cfg.RunRoot, g.group)
			if err != nil {
				return err
			}
			return printGroup(cmd, group)
		},
	}
}

func printGroup(cmd *cobra.Command, group *toolgroup.ToolGroupConfig) error {
	out := cmd.OutOrStdout()
	if group.Trigger != nil {
		fmt.Fprintf(out, "trigger %s\n", group.Trigger)
	}
	for _, host := range group.Hosts() {
		if label := group.Labels[host]; label != "" {
			fmt.Fprintf(out, "%s (%s)\n", host, label)
		} else {
			fmt.Fprintln(out, host)
		}
		for _, t := range group.Tools(host) {
			fmt.Fprintf(out, "  %s %s\n", t.Name, strings.Join(t.Options, " "))
		}
	}
	return nil
}

func newToolsTriggerCommand(g *groupOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <start>:<stop>",
		Short: "Set the group trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			trigger, err := toolgroup.ParseTrigger(args[0])
			if err != nil {
				return err
			}
			return toolgroup.SetTrigger(cfg.RunRoot, g.group, trigger)
		},
	}
}

func newConfigCommand(g *groupOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check the agent config file",
	}
	write := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	write.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config named by --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "controller %s, broker %s, run root %s\n", cfg.Controller, cfg.BrokerAddr(), cfg.RunRoot)
			return nil
		},
	}
	cmd.AddCommand(write, check)
	return cmd
}
