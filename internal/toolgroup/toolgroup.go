// Package toolgroup reads the static tool group registry.
//
// A group lives under <run_root>/tools-v1-<group>/ as a directory tree:
// one directory per host, one file per tool holding its options one per line,
// an optional __label__ file per host and an optional __trigger__ file at the
// group root. Files ending in __noinstall__ are markers and are skipped.
package toolgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	DirPrefix       = "tools-v1-"
	TriggerFile     = "__trigger__"
	LabelFile       = "__label__"
	NoInstallSuffix = "__noinstall__"
)

var (
	ErrGroupNotFound  = errors.New("toolgroup: group not found")
	ErrInvalidGroup   = errors.New("toolgroup: invalid group name")
	ErrInvalidTool    = errors.New("toolgroup: invalid tool name")
	ErrInvalidTrigger = errors.New("toolgroup: invalid trigger")
)

// ToolSpec is one registered tool and its options for a host.
type ToolSpec struct {
	Name    string
	Options []string
}

// Trigger holds the start and stop patterns of a group trigger.
type Trigger struct {
	Start string
	Stop  string
}

func (t Trigger) String() string {
	return t.Start + ":" + t.Stop
}

// ParseTrigger accepts "<start>:<stop>" with a single colon and two
// non-empty halves.
func ParseTrigger(raw string) (Trigger, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if strings.Count(raw, ":") != 1 {
		return Trigger{}, fmt.Errorf("%w: %q must contain exactly one colon", ErrInvalidTrigger, raw)
	}
	start, stop, _ := strings.Cut(raw, ":")
	if start == "" || stop == "" {
		return Trigger{}, fmt.Errorf("%w: %q has an empty half", ErrInvalidTrigger, raw)
	}
	return Trigger{Start: start, Stop: stop}, nil
}

// ToolGroupConfig is the read-only description of one group.
type ToolGroupConfig struct {
	Name    string
	Dir     string
	Trigger *Trigger
	Labels  map[string]string

	hosts map[string]map[string]ToolSpec
}

// Dir returns the group directory under runRoot.
func Dir(runRoot, group string) string {
	return filepath.Join(runRoot, DirPrefix+group)
}

// ValidateName rejects group, host and tool names that cannot be a single
// path element.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%q", name)
	}
	return nil
}

// Load reads group from runRoot. Hosts without any tool are dropped.
func Load(runRoot, group string) (*ToolGroupConfig, error) {
	if err := ValidateName(group); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
	}
	dir := Dir(runRoot, group)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, dir)
	}

	cfg := &ToolGroupConfig{
		Name:   group,
		Dir:    dir,
		Labels: make(map[string]string),
		hosts:  make(map[string]map[string]ToolSpec),
	}

	raw, err := os.ReadFile(filepath.Join(dir, TriggerFile))
	switch {
	case err == nil && len(strings.TrimSpace(string(raw))) > 0:
		trigger, err := ParseTrigger(string(raw))
		if err != nil {
			return nil, err
		}
		cfg.Trigger = &trigger
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("toolgroup: read trigger: %w", err)
	}

	hostEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("toolgroup: read %s: %w", dir, err)
	}
	for _, hostEntry := range hostEntries {
		if !hostEntry.IsDir() {
			continue
		}
		host := hostEntry.Name()
		tools, label, err := loadHost(filepath.Join(dir, host))
		if err != nil {
			return nil, err
		}
		if len(tools) == 0 {
			log.Warn().Msgf("toolgroup.Load host skipped reason=no_tools group=%q host=%q", group, host)
			continue
		}
		cfg.hosts[host] = tools
		if label != "" {
			cfg.Labels[host] = label
		}
	}
	log.Debug().Msgf("toolgroup.Load group=%q hosts=%d trigger=%t", group, len(cfg.hosts), cfg.Trigger != nil)
	return cfg, nil
}

func loadHost(dir string) (map[string]ToolSpec, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("toolgroup: read %s: %w", dir, err)
	}
	tools := make(map[string]ToolSpec)
	label := ""
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == LabelFile:
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, "", fmt.Errorf("toolgroup: read label: %w", err)
			}
			label = strings.TrimSpace(string(raw))
			continue
		case strings.HasSuffix(name, NoInstallSuffix), entry.IsDir():
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, "", fmt.Errorf("toolgroup: read tool %s: %w", name, err)
		}
		tools[name] = ToolSpec{Name: name, Options: parseOptions(string(raw))}
	}
	return tools, label, nil
}

func parseOptions(raw string) []string {
	opts := []string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			opts = append(opts, line)
		}
	}
	return opts
}

// Hosts returns the host names in sorted order.
func (c *ToolGroupConfig) Hosts() []string {
	hosts := make([]string, 0, len(c.hosts))
	for host := range c.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Tools returns the tool specs for host sorted by name.
func (c *ToolGroupConfig) Tools(host string) []ToolSpec {
	specs := make([]ToolSpec, 0, len(c.hosts[host]))
	for _, spec := range c.hosts[host] {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ToolOptions returns host's tool -> options mapping in the shape carried by
// coordinator parameters.
func (c *ToolGroupConfig) ToolOptions(host string) map[string][]string {
	out := make(map[string][]string, len(c.hosts[host]))
	for name, spec := range c.hosts[host] {
		out[name] = append([]string(nil), spec.Options...)
		if out[name] == nil {
			out[name] = []string{}
		}
	}
	return out
}

// Validate checks every host has at least one validly named tool. known, when
// non-nil, restricts tool names to installed tool scripts.
func (c *ToolGroupConfig) Validate(known func(string) bool) error {
	for host, tools := range c.hosts {
		if len(tools) == 0 {
			return fmt.Errorf("%w: host %q has no tools", ErrInvalidTool, host)
		}
		for name := range tools {
			if err := ValidateName(name); err != nil {
				return fmt.Errorf("%w: host %q: %v", ErrInvalidTool, host, err)
			}
			if known != nil && !known(name) {
				return fmt.Errorf("%w: host %q: %q is not installed", ErrInvalidTool, host, name)
			}
		}
	}
	return nil
}
