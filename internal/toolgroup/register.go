package toolgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Register writes (or replaces) tool's options for host in group.
func Register(runRoot, group, host, tool string, options []string) error {
	for kind, name := range map[string]string{"group": group, "host": host, "tool": tool} {
		if err := ValidateName(name); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalidTool, kind, err)
		}
	}
	if strings.HasSuffix(tool, NoInstallSuffix) || tool == LabelFile || tool == TriggerFile {
		return fmt.Errorf("%w: reserved name %q", ErrInvalidTool, tool)
	}
	hostDir := filepath.Join(Dir(runRoot, group), host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("toolgroup: create %s: %w", hostDir, err)
	}
	body := strings.Join(options, "\n")
	if body != "" {
		body += "\n"
	}
	return os.WriteFile(filepath.Join(hostDir, tool), []byte(body), 0o644)
}

// SetLabel writes the label for host in group.
func SetLabel(runRoot, group, host, label string) error {
	hostDir := filepath.Join(Dir(runRoot, group), host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("toolgroup: create %s: %w", hostDir, err)
	}
	return os.WriteFile(filepath.Join(hostDir, LabelFile), []byte(label+"\n"), 0o644)
}

// SetTrigger writes the group trigger after validating it.
func SetTrigger(runRoot, group string, trigger Trigger) error {
	if _, err := ParseTrigger(trigger.String()); err != nil {
		return err
	}
	dir := Dir(runRoot, group)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("toolgroup: create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, TriggerFile), []byte(trigger.String()+"\n"), 0o644)
}
