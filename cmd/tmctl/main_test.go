package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/toolmeister/internal/client"
	"github.com/danmuck/toolmeister/internal/testutil/testlog"
	"github.com/danmuck/toolmeister/internal/toolgroup"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	runRoot := filepath.Join(dir, "run")
	path := filepath.Join(dir, "toolmeister.toml")
	body := fmt.Sprintf("run_root = %q\ninstall_dir = %q\ncontroller = \"ctl\"\n", runRoot, filepath.Join(dir, "install"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, runRoot
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestToolsRegisterAndList(t *testing.T) {
	testlog.Start(t)
	cfgPath, runRoot := writeConfig(t)

	if _, err := execute(t, "--config", cfgPath, "tools", "register", "iostat", "--remote", "h1,h2", "--label", "web", "--", "--interval=3"); err != nil {
		t.Fatalf("register iostat: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "tools", "register", "mpstat"); err != nil {
		t.Fatalf("register mpstat: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "tools", "trigger", "go:done"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	group, err := toolgroup.Load(runRoot, "default")
	if err != nil {
		t.Fatalf("load group: %v", err)
	}
	if got := strings.Join(group.Hosts(), ","); got != "ctl,h1,h2" {
		t.Fatalf("hosts = %q", got)
	}
	if opts := group.ToolOptions("h2")["iostat"]; len(opts) != 1 || opts[0] != "--interval=3" {
		t.Fatalf("h2 iostat options = %v", opts)
	}

	out, err := execute(t, "--config", cfgPath, "tools", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"trigger go:done", "h1 (web)", "  iostat --interval=3", "ctl\n  mpstat"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestToolsRegisterRejectsReservedName(t *testing.T) {
	testlog.Start(t)
	cfgPath, _ := writeConfig(t)
	if _, err := execute(t, "--config", cfgPath, "tools", "register", toolgroup.LabelFile); err == nil {
		t.Fatalf("expected reserved tool name to be rejected")
	}
}

func TestPhaseCommandRequiresDirectory(t *testing.T) {
	testlog.Start(t)
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "postprocess")
	if err == nil || !strings.HasPrefix(err.Error(), "send:") {
		t.Fatalf("postprocess without a directory: err=%v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "begin"); err == nil {
		t.Fatalf("begin without --run-dir should fail")
	}
}

func TestConfigInitThenCheck(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tm.toml")
	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := execute(t, "config", "init", path); err == nil {
		t.Fatalf("second init without --force should fail")
	}
	out, err := execute(t, "--config", path, "config", "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "controller.example.com:17001") {
		t.Fatalf("check output = %q", out)
	}
}

func TestPrintResultShowsGaps(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	printResult(cmd, client.PhaseResult{
		Expected:  3,
		Receivers: 2,
		Statuses:  map[string]string{"ds": "success", "h1": "failure"},
		Missing:   []string{"h2"},
		Unknown:   []string{"h9"},
	})
	got := out.String()
	for _, want := range []string{"ds", "h1", "failure", "h2", "(no status)", "h9", "(not in roster)", "receivers 2, expected 3"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "ds") > strings.Index(got, "h1") {
		t.Fatalf("statuses not sorted:\n%s", got)
	}
}
