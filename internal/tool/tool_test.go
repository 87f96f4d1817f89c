package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/testutil/testlog"
	"github.com/danmuck/toolmeister/internal/testutil/toolscript"
	"github.com/danmuck/toolmeister/internal/tool"
)

func TestToolLifecycle(t *testing.T) {
	testlog.Start(t)
	scripts := toolscript.Install(t, "iostat")
	dir := t.TempDir()
	tl := tool.New("iostat", []string{"--interval=1"}, dir, tool.Config{ScriptsDir: scripts})

	if err := tl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tl.Start(); !errors.Is(err, tool.ErrInvalidState) {
		t.Fatalf("double start: expected invalid state, got %v", err)
	}
	if err := tl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tl.Wait(); err != nil {
		t.Fatalf("wait stop: %v", err)
	}
	if tl.Running() {
		t.Fatalf("handles not cleared after wait")
	}
	if _, err := os.Stat(filepath.Join(dir, "iostat", "data.txt")); err != nil {
		t.Fatalf("collector did not flush: %v", err)
	}
	for _, name := range []string{"tm-iostat-stop.out", "tm-iostat-stop.err"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing stop log %s: %v", name, err)
		}
	}

	if err := tl.Postprocess(); err != nil {
		t.Fatalf("postprocess: %v", err)
	}
	if err := tl.Wait(); err != nil {
		t.Fatalf("wait postprocess: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "iostat", "postprocess.txt")); err != nil {
		t.Fatalf("postprocess output missing: %v", err)
	}
}

func TestToolAbandonAfterStopSpawnFailure(t *testing.T) {
	testlog.Start(t)
	scripts := toolscript.Install(t, "iostat")
	dir := t.TempDir()
	tl := tool.New("iostat", nil, dir, tool.Config{ScriptsDir: scripts, Launcher: toolscript.Refuse{Verb: "--stop"}})

	if err := tl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { toolscript.Release(t, dir, "iostat") })
	if err := tl.Stop(context.Background()); err == nil {
		t.Fatalf("stop spawn should fail")
	}
	if !tl.Running() {
		t.Fatalf("failed stop dropped the start handle")
	}
	tl.Abandon()
	if tl.Running() {
		t.Fatalf("abandon kept a handle")
	}
	if err := tl.Postprocess(); err != nil {
		t.Fatalf("postprocess after abandon: %v", err)
	}
	if err := tl.Wait(); err != nil {
		t.Fatalf("wait postprocess: %v", err)
	}
}

func TestToolStateGuards(t *testing.T) {
	testlog.Start(t)
	tl := tool.New("iostat", nil, t.TempDir(), tool.Config{ScriptsDir: t.TempDir()})
	if err := tl.Stop(context.Background()); !errors.Is(err, tool.ErrInvalidState) {
		t.Fatalf("stop before start: expected invalid state, got %v", err)
	}
	if err := tl.Wait(); !errors.Is(err, tool.ErrInvalidState) {
		t.Fatalf("wait idle: expected invalid state, got %v", err)
	}
}

func TestToolSpawnFailureSurfaces(t *testing.T) {
	testlog.Start(t)
	tl := tool.New("missing", nil, t.TempDir(), tool.Config{ScriptsDir: t.TempDir()})
	if err := tl.Start(); !errors.Is(err, tool.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if tl.Running() {
		t.Fatalf("failed spawn must not record a handle")
	}
}

func TestToolStopProceedsWithoutPidFile(t *testing.T) {
	testlog.Start(t)
	scripts := t.TempDir()
	toolscript.Write(t, scripts, "quiet", "#!/bin/sh\nexit 0\n")
	tl := tool.New("quiet", nil, t.TempDir(), tool.Config{
		ScriptsDir: scripts,
		PidPoll:    poll.Config{Backoff: poll.Fixed(time.Millisecond), Attempts: 3},
	})
	if err := tl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tl.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestToolNonZeroExitIsFailure(t *testing.T) {
	testlog.Start(t)
	scripts := t.TempDir()
	toolscript.InstallFailing(t, scripts, "broken")
	tl := tool.New("broken", nil, t.TempDir(), tool.Config{ScriptsDir: scripts})
	if err := tl.Postprocess(); err != nil {
		t.Fatalf("postprocess launch: %v", err)
	}
	if err := tl.Wait(); !errors.Is(err, tool.ErrExitStatus) {
		t.Fatalf("expected exit status error, got %v", err)
	}
	if tl.Running() {
		t.Fatalf("handle kept after failed wait")
	}
}
