// Package toolscript installs well-behaved fake tool scripts for tests.
package toolscript

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/toolmeister/internal/tool"
)

// script writes its pid file on --start and blocks until --stop drops a stop
// marker next to it. --postprocess leaves a marker file.
const script = `#!/bin/sh
action="$1"
dir="${2#--dir=}"
name="$(basename "$0")"
case "$action" in
--start)
	mkdir -p "$dir/$name"
	echo $$ > "$dir/$name/$name.pid"
	while [ ! -f "$dir/$name/stop" ]; do sleep 0.05; done
	echo collected > "$dir/$name/data.txt"
	;;
--stop)
	touch "$dir/$name/stop"
	;;
--postprocess)
	mkdir -p "$dir/$name"
	echo postprocessed > "$dir/$name/postprocess.txt"
	;;
*)
	exit 2
	;;
esac
`

// failing exits non-zero for every verb.
const failing = `#!/bin/sh
exit 1
`

// Install writes one script per name into a fresh scripts dir and returns it.
func Install(t *testing.T, names ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tool-scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("toolscript: mkdir: %v", err)
	}
	for _, name := range names {
		Write(t, dir, name, script)
	}
	return dir
}

// InstallFailing adds a script that always fails to dir.
func InstallFailing(t *testing.T, dir, name string) {
	t.Helper()
	Write(t, dir, name, failing)
}

func Write(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("toolscript: write %s: %v", name, err)
	}
}

// Call is one recorded launch.
type Call struct {
	Tool string
	Verb string
}

// Recorder wraps a launcher and records launch order.
type Recorder struct {
	Next tool.Launcher

	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) Launch(cmd tool.Command) (tool.Process, error) {
	verb := ""
	if len(cmd.Args) > 0 {
		verb = cmd.Args[0]
	}
	r.mu.Lock()
	r.calls = append(r.calls, Call{Tool: filepath.Base(cmd.Path), Verb: verb})
	r.mu.Unlock()
	next := r.Next
	if next == nil {
		next = tool.ExecLauncher{}
	}
	return next.Launch(cmd)
}

// Calls returns launches so far, optionally filtered by verb.
func (r *Recorder) Calls(verb string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if verb == "" || c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

// Refuse fails every launch of Verb and hands the rest to Next.
type Refuse struct {
	Verb string
	Next tool.Launcher
}

func (r Refuse) Launch(cmd tool.Command) (tool.Process, error) {
	if len(cmd.Args) > 0 && cmd.Args[0] == r.Verb {
		return nil, errors.New("toolscript: launch refused for " + r.Verb)
	}
	next := r.Next
	if next == nil {
		next = tool.ExecLauncher{}
	}
	return next.Launch(cmd)
}

// Release lets a collector started by the default script exit and waits
// for its final write.
func Release(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name, "stop"), nil, 0o644); err != nil {
		t.Fatalf("toolscript: release %s: %v", name, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, name, "data.txt")); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("toolscript: %s collector did not exit", name)
}
