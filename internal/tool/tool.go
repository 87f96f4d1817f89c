// Package tool owns the life-cycle of one external data collection tool.
//
// A tool script honors a fixed contract:
//
//	<scripts>/<name> --start|--stop|--postprocess --dir=<dir> <options...>
//
// and writes <dir>/<name>/<name>.pid shortly after --start. A Tool holds at
// most the start handle, the (start, stop) pair, or the postprocess handle at
// any time.
package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidState = errors.New("tool: invalid state")
	ErrSpawn        = errors.New("tool: spawn failed")
	ErrExitStatus   = errors.New("tool: non-zero exit")
)

const (
	DefaultPidPollInterval = 100 * time.Millisecond
	DefaultPidPollAttempts = 100
)

// Config is shared by every Tool a coordinator owns.
type Config struct {
	// ScriptsDir holds one executable per tool name.
	ScriptsDir string
	Launcher   Launcher
	PidPoll    poll.Config
}

// DefaultPidPoll waits up to ten seconds for a tool pid file.
func DefaultPidPoll() poll.Config {
	return poll.Config{Backoff: poll.Fixed(DefaultPidPollInterval), Attempts: DefaultPidPollAttempts}
}

func (c Config) withDefaults() Config {
	if c.Launcher == nil {
		c.Launcher = ExecLauncher{}
	}
	if c.PidPoll.Attempts <= 0 && c.PidPoll.Timeout <= 0 {
		c.PidPoll = DefaultPidPoll()
	}
	return c
}

// Tool wraps one named tool script writing into Dir.
type Tool struct {
	name    string
	options []string
	dir     string
	cfg     Config

	start Process
	stop  Process
	post  Process
}

// New binds name with options to the output directory dir.
func New(name string, options []string, dir string, cfg Config) *Tool {
	return &Tool{
		name:    name,
		options: append([]string(nil), options...),
		dir:     dir,
		cfg:     cfg.withDefaults(),
	}
}

func (t *Tool) Name() string { return t.name }

// Dir is the --dir value passed to every verb.
func (t *Tool) Dir() string { return t.dir }

// PidFile is where the tool records its collector pid.
func (t *Tool) PidFile() string {
	return filepath.Join(t.dir, t.name, t.name+".pid")
}

func (t *Tool) Running() bool {
	return t.start != nil || t.stop != nil || t.post != nil
}

// Start launches the collector detached and returns without waiting.
func (t *Tool) Start() error {
	if err := t.requireIdle("start"); err != nil {
		return err
	}
	proc, err := t.launch("--start", "start", true)
	if err != nil {
		return err
	}
	t.start = proc
	log.Info().Msgf("tool.Tool.Start name=%q pid=%d dir=%q", t.name, proc.Pid(), t.dir)
	return nil
}

// Stop waits for the pid file (bounded), then launches the stop verb without
// waiting for it.
func (t *Tool) Stop(ctx context.Context) error {
	if t.start == nil {
		return fmt.Errorf("%w: %s: start process not running", ErrInvalidState, t.name)
	}
	if t.stop != nil || t.post != nil {
		return fmt.Errorf("%w: %s: unexpected stop or postprocess process", ErrInvalidState, t.name)
	}

	pidFile := t.PidFile()
	outcome, err := poll.Until(ctx, t.cfg.PidPoll, func(int) (bool, error) {
		_, err := os.Stat(pidFile)
		return err == nil, nil
	})
	if err != nil {
		return fmt.Errorf("tool: %s: pid wait: %w", t.name, err)
	}
	if outcome == poll.TimedOut {
		log.Warn().Msgf("tool.Tool.Stop pid file missing, stopping anyway name=%q pid_file=%q", t.name, pidFile)
	}

	proc, err := t.launch("--stop", "stop", false)
	if err != nil {
		return err
	}
	t.stop = proc
	log.Info().Msgf("tool.Tool.Stop name=%q pid=%d", t.name, proc.Pid())
	return nil
}

// Abandon drops a lone start handle after the stop verb could not be
// launched. The collector is left running and reaped in the background.
func (t *Tool) Abandon() {
	if t.start == nil || t.stop != nil {
		return
	}
	proc := t.start
	t.start = nil
	log.Warn().Msgf("tool.Tool.Abandon collector left running name=%q pid=%d", t.name, proc.Pid())
	go func() {
		err := proc.Wait()
		log.Debug().Msgf("tool.Tool.Abandon collector exited name=%q pid=%d err=%v", t.name, proc.Pid(), err)
	}()
}

// Postprocess launches the postprocess verb without waiting.
func (t *Tool) Postprocess() error {
	if err := t.requireIdle("postprocess"); err != nil {
		return err
	}
	proc, err := t.launch("--postprocess", "postprocess", false)
	if err != nil {
		return err
	}
	t.post = proc
	log.Info().Msgf("tool.Tool.Postprocess name=%q pid=%d", t.name, proc.Pid())
	return nil
}

// Wait reaps the stop process and then the start process, or the postprocess
// process alone. Handles are cleared even when a process fails.
func (t *Tool) Wait() error {
	switch {
	case t.stop != nil:
		if t.start == nil || t.post != nil {
			return fmt.Errorf("%w: %s: stop without a lone start", ErrInvalidState, t.name)
		}
		stopErr := t.stop.Wait()
		t.stop = nil
		startErr := t.start.Wait()
		t.start = nil
		log.Debug().Msgf("tool.Tool.Wait stopped name=%q stop_err=%v start_err=%v", t.name, stopErr, startErr)
		return errors.Join(stopErr, startErr)
	case t.post != nil:
		if t.start != nil {
			return fmt.Errorf("%w: %s: postprocess with start running", ErrInvalidState, t.name)
		}
		err := t.post.Wait()
		t.post = nil
		log.Debug().Msgf("tool.Tool.Wait postprocessed name=%q err=%v", t.name, err)
		return err
	default:
		return fmt.Errorf("%w: %s: wait without stop or postprocess", ErrInvalidState, t.name)
	}
}

func (t *Tool) requireIdle(verb string) error {
	switch {
	case t.start != nil:
		return fmt.Errorf("%w: %s %s: start process running", ErrInvalidState, t.name, verb)
	case t.stop != nil:
		return fmt.Errorf("%w: %s %s: stop process running", ErrInvalidState, t.name, verb)
	case t.post != nil:
		return fmt.Errorf("%w: %s %s: postprocess process running", ErrInvalidState, t.name, verb)
	}
	return nil
}

func (t *Tool) launch(flag, verb string, detach bool) (Process, error) {
	args := append([]string{flag, "--dir=" + t.dir}, t.options...)
	return t.cfg.Launcher.Launch(Command{
		Path:   filepath.Join(t.cfg.ScriptsDir, t.name),
		Args:   args,
		Dir:    t.dir,
		Stdout: filepath.Join(t.dir, fmt.Sprintf("tm-%s-%s.out", t.name, verb)),
		Stderr: filepath.Join(t.dir, fmt.Sprintf("tm-%s-%s.err", t.name, verb)),
		Detach: detach,
	})
}
