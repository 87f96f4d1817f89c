package tool

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Command describes one subprocess launch. Empty Stdout/Stderr paths discard
// the stream.
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Stdout string
	Stderr string
	// Detach puts the child in its own session so it outlives the caller's
	// process group.
	Detach bool
}

// Process is a launched subprocess.
type Process interface {
	Pid() int
	// Wait blocks until exit. A non-zero exit status is an error.
	Wait() error
}

// Launcher abstracts subprocess creation for the tool life-cycle.
type Launcher interface {
	Launch(cmd Command) (Process, error)
}

// ExecLauncher launches commands on the local host.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec Command) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Detach {
		detach(cmd)
	}

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	if spec.Stdout != "" {
		f, err := os.Create(spec.Stdout)
		if err != nil {
			return nil, fmt.Errorf("tool: open stdout: %w", err)
		}
		files = append(files, f)
		cmd.Stdout = f
	}
	if spec.Stderr != "" {
		f, err := os.Create(spec.Stderr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("tool: open stderr: %w", err)
		}
		files = append(files, f)
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Path, err)
	}
	// The child holds its own descriptors now.
	closeAll()
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exit=%d", ErrExitStatus, p.cmd.Path, exitErr.ExitCode())
	}
	return err
}
