// Package launch starts the tool meister daemons on the controller and on
// remote hosts. A spawn returns once the daemon is running; readiness is
// observed separately on the broker.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/tool"
)

var ErrSpawn = errors.New("launch: spawn failed")

// Spec is one daemon launch.
type Spec struct {
	// Host is where the daemon runs; local spawners ignore it.
	Host    string
	Program string
	Args    []string
	// Dir is the working directory and holds <Name>.out and <Name>.err.
	Dir  string
	Name string
}

func (s Spec) logPaths() (string, string) {
	return filepath.Join(s.Dir, s.Name+".out"), filepath.Join(s.Dir, s.Name+".err")
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) error
}

// LocalSpawner starts daemons in their own session on this host.
type LocalSpawner struct {
	Launcher tool.Launcher
}

func (l LocalSpawner) Spawn(_ context.Context, spec Spec) error {
	launcher := l.Launcher
	if launcher == nil {
		launcher = tool.ExecLauncher{}
	}
	if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}
	stdout, stderr := spec.logPaths()
	proc, err := launcher.Launch(tool.Command{
		Path:   spec.Program,
		Args:   spec.Args,
		Dir:    spec.Dir,
		Stdout: stdout,
		Stderr: stderr,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}
	log.Info().Msgf("launch.LocalSpawner.Spawn name=%q pid=%d", spec.Name, proc.Pid())
	go func() {
		if err := proc.Wait(); err != nil {
			log.Warn().Msgf("launch.LocalSpawner daemon exited name=%q pid=%d err=%v", spec.Name, proc.Pid(), err)
			return
		}
		log.Debug().Msgf("launch.LocalSpawner daemon exited name=%q pid=%d", spec.Name, proc.Pid())
	}()
	return nil
}

// Router sends launches for the controller host to Local and everything else
// to Remote.
type Router struct {
	Controller string
	Local      Spawner
	Remote     Spawner
}

func (r Router) Spawn(ctx context.Context, spec Spec) error {
	if spec.Host == "" || spec.Host == r.Controller {
		return r.Local.Spawn(ctx, spec)
	}
	if r.Remote == nil {
		return fmt.Errorf("%w: %s: no remote spawner for host %q", ErrSpawn, spec.Name, spec.Host)
	}
	return r.Remote.Spawn(ctx, spec)
}
