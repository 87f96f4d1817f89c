// Package pidfile keeps daemon pid files guarded by an advisory lock so a
// second instance of the same daemon refuses to start.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

var (
	ErrLocked  = errors.New("pidfile: held by another process")
	ErrInvalid = errors.New("pidfile: invalid contents")
	ErrStale   = errors.New("pidfile: process not running")
)

// File is a held pid file.
type File struct {
	path string
	lock *flock.Flock
}

func lockPath(path string) string { return path + ".lock" }

// Acquire locks path and writes the current pid into it.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pidfile: create directory: %w", err)
	}
	lock := flock.New(lockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pidfile: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	log.Debug().Msgf("pidfile.Acquire path=%q pid=%d", path, os.Getpid())
	return &File{path: path, lock: lock}, nil
}

func (f *File) Path() string { return f.path }

// Release removes the pid file and drops the lock.
func (f *File) Release() error {
	var errs []error
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := f.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(lockPath(f.path)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Read returns the pid recorded at path.
func Read(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s: %q", ErrInvalid, path, raw)
	}
	return pid, nil
}

// Held reports whether some process currently holds the lock for path.
func Held(path string) (bool, error) {
	if _, err := os.Stat(lockPath(path)); os.IsNotExist(err) {
		return false, nil
	}
	lock := flock.New(lockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		lock.Unlock()
		return false, nil
	}
	return true, nil
}

// Signal sends sig to the process recorded at path.
func Signal(path string, sig os.Signal) (int, error) {
	pid, err := Read(path)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("%w: %d: %v", ErrStale, pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return pid, fmt.Errorf("%w: %d", ErrStale, pid)
		}
		return pid, err
	}
	return pid, nil
}
