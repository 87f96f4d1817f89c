package meister

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/protocol"
	"github.com/danmuck/toolmeister/internal/tool"
	"github.com/danmuck/toolmeister/internal/transfer"
)

// StartTools launches every configured tool in name order into
// <workdir>/<hostname>. A second start before send completes is rejected
// without spawning anything.
func (m *Meister) StartTools(ctx context.Context, cmd protocol.PhaseCommand) int {
	if len(m.running) > 0 || m.directory != "" {
		log.Error().Msgf("meister.StartTools internal error: %v running=%d directory=%q", ErrAlreadyRunning, len(m.running), m.directory)
		m.publishStatus(ctx, protocol.StateStart, protocol.StatusInternalFailure)
		return 1
	}
	if cmd.Directory == "" {
		log.Error().Msgf("meister.StartTools internal error: start without a directory")
		m.publishStatus(ctx, protocol.StateStart, protocol.StatusInternalFailure)
		return 1
	}

	workDir := m.tmpDir
	if workDir == "" {
		resolved, err := resolveDir(cmd.Directory)
		if err != nil {
			log.Error().Msgf("meister.StartTools result directory=%q err=%v", cmd.Directory, err)
			m.publishStatus(ctx, protocol.StateStart, protocol.StatusInternalFailure)
			return 1
		}
		workDir = resolved
	}
	hostDir := filepath.Join(workDir, m.params.Hostname)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		log.Error().Msgf("meister.StartTools create host_dir=%q err=%v", hostDir, err)
		m.publishStatus(ctx, protocol.StateStart, protocol.StatusInternalFailure)
		return 1
	}
	m.directory = cmd.Directory
	m.hostDir = hostDir

	failures := 0
	for _, name := range m.toolNames() {
		t := tool.New(name, m.params.Tools[name], hostDir, m.toolConfig())
		if err := t.Start(); err != nil {
			log.Error().Msgf("meister.StartTools tool=%q err=%v", name, err)
			failures++
			continue
		}
		m.running[name] = t
	}

	status := protocol.StatusSuccess
	if failures > 0 {
		status = protocol.StatusStartFailures
	}
	m.publishStatus(ctx, protocol.StateStart, status)
	log.Info().Msgf("meister.StartTools host=%q directory=%q started=%d failures=%d", m.params.Hostname, m.directory, len(m.running), failures)
	return failures
}

// StopTools stops every running tool in name order, then waits for each.
func (m *Meister) StopTools(ctx context.Context, cmd protocol.PhaseCommand) int {
	if err := m.checkDirectory(protocol.StateStop, cmd); err != nil {
		m.publishStatus(ctx, protocol.StateStop, protocol.StatusInternalFailure)
		return 1
	}

	failures := 0
	for _, name := range m.toolNames() {
		t, ok := m.running[name]
		if !ok {
			log.Error().Msgf("meister.StopTools internal error: tool=%q not running", name)
			failures++
			continue
		}
		if err := t.Stop(ctx); err != nil {
			log.Error().Msgf("meister.StopTools tool=%q err=%v", name, err)
			t.Abandon()
			failures++
		}
	}
	failures += m.waitForTools()

	status := protocol.StatusSuccess
	if failures > 0 {
		status = protocol.StatusStopFailures
	}
	m.publishStatus(ctx, protocol.StateStop, status)
	log.Info().Msgf("meister.StopTools host=%q directory=%q failures=%d", m.params.Hostname, m.directory, failures)
	return failures
}

// SendTools postprocesses every tool, releases the handles and, on a remote
// host, delivers the host subtree to the sink.
func (m *Meister) SendTools(ctx context.Context, cmd protocol.PhaseCommand) int {
	if err := m.checkDirectory(protocol.StateSend, cmd); err != nil {
		m.publishStatus(ctx, protocol.StateSend, protocol.StatusInternalFailure)
		return 1
	}

	failures := 0
	for _, name := range m.toolNames() {
		t, ok := m.running[name]
		if !ok {
			log.Error().Msgf("meister.SendTools internal error: tool=%q not running", name)
			failures++
			continue
		}
		if err := t.Postprocess(); err != nil {
			log.Error().Msgf("meister.SendTools postprocess tool=%q err=%v", name, err)
			failures++
		}
	}
	failures += m.waitForTools()
	m.running = make(map[string]*tool.Tool)

	if m.params.Local() {
		log.Info().Msgf("meister.SendTools no-op host=%q group=%q directory=%q", m.params.Hostname, m.params.Group, m.directory)
	} else if err := m.deliver(ctx); err != nil {
		log.Error().Msgf("meister.SendTools deliver host=%q err=%v", m.params.Hostname, err)
		failures++
	}

	m.directory = ""
	m.hostDir = ""

	status := protocol.StatusSuccess
	if failures > 0 {
		status = protocol.StatusSendFailures
	}
	m.publishStatus(ctx, protocol.StateSend, status)
	return failures
}

// waitForTools waits on every running tool that still holds a handle. Tools
// missing from running were already counted by the caller.
func (m *Meister) waitForTools() int {
	failures := 0
	for _, name := range m.toolNames() {
		t, ok := m.running[name]
		if !ok || !t.Running() {
			continue
		}
		if err := t.Wait(); err != nil {
			log.Error().Msgf("meister.waitForTools tool=%q err=%v", name, err)
			failures++
		}
	}
	return failures
}

func (m *Meister) checkDirectory(state protocol.State, cmd protocol.PhaseCommand) error {
	if m.directory == "" || cmd.Directory != m.directory {
		err := fmt.Errorf("%w: %s for %q, started with %q", ErrDirectoryMismatch, state, cmd.Directory, m.directory)
		log.Error().Msgf("meister.%sTools internal error: %v", stateLabel(state), err)
		return err
	}
	return nil
}

// deliver archives the host subtree, PUTs it to the sink and removes the
// subtree on success. The archive is removed on every path.
func (m *Meister) deliver(ctx context.Context) error {
	archive := m.archivePath()
	defer func() {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			log.Warn().Msgf("meister.deliver remove archive=%q err=%v", archive, err)
		}
	}()

	checksum, size, err := transfer.Archive(m.tmpDir, m.params.Hostname, archive)
	if err != nil {
		return err
	}
	target := transfer.SinkURL(m.params.ControllerHostname, m.cfg.SinkPort, m.directory, m.params.Hostname)
	log.Info().Msgf("meister.deliver host=%q target=%q bytes=%d md5=%s", m.params.Hostname, target, size, checksum)

	err = transfer.Deliver(ctx, transfer.DeliverConfig{Client: m.cfg.HTTPClient, Retry: m.cfg.DeliveryRetry}, target, archive, checksum)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(m.hostDir); err != nil {
		return fmt.Errorf("meister: remove host data %s: %w", m.hostDir, err)
	}
	return nil
}

func resolveDir(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", resolved)
	}
	return filepath.Abs(resolved)
}

func stateLabel(state protocol.State) string {
	switch state {
	case protocol.StateStart:
		return "Start"
	case protocol.StateStop:
		return "Stop"
	case protocol.StateSend:
		return "Send"
	default:
		return string(state)
	}
}
