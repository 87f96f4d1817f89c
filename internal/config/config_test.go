package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Controller != "controller.example.com" {
		t.Fatalf("unexpected controller: %q", cfg.Controller)
	}
	if cfg.BrokerAddr() != "controller.example.com:17001" {
		t.Fatalf("unexpected broker addr: %q", cfg.BrokerAddr())
	}
	if cfg.ToolScriptsDir() != "/opt/toolmeister/tool-scripts" {
		t.Fatalf("unexpected tool scripts dir: %q", cfg.ToolScriptsDir())
	}
	if cfg.StatusTimeout != 10*time.Minute || cfg.ReadyTimeout != 2*time.Minute {
		t.Fatalf("unexpected timeouts: %v %v", cfg.StatusTimeout, cfg.ReadyTimeout)
	}
	if cfg.DeliveryRetry.Attempts != 200 || cfg.DeliveryRetry.Backoff.InitialDelay != 100*time.Millisecond {
		t.Fatalf("unexpected delivery retry: %+v", cfg.DeliveryRetry)
	}
	if cfg.SSH.User != "toolmeister" || cfg.SSH.Timeout != 10*time.Second {
		t.Fatalf("unexpected ssh: %+v", cfg.SSH)
	}
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
run_root = "/scratch/runs"
pid_poll_attempts = 5

[ssh]
port = "2222"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.RunRoot != "/scratch/runs" || cfg.PidPoll.Attempts != 5 || cfg.SSH.Port != "2222" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BrokerPort != def.BrokerPort || cfg.SinkPort != def.SinkPort || cfg.InstallDir != def.InstallDir {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.PidPoll.Backoff != def.PidPoll.Backoff {
		t.Fatalf("pid poll interval changed: %+v", cfg.PidPoll)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	for _, body := range []string{
		`status_timeout = "soon"`,
		`broker_port = 70000`,
		`controller = ""`,
		`delivery_retry_attempts = 0`,
	} {
		if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", body, err)
		}
	}
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
