package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok {
			t.Fatalf("expected %q to parse", raw)
		}
		if got != want {
			t.Fatalf("level %q: got %v want %v", raw, got, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("expected empty level to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogFile, "/tmp/tm.log")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.NoColor {
		t.Fatalf("expected no color")
	}
	if cfg.File != "/tmp/tm.log" {
		t.Fatalf("unexpected file: %q", cfg.File)
	}
}

func TestToFileWritesEvents(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		_ = Close()
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "tm-default-h1.log")
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := ToFile(path, false); err != nil {
		t.Fatalf("to file: %v", err)
	}
	log.Info().Str("host", "h1").Msg("logging.ToFile event")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), "logging.ToFile event") {
		t.Fatalf("log file missing event: %q", string(raw))
	}
}

func TestApplyTimestampColumn(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	for _, timestamp := range []bool{false, true} {
		var out bytes.Buffer
		if err := apply(Config{Level: zerolog.InfoLevel, Timestamp: timestamp, NoColor: true, Out: &out}); err != nil {
			t.Fatalf("apply: %v", err)
		}
		log.Info().Msg("logging.apply event")
		line := out.String()
		if strings.Contains(line, "<nil>") {
			t.Fatalf("timestamp=%v: empty time column rendered: %q", timestamp, line)
		}
		if !timestamp && !strings.HasPrefix(line, "INF ") {
			t.Fatalf("timestamp=false: line should start with the level: %q", line)
		}
		if timestamp && strings.HasPrefix(line, "INF ") {
			t.Fatalf("timestamp=true: time column missing: %q", line)
		}
	}
}
