package main

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/toolmeister/internal/broker"
	"github.com/danmuck/toolmeister/internal/protocol"
	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func startBroker(t *testing.T) (*broker.Hub, string) {
	t.Helper()
	hub := broker.NewHub(nil)
	srv := broker.NewServer(hub, broker.ServerConfig{Node: "test-broker"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		hub.Close()
	})
	return hub, strings.TrimPrefix(ts.URL, "http://")
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func testOptions(t *testing.T, addr string) *options {
	t.Helper()
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	dir := t.TempDir()
	return &options{
		broker:         addr,
		logFile:        filepath.Join(dir, "toolmeister.log"),
		pidFile:        filepath.Join(dir, "toolmeister.pid"),
		connectTimeout: 200 * time.Millisecond,
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected an exit error, got %v", err)
	}
	return exit.code
}

func TestRunExitsWhenBrokerUnreachable(t *testing.T) {
	testlog.Start(t)
	start := time.Now()
	err := run(context.Background(), testOptions(t, closedAddr(t)), "tm-default-h1")
	if code := exitCode(t, err); code != exitBrokerUnreachable {
		t.Fatalf("exit code=%d, want %d", code, exitBrokerUnreachable)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("connect timeout not honored: %v", elapsed)
	}
}

func TestRunExitsOnMissingOrInvalidParams(t *testing.T) {
	testlog.Start(t)
	hub, addr := startBroker(t)
	key := protocol.MeisterParamKey("default", "h1")

	err := run(context.Background(), testOptions(t, addr), key)
	if code := exitCode(t, err); code != exitParamsMissing {
		t.Fatalf("missing key: exit code=%d, want %d", code, exitParamsMissing)
	}

	if err := hub.Set(context.Background(), key, []byte("{not json")); err != nil {
		t.Fatalf("set: %v", err)
	}
	err = run(context.Background(), testOptions(t, addr), key)
	if code := exitCode(t, err); code != exitParamsInvalid {
		t.Fatalf("invalid params: exit code=%d, want %d", code, exitParamsInvalid)
	}
}
