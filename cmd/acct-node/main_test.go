package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/daemon"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/store"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "acct-node") {
		t.Fatalf("expected help output to mention acct-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestRunRejectsBadStore(t *testing.T) {
	t.Setenv("ACCT_STORE", "sqlite")
	t.Setenv("ACCT_STORE_PATH", "")
	var out, errOut bytes.Buffer
	if code := run([]string{"run", "--addr", "127.0.0.1:0"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "ACCT_STORE_PATH") {
		t.Fatalf("expected store path error, got: %s", errOut.String())
	}
}

func TestControlCommandsNeedTarget(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"fetch", "--addr", "127.0.0.1:1"}, &out, &errOut); code != 1 {
		t.Fatalf("expected fetch without target to fail")
	}
	if code := run([]string{"peer-down", "--addr", "127.0.0.1:1"}, &out, &errOut); code != 1 {
		t.Fatalf("expected peer-down without peer to fail")
	}
	if !strings.Contains(errOut.String(), "missing --session or --owner") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestFetchAndPeerDownAgainstNode(t *testing.T) {
	shared := store.NewMemory()
	cfg := config.Node{
		OriginHost:      "node-b",
		OriginRealm:     "example.net",
		ListenAddr:      "127.0.0.1:0",
		Store:           config.StoreMemory,
		StoreTimeout:    time.Second,
		ClosedGrace:     30 * time.Second,
		ReapInterval:    time.Hour,
		MetricsInterval: time.Hour,
	}
	runner, err := daemon.NewRunner(cfg, daemon.Options{Store: shared})
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, ready) }()
	defer func() {
		cancel()
		<-done
	}()
	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner not ready")
	}

	// node-a wrote the session before going away
	other, err := daemon.NewRunner(config.Node{
		OriginHost: "node-a", ListenAddr: "127.0.0.1:0", Store: config.StoreMemory,
		StoreTimeout: time.Second, ClosedGrace: time.Minute,
	}, daemon.Options{Store: shared})
	if err != nil {
		t.Fatalf("second runner failed: %v", err)
	}
	if _, err := other.Self.Responder().HandleRequest(context.Background(), proto.NewAccountingRequest("S", proto.RecordInitial, "client", "example.net")); err != nil {
		t.Fatalf("initial failed: %v", err)
	}
	other.Close()

	var out, errOut bytes.Buffer
	if code := run([]string{"peer-down", "--addr", addr, "--peer", "node-a"}, &out, &errOut); code != 0 {
		t.Fatalf("peer-down failed: %s", errOut.String())
	}
	if code := run([]string{"fetch", "--addr", addr, "--session", "S"}, &out, &errOut); code != 0 {
		t.Fatalf("fetch failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "session=S phase=OPEN record=0") {
		t.Fatalf("unexpected fetch output: %s", out.String())
	}
	if code := run([]string{"fetch", "--addr", addr, "--session", "nope"}, &out, &errOut); code != 1 {
		t.Fatalf("expected fetch of unknown session to fail")
	}
	if !strings.Contains(errOut.String(), "session not found") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestStatusPrintsSnapshot(t *testing.T) {
	m := metrics.New()
	m.CountRequest(metrics.RoleResponder, false, "INITIAL")
	m.CountAnswer(metrics.RoleResponder, true, "INITIAL", "SUCCESS")
	m.IncStoreCommit()
	m.SetSessions(1)
	m.Events().Add(metrics.Event{Kind: metrics.EventStoreUnavailable, SessionID: "S", Err: "store unavailable"})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--metrics", path}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %s", errOut.String())
	}
	for _, want := range []string{"sessions: 1", "commits=1", "received INITIAL: 1", "answered SUCCESS: 1", "store_unavailable session=S"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, out.String())
		}
	}
}
