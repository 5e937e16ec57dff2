package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/daemon"
	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/node"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/store"
)

func startNode(t *testing.T, host string, st store.SessionStore) (string, func()) {
	t.Helper()
	runner, err := daemon.NewRunner(config.Node{
		OriginHost:      host,
		OriginRealm:     "example.net",
		ListenAddr:      "127.0.0.1:0",
		Store:           config.StoreMemory,
		StoreTimeout:    time.Second,
		ClosedGrace:     30 * time.Second,
		ReapInterval:    time.Hour,
		MetricsInterval: time.Hour,
	}, daemon.Options{Store: st})
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, ready) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			_ = runner.Close()
		})
	}
	t.Cleanup(stop)
	select {
	case addr := <-ready:
		return addr, stop
	case err := <-done:
		t.Fatalf("run failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner not ready")
	}
	return "", stop
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--help"}, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "acct-client") {
		t.Fatalf("expected help output to mention acct-client")
	}
}

func TestFlowPasses(t *testing.T) {
	st := store.NewMemory()
	addr, _ := startNode(t, "node-a", st)
	var out, errOut bytes.Buffer
	code := run([]string{"flow", "--peers", "node-a=" + addr, "--interims", "2"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("flow failed (%d): %s\n%s", code, out.String(), errOut.String())
	}
	text := out.String()
	if !strings.Contains(text, "PASSED") {
		t.Fatalf("expected PASSED, got:\n%s", text)
	}
	if !strings.Contains(text, "TERMINATE result=2001 SUCCESS record=3 from=node-a") {
		t.Fatalf("unexpected termination line:\n%s", text)
	}
	sessions, err := st.List(context.Background())
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one stored session, got %d err=%v", len(sessions), err)
	}
}

func TestFlowFailsWithoutReachablePeer(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"flow", "--peers", "node-a=127.0.0.1:1", "--timeout", "500ms"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "FAILED") || !strings.Contains(out.String(), "exchange_failed") {
		t.Fatalf("expected failure report, got:\n%s", out.String())
	}
}

func TestSendReportsNegativeAnswer(t *testing.T) {
	addr, _ := startNode(t, "node-a", store.NewMemory())
	var out, errOut bytes.Buffer
	args := []string{"send", "--peer", addr, "--type", "initial", "--session", "X"}
	if code := run(args, &out, &errOut); code != 0 {
		t.Fatalf("first initial failed: %s", errOut.String())
	}
	out.Reset()
	if code := run(args, &out, &errOut); code != 2 {
		t.Fatalf("expected exit code 2 for duplicate, got %d", code)
	}
	if !strings.Contains(out.String(), "DUPLICATE_SESSION") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestSendValidatesArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"send", "--type", "initial"}, &out, &errOut); code != 1 {
		t.Fatalf("expected missing peer to fail")
	}
	if code := run([]string{"send", "--peer", "127.0.0.1:1", "--type", "bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected bad record type to fail")
	}
	if !strings.Contains(errOut.String(), "unknown record type") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestTakeOverMovesSessionToNextPeer(t *testing.T) {
	shared := store.NewMemory()
	addrA, stopA := startNode(t, "node-a", shared)
	addrB, _ := startNode(t, "node-b", shared)

	client, err := network.NewClient(network.ClientOptions{})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	defer client.Close()
	self, err := node.New(node.Options{OriginHost: "client", Store: store.NewMemory()})
	if err != nil {
		t.Fatalf("client node failed: %v", err)
	}
	for _, p := range []peer.Peer{{Identity: "node-a", Addr: addrA}, {Identity: "node-b", Addr: addrB}} {
		if err := self.Peers().Upsert(p, false); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	initiator, err := self.Initiator(node.InitiatorOptions{Exchanger: node.NewQUICExchanger(client), RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("initiator failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	initiator.CreateSession()
	if _, err := initiator.SendInitial(ctx); err != nil {
		t.Fatalf("initial failed: %v", err)
	}
	stopA()
	if _, err := initiator.SendInterim(ctx); err == nil {
		t.Fatalf("expected interim to fail with node-a down")
	}
	ans, err := takeOver(ctx, client, self, initiator, initiator.SendInterim)
	if err != nil {
		t.Fatalf("take over failed: %v", err)
	}
	if ans.ResultCode != proto.ResultSuccess || ans.OriginHost != "node-b" || ans.RecordNumber != 1 {
		t.Fatalf("unexpected answer after take over %+v", ans)
	}
	if initiator.Routed() != "node-b" {
		t.Fatalf("expected route to move to node-b, got %q", initiator.Routed())
	}
}
