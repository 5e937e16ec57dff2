package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/node"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/session"
	"github.com/ConorIT/jdiameter/internal/store"
)

func testConfig(host string) config.Node {
	return config.Node{
		OriginHost:      host,
		OriginRealm:     "example.net",
		ListenAddr:      "127.0.0.1:0",
		Store:           config.StoreMemory,
		StoreTimeout:    200 * time.Millisecond,
		ClosedGrace:     30 * time.Second,
		ReapInterval:    time.Hour,
		MetricsInterval: time.Hour,
	}
}

// startRunner serves r until the returned stop function is called.
func startRunner(t *testing.T, r *Runner) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, ready)
	}()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		_ = r.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runner %s returned %v", r.Self.OriginHost(), err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("runner %s did not stop", r.Self.OriginHost())
		}
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

func newTestRunner(t *testing.T, cfg config.Node, st store.SessionStore) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, Options{Store: st})
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	return r
}

func newTestClient(t *testing.T) *network.Client {
	t.Helper()
	c, err := network.NewClient(network.ClientOptions{})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestQUICSessionFlowWithTakeover(t *testing.T) {
	shared := store.NewMemory()
	ra := newTestRunner(t, testConfig("node-a"), shared)
	rb := newTestRunner(t, testConfig("node-b"), shared)
	addrA, stopA := startRunner(t, ra)
	addrB, _ := startRunner(t, rb)

	client := newTestClient(t)
	cn, err := node.New(node.Options{OriginHost: "client", Store: store.NewMemory()})
	if err != nil {
		t.Fatalf("client node failed: %v", err)
	}
	for _, p := range []peer.Peer{{Identity: "node-a", Addr: addrA}, {Identity: "node-b", Addr: addrB}} {
		if err := cn.Peers().Upsert(p, false); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	initiator, err := cn.Initiator(node.InitiatorOptions{
		Exchanger:      node.NewQUICExchanger(client),
		RequestTimeout: 3 * time.Second,
		RetryInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("initiator failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	id := initiator.CreateSession()
	ans, err := initiator.SendInitial(ctx)
	if err != nil || ans.ResultCode != proto.ResultSuccess || ans.OriginHost != "node-a" {
		t.Fatalf("initial: ans=%+v err=%v", ans, err)
	}
	if ans, err = initiator.SendInterim(ctx); err != nil || ans.RecordNumber != 1 {
		t.Fatalf("interim on node-a: ans=%+v err=%v", ans, err)
	}

	stopA()
	cn.Responder().OnPeerUnreachable("node-a")
	if err := SendPeerDown(ctx, client, addrB, "node-a"); err != nil {
		t.Fatalf("peer down failed: %v", err)
	}
	res, err := SendFetch(ctx, client, addrB, id, "")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Phase != session.PhaseOpen.String() || res.RecordNumber != 1 {
		t.Fatalf("unexpected fetch result %+v", res)
	}

	if ans, err = initiator.SendInterim(ctx); err != nil || ans.OriginHost != "node-b" || ans.RecordNumber != 2 {
		t.Fatalf("interim on node-b: ans=%+v err=%v", ans, err)
	}
	if ans, err = initiator.SendTermination(ctx); err != nil || ans.ResultCode != proto.ResultSuccess {
		t.Fatalf("termination on node-b: ans=%+v err=%v", ans, err)
	}
	if !initiator.Passed() {
		t.Fatalf("expected passed exchange:\n%s", initiator.ErrorReport())
	}

	snap := rb.Metrics.Snapshot()
	if snap.RecvByType[proto.MsgTypeFetch] != 1 || snap.RecvByType[proto.MsgTypePeerDown] != 1 {
		t.Fatalf("unexpected control counters %+v", snap.RecvByType)
	}
	found := false
	for _, ev := range snap.Recent {
		if ev.Kind == metrics.EventPeerUnreachable && ev.Peer == "node-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("peer down not recorded on node-b")
	}
}

func TestFetchUnknownSessionOverQUIC(t *testing.T) {
	r := newTestRunner(t, testConfig("node-a"), store.NewMemory())
	addr, _ := startRunner(t, r)
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := SendFetch(ctx, client, addr, "missing", "")
	if err == nil {
		t.Fatalf("expected fetch error, got %+v", res)
	}
	if res.SessionID != "missing" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandleRejectsUnknownFrames(t *testing.T) {
	r := newTestRunner(t, testConfig("node-a"), store.NewMemory())
	defer r.Close()
	if _, err := r.Handle(context.Background(), "test", []byte(`{"type":"bogus"}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if _, err := r.Handle(context.Background(), "test", []byte(`not json`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage for garbage, got %v", err)
	}
	if _, err := r.Handle(context.Background(), "test", []byte(`{"type":"fetch"}`)); err == nil {
		t.Fatalf("expected error for fetch without target")
	}
	drops := r.Metrics.Snapshot().DropByReason
	if drops["unknown_type"] != 1 || drops["missing_type"] != 1 || drops["bad_fetch"] != 1 {
		t.Fatalf("unexpected drops %+v", drops)
	}
}

func TestHandleStoreUnavailableAnswersTooBusy(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig("node-a")
	cfg.StoreTimeout = 20 * time.Millisecond
	r := newTestRunner(t, cfg, st)
	defer r.Close()
	st.SetUnavailable(true)
	payload, err := proto.EncodeMessage(proto.NewAccountingRequest("S", proto.RecordInitial, "client", "example.net"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := r.Handle(context.Background(), "test", payload)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	ans, err := proto.DecodeAccountingAnswer(out)
	if err != nil {
		t.Fatalf("decode answer failed: %v", err)
	}
	if ans.ResultCode != proto.ResultTooBusy {
		t.Fatalf("expected TooBusy, got %s", ans.ResultCode)
	}
}

func TestReapOnce(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig("node-a")
	cfg.ClosedGrace = time.Millisecond
	r := newTestRunner(t, cfg, st)
	defer r.Close()
	resp := r.Self.Responder()
	for _, rt := range []proto.RecordType{proto.RecordInitial, proto.RecordTermination} {
		if _, err := resp.HandleRequest(context.Background(), proto.NewAccountingRequest("S", rt, "client", "example.net")); err != nil {
			t.Fatalf("handle %s failed: %v", rt, err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	ids := r.ReapOnce(context.Background())
	if len(ids) != 1 || ids[0] != "S" {
		t.Fatalf("expected S reaped, got %v", ids)
	}
	if _, err := st.Get(context.Background(), "S"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected S removed from store, got %v", err)
	}
	if got := r.Metrics.Snapshot().Store.Reaped; got != 1 {
		t.Fatalf("expected 1 reaped, got %d", got)
	}
}

func TestSweepOnceRemovesUncachedRows(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig("node-a")
	cfg.ClosedGrace = time.Millisecond
	r := newTestRunner(t, cfg, st)
	defer r.Close()
	resp := r.Self.Responder()
	for _, rt := range []proto.RecordType{proto.RecordInitial, proto.RecordTermination} {
		if _, err := resp.HandleRequest(context.Background(), proto.NewAccountingRequest("S", rt, "client", "example.net")); err != nil {
			t.Fatalf("handle %s failed: %v", rt, err)
		}
	}
	r.Self.Registry().Evict("S")
	time.Sleep(10 * time.Millisecond)
	if ids := r.SweepOnce(context.Background()); len(ids) != 1 {
		t.Fatalf("expected S swept, got %v", ids)
	}
	if _, err := st.Get(context.Background(), "S"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected S removed from store, got %v", err)
	}
}

func TestOpenStoreKinds(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		kind string
		path string
	}{
		{config.StoreMemory, ""},
		{config.StoreJournal, filepath.Join(dir, "sessions.jsonl")},
		{config.StoreSQLite, filepath.Join(dir, "sessions.db")},
	} {
		cfg := testConfig("node-a")
		cfg.Store = tc.kind
		cfg.StorePath = tc.path
		r, err := NewRunner(cfg, Options{})
		if err != nil {
			t.Fatalf("runner with %s store failed: %v", tc.kind, err)
		}
		if _, err := r.Self.Responder().HandleRequest(context.Background(), proto.NewAccountingRequest("S", proto.RecordInitial, "client", "example.net")); err != nil {
			t.Fatalf("%s: initial failed: %v", tc.kind, err)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("%s: close failed: %v", tc.kind, err)
		}
	}
	cfg := testConfig("node-a")
	cfg.Store = "redis"
	if _, err := NewRunner(cfg, Options{}); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestSnapshotWrittenOnStop(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.MetricsPath = filepath.Join(t.TempDir(), "metrics.json")
	r := newTestRunner(t, cfg, store.NewMemory())
	_, stop := startRunner(t, r)
	stop()
	snap, err := metrics.ReadSnapshot(cfg.MetricsPath)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatalf("empty snapshot")
	}
}
