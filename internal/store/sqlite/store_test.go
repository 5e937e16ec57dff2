package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ConorIT/jdiameter/internal/session"
	"github.com/ConorIT/jdiameter/internal/store"
)

var t0 = time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sample(id string, phase session.Phase, record uint64, at time.Time) session.Session {
	return session.Session{
		ID:               id,
		Phase:            phase,
		OriginHost:       "client.example",
		OriginRealm:      "example",
		LastRecordNumber: record,
		CreatedAt:        t0,
		LastUpdatedAt:    at,
		Owner:            "node-a",
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCreateRejectsExisting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Create(ctx, sample("s1", session.PhaseOpen, 0, t0)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := st.Create(ctx, sample("s1", session.PhaseOpen, 0, t0)); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestPutLastWriterWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Put(ctx, sample("s1", session.PhaseOpen, 2, t0.Add(2*time.Millisecond))); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := st.Put(ctx, sample("s1", session.PhaseOpen, 1, t0.Add(time.Millisecond))); err != nil {
		t.Fatalf("stale put failed: %v", err)
	}
	got, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LastRecordNumber != 2 {
		t.Fatalf("expected record 2 to survive, got %d", got.LastRecordNumber)
	}

	closed := sample("s1", session.PhaseClosed, 3, t0.Add(2*time.Millisecond))
	closed.ClosedAt = closed.LastUpdatedAt
	if err := st.Put(ctx, closed); err != nil {
		t.Fatalf("tie put failed: %v", err)
	}
	got, err = st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Phase != session.PhaseClosed || !got.ClosedAt.Equal(closed.ClosedAt) {
		t.Fatalf("expected tie to overwrite, got %+v", got)
	}
}

func TestNanosecondStampsSurvive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	at := t0.Add(123456789 * time.Nanosecond)
	if err := st.Create(ctx, sample("s1", session.PhaseOpen, 0, at)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// one nanosecond earlier must still lose
	if err := st.Put(ctx, sample("s1", session.PhaseOpen, 9, at.Add(-time.Nanosecond))); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := st.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.LastUpdatedAt.Equal(at) || got.LastRecordNumber != 0 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if !got.ClosedAt.IsZero() {
		t.Fatalf("expected zero closed_at, got %v", got.ClosedAt)
	}
	if got.Owner != "node-a" {
		t.Fatalf("expected owner node-a, got %q", got.Owner)
	}
}

func TestRemoveAndList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		if err := st.Put(ctx, sample(id, session.PhaseOpen, 0, t0)); err != nil {
			t.Fatalf("put %s failed: %v", id, err)
		}
	}
	if err := st.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := st.Remove(ctx, "missing"); err != nil {
		t.Fatalf("remove of absent id failed: %v", err)
	}
	if _, err := st.Get(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "c" {
		t.Fatalf("unexpected list: %+v", all)
	}
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := st.Create(context.Background(), sample("s1", session.PhaseOpen, 0, t0)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if got.Phase != session.PhaseOpen {
		t.Fatalf("unexpected phase %v", got.Phase)
	}
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	st := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExtractUpMigration(t *testing.T) {
	got := extractUpMigration("-- +migrate Up\nCREATE TABLE t (x);\n-- +migrate Down\nDROP TABLE t;\n")
	if got != "\nCREATE TABLE t (x);\n" {
		t.Fatalf("unexpected up section %q", got)
	}
}
