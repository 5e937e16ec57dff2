// Package store defines the shared session store contract and the backends
// that live in this package: an in-process replicated map and an
// append-only JSONL journal.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ConorIT/jdiameter/internal/session"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrUnavailable = errors.New("store unavailable")
)

// SessionStore is the cluster-wide mapping from session id to session
// state. Put is last-writer-wins on LastUpdatedAt; Create only succeeds for
// an absent key.
type SessionStore interface {
	Create(ctx context.Context, s session.Session) error
	Put(ctx context.Context, s session.Session) error
	Get(ctx context.Context, id string) (session.Session, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]session.Session, error)
	Close() error
}

// Memory is a SessionStore shared by every node in one process. Handing the
// same *Memory to several nodes models a replicated datasource with
// read-your-writes visibility.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]session.Session
	unavailable atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]session.Session)}
}

// SetUnavailable simulates losing connectivity to the store. While set,
// calls block until their context ends.
func (m *Memory) SetUnavailable(v bool) {
	m.unavailable.Store(v)
}

func (m *Memory) reachable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.unavailable.Load() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		return ErrUnavailable
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
}

func (m *Memory) Create(ctx context.Context, s session.Session) error {
	if err := m.reachable(ctx); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("missing session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Put(ctx context.Context, s session.Session) error {
	if err := m.reachable(ctx); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("missing session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && !s.Newer(cur) {
		return nil
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (session.Session, error) {
	if err := m.reachable(ctx); err != nil {
		return session.Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := m.reachable(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]session.Session, error) {
	if err := m.reachable(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func sortSessions(out []session.Session) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}

var _ SessionStore = (*Memory)(nil)
