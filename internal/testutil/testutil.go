// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"testing"
	"time"
)

const (
	MaxFuzzPayload     = 1 << 16
	DefaultFuzzTimeout = 100 * time.Millisecond
)

// Clock is a manually advanced time source for registry and session tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// CapPayload truncates fuzz input to a frame-sized payload.
func CapPayload(b []byte) []byte {
	if len(b) > MaxFuzzPayload {
		return b[:MaxFuzzPayload]
	}
	return b
}

// Within fails t when fn does not return in d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
