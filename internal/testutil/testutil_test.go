package testutil

import (
	"testing"
	"time"
)

func TestClockAdvance(t *testing.T) {
	c := NewClock()
	start := c.Now()
	c.Advance(time.Minute)
	if got := c.Now().Sub(start); got != time.Minute {
		t.Fatalf("expected one minute, got %v", got)
	}
}

func TestCapPayload(t *testing.T) {
	big := make([]byte, MaxFuzzPayload+10)
	if got := len(CapPayload(big)); got != MaxFuzzPayload {
		t.Fatalf("expected %d bytes, got %d", MaxFuzzPayload, got)
	}
	if got := len(CapPayload([]byte("x"))); got != 1 {
		t.Fatalf("short input changed: %d", got)
	}
}
