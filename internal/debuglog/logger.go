// Package debuglog writes operator logs to stderr. Debug output is gated by
// ACCT_DEBUG=1 or SetDebug and goes through a bounded async queue so
// request goroutines never block on the terminal.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 2048

type logger struct {
	once    sync.Once
	ch      chan string
	pending sync.WaitGroup
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()

	// -1 defers to the environment.
	debugOverride atomic.Int32

	outMu sync.Mutex
	out   io.Writer = os.Stderr
)

func init() {
	debugOverride.Store(-1)
}

// SetDebug forces debug output on or off regardless of ACCT_DEBUG.
func SetDebug(on bool) {
	if on {
		debugOverride.Store(1)
		return
	}
	debugOverride.Store(0)
}

// SetOutput redirects log output. It returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

func Enabled() bool {
	switch debugOverride.Load() {
	case 0:
		return false
	case 1:
		return true
	}
	return os.Getenv("ACCT_DEBUG") == "1"
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
				l.pending.Done()
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		write(msg)
		return
	}
	global.start()
	global.pending.Add(1)
	select {
	case global.ch <- msg:
	default:
		// dropped when saturated
		global.pending.Done()
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

// Flush waits until queued messages have been written.
func Flush() {
	global.pending.Wait()
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
