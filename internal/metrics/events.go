package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	EventTransition       = "transition"
	EventRepeat           = "repeat"
	EventRecordGap        = "record_gap"
	EventRejected         = "rejected"
	EventFetch            = "fetch"
	EventPeerUnreachable  = "peer_unreachable"
	EventStoreUnavailable = "store_unavailable"
	EventReaped           = "reaped"
	EventAnswer           = "answer"
	EventExchangeFailed   = "exchange_failed"
)

// Event is one structured occurrence on a node. Err is set for failures and
// feeds the error report.
type Event struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Err       string    `json:"err,omitempty"`
}

// Events is a bounded ring of the most recent events.
type Events struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewEvents(capacity int) *Events {
	if capacity <= 0 {
		capacity = 64
	}
	return &Events{cap: capacity}
}

func (r *Events) Add(ev Event) {
	if r == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *Events) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}

// Errors returns only the events that carry an error.
func (r *Events) Errors() []Event {
	var out []Event
	for _, ev := range r.List() {
		if ev.Err != "" {
			out = append(out, ev)
		}
	}
	return out
}

// ErrorReport renders error events one per line, oldest first. It is empty
// when nothing failed.
func ErrorReport(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Err == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s", ev.At.Format(time.RFC3339Nano), ev.Kind)
		if ev.SessionID != "" {
			fmt.Fprintf(&b, " session=%s", ev.SessionID)
		}
		if ev.Peer != "" {
			fmt.Fprintf(&b, " peer=%s", ev.Peer)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&b, " %s", ev.Detail)
		}
		fmt.Fprintf(&b, ": %s\n", ev.Err)
	}
	return b.String()
}
