package session

import (
	"testing"
	"time"

	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/testutil"
)

// Each input byte is one request: the low two bits pick the record type and
// the rest an explicit record number, zero meaning none.
func FuzzApplySequence(f *testing.F) {
	f.Add([]byte{1, 2, 2, 3})
	f.Add([]byte{1, 2 | 4<<2, 3, 3})
	f.Add([]byte{0, 2, 1, 1})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapPayload(data)
		testutil.Within(t, time.Second, func() {
			var cur *Session
			now := t0
			for _, b := range data {
				now = now.Add(time.Millisecond)
				req := in(proto.RecordType(b&3) + 1)
				if n := uint64(b >> 2); n > 0 {
					req.RecordNumber = &n
				}
				tr, err := Apply(cur, "s", req, now, DefaultGrace)
				if err != nil {
					continue
				}
				if cur != nil {
					if tr.Next.Phase < cur.Phase {
						t.Fatalf("phase reversed %s -> %s", cur.Phase, tr.Next.Phase)
					}
					if tr.Next.LastRecordNumber < cur.LastRecordNumber {
						t.Fatalf("record number decreased %d -> %d", cur.LastRecordNumber, tr.Next.LastRecordNumber)
					}
					if tr.Outcome.Changed() && !tr.Next.LastUpdatedAt.After(cur.LastUpdatedAt) {
						t.Fatalf("stamp did not advance")
					}
				}
				next := tr.Next
				cur = &next
			}
		})
	})
}
