package session

import (
	"fmt"
	"time"

	"github.com/ConorIT/jdiameter/internal/proto"
)

// DefaultGrace is how long a closed session answers duplicate
// terminations with success before it is reaped.
const DefaultGrace = 30 * time.Second

type Input struct {
	RecordType   proto.RecordType
	RecordNumber *uint64
	OriginHost   string
	OriginRealm  string
	Owner        string
}

type Outcome uint8

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeAdvanced
	OutcomeClosed
	// OutcomeRepeat is an accepted retransmission; nothing is written.
	OutcomeRepeat
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeClosed:
		return "closed"
	case OutcomeRepeat:
		return "repeat"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Changed reports whether the outcome must be committed to the store.
func (o Outcome) Changed() bool {
	return o == OutcomeCreated || o == OutcomeAdvanced || o == OutcomeClosed
}

type Transition struct {
	Next    Session
	Outcome Outcome
	// Gap is set when the request skipped record numbers.
	Gap bool
}

// Apply validates in against the current state of session id and returns
// the next state. A nil cur is the Idle phase. Apply never mutates cur.
func Apply(cur *Session, id string, in Input, now time.Time, grace time.Duration) (Transition, error) {
	if !in.RecordType.Session() {
		return Transition{}, fmt.Errorf("%w: %s", ErrInvalidRecordType, in.RecordType)
	}
	if cur == nil || cur.Phase == PhaseIdle {
		if in.RecordType != proto.RecordInitial {
			return Transition{}, fmt.Errorf("%w: %s for %s", ErrUnknownSession, in.RecordType, id)
		}
		next := Session{
			ID:               id,
			Phase:            PhaseOpen,
			OriginHost:       in.OriginHost,
			OriginRealm:      in.OriginRealm,
			LastRecordNumber: 0,
			CreatedAt:        now,
			LastUpdatedAt:    now,
			Owner:            in.Owner,
		}
		return Transition{Next: next, Outcome: OutcomeCreated}, nil
	}

	next := *cur
	switch cur.Phase {
	case PhaseOpen:
		switch in.RecordType {
		case proto.RecordInitial:
			return Transition{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
		case proto.RecordInterim:
			if in.RecordNumber != nil && *in.RecordNumber <= cur.LastRecordNumber {
				return Transition{Next: next, Outcome: OutcomeRepeat}, nil
			}
			gap := advance(&next, in, now)
			return Transition{Next: next, Outcome: OutcomeAdvanced, Gap: gap}, nil
		default:
			gap := advance(&next, in, now)
			next.Phase = PhaseClosed
			next.ClosedAt = next.LastUpdatedAt
			return Transition{Next: next, Outcome: OutcomeClosed, Gap: gap}, nil
		}
	case PhaseClosed:
		if in.RecordType == proto.RecordTermination && !cur.Expired(now, grace) {
			return Transition{Next: next, Outcome: OutcomeRepeat}, nil
		}
		return Transition{}, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return Transition{}, fmt.Errorf("unexpected phase %s for %s", cur.Phase, id)
}

// advance bumps the record counter. An explicit record number further ahead
// than the next expected one moves the counter forward to it.
func advance(s *Session, in Input, now time.Time) bool {
	expected := s.LastRecordNumber + 1
	s.LastRecordNumber = expected
	gap := false
	if in.RecordNumber != nil && *in.RecordNumber > expected {
		s.LastRecordNumber = *in.RecordNumber
		gap = true
	}
	s.LastUpdatedAt = stamp(s.LastUpdatedAt, now)
	if in.Owner != "" {
		s.Owner = in.Owner
	}
	return gap
}

// stamp keeps LastUpdatedAt strictly increasing per session so a peer with a
// lagging clock cannot lose its write under last-writer-wins.
func stamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
