// Package session holds the accounting session record and the phase state
// machine that every node applies before committing a transition.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrUnknownSession    = errors.New("unknown session")
	ErrSessionClosed     = errors.New("session closed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidRecordType = errors.New("invalid record type")
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseOpen:
		return "OPEN"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
}

func ParsePhase(s string) (Phase, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE":
		return PhaseIdle, nil
	case "OPEN":
		return PhaseOpen, nil
	case "CLOSED":
		return PhaseClosed, nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Session is the replicated record for one accounting session. The same
// layout is written to every store backend.
type Session struct {
	ID               string    `json:"session_id"`
	Phase            Phase     `json:"phase"`
	OriginHost       string    `json:"origin_host"`
	OriginRealm      string    `json:"origin_realm"`
	LastRecordNumber uint64    `json:"last_record_number"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	ClosedAt         time.Time `json:"closed_at,omitzero"`
	Owner            string    `json:"owner,omitempty"`
}

func (s Session) Open() bool {
	return s.Phase == PhaseOpen
}

// Expired reports whether a closed session has outlived its grace period.
func (s Session) Expired(now time.Time, grace time.Duration) bool {
	if s.Phase != PhaseClosed {
		return false
	}
	return !now.Before(s.ClosedAt.Add(grace))
}

// Newer reports whether s should replace other under last-writer-wins.
// Equal timestamps resolve in favour of the incoming write.
func (s Session) Newer(other Session) bool {
	return !s.LastUpdatedAt.Before(other.LastUpdatedAt)
}
