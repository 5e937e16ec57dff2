package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/ConorIT/jdiameter/internal/session"
)

// MaxLinesPerFile bounds the journal before it is compacted in place.
var MaxLinesPerFile = 4096

const (
	opPut    = "put"
	opRemove = "remove"
)

type journalRecord struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Session json.RawMessage `json:"session,omitempty"`
	Sum     string          `json:"sum,omitempty"`
}

// Journal is a SessionStore kept in an append-only JSONL file. Every read
// replays the file, so several processes pointed at the same path observe
// each other's writes. An advisory lock on <path>.lock serializes writers
// and compaction across processes. Lines that fail their checksum are
// skipped.
type Journal struct {
	mu    sync.Mutex
	path  string
	lines int
}

func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	j := &Journal{path: path}
	var lines int
	err := j.withFileLock(false, func() error {
		var err error
		_, lines, err = j.replay()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	j.lines = lines
	return j, nil
}

func (j *Journal) Path() string {
	return j.path
}

// withFileLock runs fn holding the cross-process lock for the journal.
// Readers share it; anything that appends or rewrites holds it exclusively.
func (j *Journal) withFileLock(exclusive bool, fn func() error) error {
	f, err := os.OpenFile(j.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open journal lock: %w", err)
	}
	defer f.Close()
	if err := lockFile(f, exclusive); err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	defer func() { _ = unlockFile(f) }()
	return fn()
}

func checksum(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (j *Journal) replay() (map[string]session.Session, int, error) {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	out := make(map[string]session.Session)
	lines := 0
	sc := newScanner(f)
	for sc.Scan() {
		lines++
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case opRemove:
			delete(out, rec.ID)
		case opPut:
			if checksum(rec.Session) != rec.Sum {
				continue
			}
			var s session.Session
			if err := json.Unmarshal(rec.Session, &s); err != nil {
				continue
			}
			if cur, ok := out[s.ID]; ok && !s.Newer(cur) {
				continue
			}
			out[s.ID] = s
		}
	}
	return out, lines, sc.Err()
}

func (j *Journal) appendLocked(rec journalRecord) error {
	if err := AppendJSONL(j.path, rec); err != nil {
		return err
	}
	j.lines++
	if MaxLinesPerFile > 0 && j.lines > MaxLinesPerFile {
		return j.compactLocked()
	}
	return nil
}

func putRecord(s session.Session) (journalRecord, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return journalRecord{}, err
	}
	return journalRecord{Op: opPut, ID: s.ID, Session: data, Sum: checksum(data)}, nil
}

func (j *Journal) Create(ctx context.Context, s session.Session) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.ID == "" {
		return fmt.Errorf("missing session id")
	}
	rec, err := putRecord(s)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.withFileLock(true, func() error {
		live, _, err := j.replay()
		if err != nil {
			return err
		}
		if _, ok := live[s.ID]; ok {
			return ErrExists
		}
		return j.appendLocked(rec)
	})
}

func (j *Journal) Put(ctx context.Context, s session.Session) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.ID == "" {
		return fmt.Errorf("missing session id")
	}
	rec, err := putRecord(s)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.withFileLock(true, func() error { return j.appendLocked(rec) })
}

func (j *Journal) Get(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	live, err := j.snapshot()
	if err != nil {
		return session.Session{}, err
	}
	s, ok := live[id]
	if !ok {
		return session.Session{}, ErrNotFound
	}
	return s, nil
}

func (j *Journal) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.withFileLock(true, func() error {
		return j.appendLocked(journalRecord{Op: opRemove, ID: id})
	})
}

func (j *Journal) List(ctx context.Context) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	live, err := j.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(live))
	for _, s := range live {
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

// snapshot replays the journal under a shared lock.
func (j *Journal) snapshot() (map[string]session.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var live map[string]session.Session
	err := j.withFileLock(false, func() error {
		var err error
		live, _, err = j.replay()
		return err
	})
	return live, err
}

// Compact rewrites the journal with one line per live session.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.withFileLock(true, j.compactLocked)
}

func (j *Journal) compactLocked() error {
	live, _, err := j.replay()
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, s := range live {
		rec, err := putRecord(s)
		if err != nil {
			_ = f.Close()
			return err
		}
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename; Windows refuses to rename open files
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	syncDir(j.path)
	j.lines = len(live)
	return nil
}

func (j *Journal) Close() error {
	return nil
}

var _ SessionStore = (*Journal)(nil)
