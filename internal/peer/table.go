package peer

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/store"
)

const (
	DefaultCap      = 512
	maxPeerScanSize = 2 * proto.MaxFrameSize
)

type State uint8

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "connected":
		*s = StateConnected
	case "disconnected":
		*s = StateDisconnected
	default:
		return fmt.Errorf("unknown peer state %q", b)
	}
	return nil
}

type Peer struct {
	Identity string    `json:"identity"`
	Addr     string    `json:"addr"`
	State    State     `json:"state"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

type Options struct {
	Cap int
	// Path, when set, is a JSONL file of known peers loaded on start and
	// appended to by persisted upserts.
	Path string
}

// Table is a node's view of the other accounting endpoints.
type Table struct {
	mu    sync.Mutex
	path  string
	cap   int
	hot   map[string]*list.Element
	order *list.List
}

type entry struct {
	peer Peer
}

type diskPeer struct {
	Identity string `json:"identity"`
	Addr     string `json:"addr"`
}

func NewTable(opts Options) (*Table, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	t := &Table{
		path:  opts.Path,
		cap:   capacity,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
	if t.path != "" {
		if err := os.MkdirAll(filepath.Dir(t.path), 0700); err != nil {
			return nil, err
		}
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Upsert records a peer. A known peer keeps its address when p.Addr is
// empty. persist appends the peer to the table file.
func (t *Table) Upsert(p Peer, persist bool) error {
	p.Identity = strings.TrimSpace(p.Identity)
	if p.Identity == "" {
		return fmt.Errorf("missing peer identity")
	}
	t.mu.Lock()
	if el, ok := t.hot[p.Identity]; ok {
		ent := el.Value.(*entry)
		if p.Addr == "" {
			p.Addr = ent.peer.Addr
		}
		if p.LastSeen.IsZero() {
			p.LastSeen = ent.peer.LastSeen
		}
		ent.peer = p
		t.order.MoveToFront(el)
	} else {
		if t.cap > 0 && len(t.hot) >= t.cap {
			t.evictLocked(len(t.hot) - t.cap + 1)
		}
		t.hot[p.Identity] = t.order.PushFront(&entry{peer: p})
	}
	t.mu.Unlock()
	if !persist || t.path == "" {
		return nil
	}
	return store.AppendJSONL(t.path, diskPeer{Identity: p.Identity, Addr: p.Addr})
}

// SetState moves a known peer to state. It reports false for an unknown
// identity.
func (t *Table) SetState(identity string, state State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[identity]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	ent.peer.State = state
	if state == StateConnected {
		ent.peer.LastSeen = time.Now()
	}
	return true
}

// Seen marks a peer connected after a successful exchange.
func (t *Table) Seen(identity string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.hot[identity]; ok {
		ent := el.Value.(*entry)
		ent.peer.State = StateConnected
		ent.peer.LastSeen = at
		t.order.MoveToFront(el)
	}
}

func (t *Table) Get(identity string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[identity]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

// List returns every peer ordered by identity.
func (t *Table) List() []Peer {
	t.mu.Lock()
	out := make([]Peer, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (t *Table) Connected() []Peer {
	all := t.List()
	out := all[:0]
	for _, p := range all {
		if p.State == StateConnected {
			out = append(out, p)
		}
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hot)
}

func (t *Table) evictLocked(n int) {
	for n > 0 {
		el := t.order.Back()
		if el == nil {
			return
		}
		delete(t.hot, el.Value.(*entry).peer.Identity)
		t.order.Remove(el)
		n--
	}
}

// load replays the table file; later lines win.
func (t *Table) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxPeerScanSize)
	for sc.Scan() {
		var rec diskPeer
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Identity == "" {
			continue
		}
		_ = t.Upsert(Peer{Identity: rec.Identity, Addr: rec.Addr}, false)
	}
	return sc.Err()
}

// ParseList parses "identity=addr" pairs separated by commas. A bare
// address is its own identity.
func ParseList(s string) ([]Peer, error) {
	var out []Peer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		identity, addr, ok := strings.Cut(part, "=")
		if !ok {
			identity, addr = part, part
		}
		identity = strings.TrimSpace(identity)
		addr = strings.TrimSpace(addr)
		if identity == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q", part)
		}
		out = append(out, Peer{Identity: identity, Addr: addr})
	}
	return out, nil
}
