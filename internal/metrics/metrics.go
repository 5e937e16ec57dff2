package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Initiator      RoleMetrics       `json:"initiator"`
	Responder      RoleMetrics       `json:"responder"`
	Store          StoreMetrics      `json:"store"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Sessions       int               `json:"sessions"`
	Recent         []Event           `json:"recent"`
}

type RoleMetrics struct {
	Sent     Flow `json:"sent"`
	Received Flow `json:"received"`
}

// Flow counts accounting traffic in one direction. Requests and Answers are
// keyed by record type, Results by result code.
type Flow struct {
	Requests map[string]uint64 `json:"requests"`
	Answers  map[string]uint64 `json:"answers"`
	Results  map[string]uint64 `json:"results"`
}

type StoreMetrics struct {
	Commits     uint64 `json:"commits"`
	Unavailable uint64 `json:"unavailable"`
	Fetches     uint64 `json:"fetches"`
	Reaped      uint64 `json:"reaped"`
}

type Metrics struct {
	storeCommits     atomic.Uint64
	storeUnavailable atomic.Uint64
	storeFetches     atomic.Uint64
	storeReaped      atomic.Uint64
	currentConns     atomic.Int64
	currentStreams   atomic.Int64
	sessions         atomic.Int64

	mu           sync.Mutex
	roles        map[Role]*roleCounters
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	events *Events
}

type roleCounters struct {
	sent     flowCounters
	received flowCounters
}

type flowCounters struct {
	requests map[string]uint64
	answers  map[string]uint64
	results  map[string]uint64
}

func newFlowCounters() flowCounters {
	return flowCounters{
		requests: make(map[string]uint64),
		answers:  make(map[string]uint64),
		results:  make(map[string]uint64),
	}
}

func New() *Metrics {
	return &Metrics{
		roles:        make(map[Role]*roleCounters),
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		events:       NewEvents(256),
	}
}

func (m *Metrics) Events() *Events {
	return m.events
}

func (m *Metrics) flow(role Role, sent bool) *flowCounters {
	rc, ok := m.roles[role]
	if !ok {
		rc = &roleCounters{sent: newFlowCounters(), received: newFlowCounters()}
		m.roles[role] = rc
	}
	if sent {
		return &rc.sent
	}
	return &rc.received
}

// CountRequest records one accounting request of recordType.
func (m *Metrics) CountRequest(role Role, sent bool, recordType string) {
	m.mu.Lock()
	m.flow(role, sent).requests[recordType]++
	m.mu.Unlock()
}

// CountAnswer records one accounting answer and its result code.
func (m *Metrics) CountAnswer(role Role, sent bool, recordType, result string) {
	m.mu.Lock()
	f := m.flow(role, sent)
	f.answers[recordType]++
	f.results[result]++
	m.mu.Unlock()
}

func (m *Metrics) IncRecvByType(msgType string) {
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncStoreCommit() {
	m.storeCommits.Add(1)
}

func (m *Metrics) IncStoreUnavailable() {
	m.storeUnavailable.Add(1)
}

func (m *Metrics) IncStoreFetch() {
	m.storeFetches.Add(1)
}

func (m *Metrics) AddReaped(n int) {
	if n > 0 {
		m.storeReaped.Add(uint64(n))
	}
}

func (m *Metrics) SetCurrentConns(n int64) {
	m.currentConns.Store(n)
}

func (m *Metrics) AddCurrentConns(delta int64) {
	m.currentConns.Add(delta)
}

func (m *Metrics) SetCurrentStreams(n int64) {
	m.currentStreams.Store(n)
}

func (m *Metrics) AddCurrentStreams(delta int64) {
	m.currentStreams.Add(delta)
}

func (m *Metrics) SetSessions(n int) {
	m.sessions.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Event{}
	if m.events != nil {
		recent = m.events.List()
	}
	m.mu.Lock()
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Initiator:    m.roleSnapshotLocked(RoleInitiator),
		Responder:    m.roleSnapshotLocked(RoleResponder),
		RecvByType:   copyCounts(m.recvByType),
		DropByReason: copyCounts(m.dropByReason),
	}
	m.mu.Unlock()
	snap.Store = StoreMetrics{
		Commits:     m.storeCommits.Load(),
		Unavailable: m.storeUnavailable.Load(),
		Fetches:     m.storeFetches.Load(),
		Reaped:      m.storeReaped.Load(),
	}
	snap.CurrentConns = m.currentConns.Load()
	snap.CurrentStreams = m.currentStreams.Load()
	snap.Sessions = int(m.sessions.Load())
	snap.Recent = recent
	return snap
}

func (m *Metrics) roleSnapshotLocked(role Role) RoleMetrics {
	rc, ok := m.roles[role]
	if !ok {
		empty := newFlowCounters()
		return RoleMetrics{Sent: empty.snapshot(), Received: empty.snapshot()}
	}
	return RoleMetrics{Sent: rc.sent.snapshot(), Received: rc.received.snapshot()}
}

func (f flowCounters) snapshot() Flow {
	return Flow{
		Requests: copyCounts(f.requests),
		Answers:  copyCounts(f.answers),
		Results:  copyCounts(f.results),
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Keys returns the keys of a counter map in sorted order.
func Keys(counts map[string]uint64) []string {
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
