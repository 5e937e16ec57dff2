package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/proto"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxTries       = 3
)

var (
	ErrNoSession   = errors.New("no session created")
	ErrNoPeer      = errors.New("no connected peer")
	ErrWrongAnswer = errors.New("answer does not match request")
)

// Exchanger performs one blocking request/answer round trip with a peer.
type Exchanger interface {
	Exchange(ctx context.Context, p peer.Peer, req proto.AccountingRequest) (proto.AccountingAnswer, error)
}

// PeerTable lists the peers requests may be routed to.
type PeerTable interface {
	List() []peer.Peer
}

type InitiatorOptions struct {
	Exchanger Exchanger
	// Peers defaults to the node's own peer table.
	Peers          PeerTable
	RequestTimeout time.Duration
	MaxTries       int
	// RetryInterval is the first backoff step between retryable answers.
	RetryInterval time.Duration
}

// Initiator drives the client side of one accounting session at a time.
type Initiator struct {
	n        *Node
	exch     Exchanger
	peers    PeerTable
	timeout  time.Duration
	maxTries int
	interval time.Duration

	mu        sync.Mutex
	sessionID string
	lastAcked uint64
	route     string
	sent      map[proto.RecordType]bool
	received  map[proto.RecordType]bool
}

func (n *Node) Initiator(opts InitiatorOptions) (*Initiator, error) {
	if opts.Exchanger == nil {
		return nil, fmt.Errorf("missing exchanger")
	}
	peers := opts.Peers
	if peers == nil {
		peers = n.peers
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	tries := opts.MaxTries
	if tries <= 0 {
		tries = DefaultMaxTries
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Initiator{
		n:        n,
		exch:     opts.Exchanger,
		peers:    peers,
		timeout:  timeout,
		maxTries: tries,
		interval: interval,
		sent:     make(map[proto.RecordType]bool),
		received: make(map[proto.RecordType]bool),
	}, nil
}

// CreateSession starts a new session id and forgets the previous one.
func (i *Initiator) CreateSession() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sessionID = NewSessionID(i.n.originHost)
	i.lastAcked = 0
	i.route = ""
	clear(i.sent)
	clear(i.received)
	return i.sessionID
}

func (i *Initiator) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// Route pins requests to the peer with identity. An empty identity returns
// to picking the first connected peer.
func (i *Initiator) Route(identity string) {
	i.mu.Lock()
	i.route = identity
	i.mu.Unlock()
}

// Routed returns the peer that last answered the current session.
func (i *Initiator) Routed() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.route
}

func (i *Initiator) SendInitial(ctx context.Context) (proto.AccountingAnswer, error) {
	return i.send(ctx, proto.RecordInitial)
}

func (i *Initiator) SendInterim(ctx context.Context) (proto.AccountingAnswer, error) {
	return i.send(ctx, proto.RecordInterim)
}

func (i *Initiator) SendTermination(ctx context.Context) (proto.AccountingAnswer, error) {
	return i.send(ctx, proto.RecordTermination)
}

// Sent reports whether a request of rt went out for the current session.
func (i *Initiator) Sent(rt proto.RecordType) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sent[rt]
}

// Received reports whether a successful answer of rt came back.
func (i *Initiator) Received(rt proto.RecordType) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.received[rt]
}

// Passed reports a complete INITIAL, INTERIM, TERMINATE exchange.
func (i *Initiator) Passed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.received[proto.RecordInitial] && i.received[proto.RecordInterim] && i.received[proto.RecordTermination]
}

func (i *Initiator) ErrorReport() string {
	return i.n.ErrorReport()
}

// send issues one record and waits for its answer. Retryable answers are
// retried with backoff, keeping the same record number across attempts.
func (i *Initiator) send(ctx context.Context, rt proto.RecordType) (proto.AccountingAnswer, error) {
	n := i.n
	i.mu.Lock()
	id := i.sessionID
	next := i.lastAcked + 1
	if rt == proto.RecordInitial {
		next = 0
	}
	i.mu.Unlock()
	if id == "" {
		return proto.AccountingAnswer{}, ErrNoSession
	}
	req := proto.NewAccountingRequest(id, rt, n.originHost, n.originRealm)
	req.RecordNumber = &next

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.interval
	var last proto.AccountingAnswer
	ans, err := backoff.Retry(ctx, func() (proto.AccountingAnswer, error) {
		p, err := i.pickPeer()
		if err != nil {
			return proto.AccountingAnswer{}, backoff.Permanent(err)
		}
		req.DestinationHost = p.Identity
		i.mu.Lock()
		i.sent[rt] = true
		i.mu.Unlock()
		n.metrics.CountRequest(metrics.RoleInitiator, true, rt.String())

		cctx, cancel := context.WithTimeout(ctx, i.timeout)
		a, err := i.exch.Exchange(cctx, p, req)
		cancel()
		if err != nil {
			n.record(metrics.Event{Kind: metrics.EventExchangeFailed, SessionID: id, Peer: p.Identity, Detail: rt.String(), Err: err.Error()})
			debuglog.Debugf("exchange %s session=%s peer=%s failed: %v", rt, id, p.Identity, err)
			// the request may have been applied; only the caller can decide
			// whether resending is safe
			return proto.AccountingAnswer{}, backoff.Permanent(err)
		}
		n.metrics.CountAnswer(metrics.RoleInitiator, false, a.RecordType.String(), a.ResultCode.String())
		if a.SessionID != id || a.RecordType != rt {
			err := fmt.Errorf("%w: got %s/%s", ErrWrongAnswer, a.SessionID, a.RecordType)
			n.record(metrics.Event{Kind: metrics.EventAnswer, SessionID: id, Peer: p.Identity, Detail: rt.String(), Err: err.Error()})
			return proto.AccountingAnswer{}, backoff.Permanent(err)
		}
		n.peers.Seen(p.Identity, n.reg.Now())
		if a.ResultCode.Retryable() {
			last = a
			return proto.AccountingAnswer{}, fmt.Errorf("%s answered %s", p.Identity, a.ResultCode)
		}
		i.mu.Lock()
		i.route = p.Identity
		i.mu.Unlock()
		return a, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(i.maxTries)))
	if err != nil {
		if last.Type != "" {
			n.record(metrics.Event{Kind: metrics.EventAnswer, SessionID: id, Detail: rt.String(), Err: last.ResultCode.String()})
			return last, fmt.Errorf("%w: %v", ErrorFor(last.ResultCode), err)
		}
		return proto.AccountingAnswer{}, err
	}

	if !ans.ResultCode.Success() {
		n.record(metrics.Event{Kind: metrics.EventAnswer, SessionID: id, Peer: ans.OriginHost, Detail: rt.String(), Err: fmt.Sprintf("%s: %s", ans.ResultCode, ans.ErrorMessage)})
		return ans, nil
	}
	i.mu.Lock()
	i.received[rt] = true
	if ans.RecordNumber > i.lastAcked || rt == proto.RecordInitial {
		i.lastAcked = ans.RecordNumber
	}
	i.mu.Unlock()
	n.record(metrics.Event{Kind: metrics.EventAnswer, SessionID: id, Peer: ans.OriginHost, Detail: fmt.Sprintf("%s %s record=%d", rt, ans.ResultCode, ans.RecordNumber)})
	return ans, nil
}

// pickPeer prefers the pinned route while it is connected, then the first
// connected peer in identity order.
func (i *Initiator) pickPeer() (peer.Peer, error) {
	i.mu.Lock()
	route := i.route
	i.mu.Unlock()
	var first *peer.Peer
	for _, p := range i.peers.List() {
		if p.State != peer.StateConnected {
			continue
		}
		if p.Identity == route {
			return p, nil
		}
		if first == nil {
			cp := p
			first = &cp
		}
	}
	if first == nil {
		return peer.Peer{}, ErrNoPeer
	}
	return *first, nil
}
