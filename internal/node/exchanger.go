package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/proto"
)

// QUICExchanger sends accounting requests to p.Addr over QUIC.
type QUICExchanger struct {
	client *network.Client
}

func NewQUICExchanger(client *network.Client) *QUICExchanger {
	return &QUICExchanger{client: client}
}

func (q *QUICExchanger) Exchange(ctx context.Context, p peer.Peer, req proto.AccountingRequest) (proto.AccountingAnswer, error) {
	req.Type = proto.MsgTypeACR
	payload, err := proto.EncodeMessage(req)
	if err != nil {
		return proto.AccountingAnswer{}, err
	}
	resp, err := q.client.Exchange(ctx, p.Addr, payload)
	if err != nil {
		return proto.AccountingAnswer{}, fmt.Errorf("exchange with %s: %w", p.Identity, err)
	}
	return proto.DecodeAccountingAnswer(resp)
}

// Loopback delivers requests straight to in-process responders keyed by
// peer identity. A stopped node behaves like an unreachable peer.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewLoopback(nodes ...*Node) *Loopback {
	l := &Loopback{nodes: make(map[string]*Node)}
	for _, n := range nodes {
		l.Add(n)
	}
	return l
}

func (l *Loopback) Add(n *Node) {
	l.mu.Lock()
	l.nodes[n.OriginHost()] = n
	l.mu.Unlock()
}

func (l *Loopback) Exchange(ctx context.Context, p peer.Peer, req proto.AccountingRequest) (proto.AccountingAnswer, error) {
	l.mu.RLock()
	n, ok := l.nodes[p.Identity]
	l.mu.RUnlock()
	if !ok || n.Stopped() {
		return proto.AccountingAnswer{}, fmt.Errorf("peer %s unreachable", p.Identity)
	}
	ans, err := n.Responder().HandleRequest(ctx, req)
	if ans.Type == "" {
		return ans, err
	}
	// a negative answer still reaches the initiator
	return ans, nil
}
