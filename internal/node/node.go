// Package node composes a session registry, a peer table and metrics into
// one accounting endpoint. A Node is an explicit value; several can share a
// session store inside one process.
package node

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/registry"
	"github.com/ConorIT/jdiameter/internal/store"
)

var ErrStopped = errors.New("node stopped")

type Options struct {
	OriginHost  string
	OriginRealm string
	Store       store.SessionStore
	Registry    registry.Options
	// Peers and Metrics are created when nil.
	Peers   *peer.Table
	Metrics *metrics.Metrics
}

type Node struct {
	originHost  string
	originRealm string
	store       store.SessionStore
	reg         *registry.Registry
	peers       *peer.Table
	metrics     *metrics.Metrics
	stopped     atomic.Bool
}

func New(opts Options) (*Node, error) {
	host := strings.TrimSpace(opts.OriginHost)
	if host == "" {
		return nil, fmt.Errorf("missing origin host")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("missing session store")
	}
	peers := opts.Peers
	if peers == nil {
		var err error
		peers, err = peer.NewTable(peer.Options{})
		if err != nil {
			return nil, err
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Node{
		originHost:  host,
		originRealm: opts.OriginRealm,
		store:       opts.Store,
		reg:         registry.New(opts.Store, opts.Registry),
		peers:       peers,
		metrics:     m,
	}, nil
}

func (n *Node) OriginHost() string {
	return n.originHost
}

func (n *Node) OriginRealm() string {
	return n.originRealm
}

func (n *Node) Registry() *registry.Registry {
	return n.reg
}

func (n *Node) Peers() *peer.Table {
	return n.peers
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Events returns the recent structured events, oldest first.
func (n *Node) Events() []metrics.Event {
	return n.metrics.Events().List()
}

// ErrorReport renders the failures among the recent events. It is empty
// when nothing went wrong.
func (n *Node) ErrorReport() string {
	return metrics.ErrorReport(n.metrics.Events().Errors())
}

// Close stops the node from accepting requests. The shared store is left
// open for the other nodes using it.
func (n *Node) Close() {
	n.stopped.Store(true)
}

func (n *Node) Stopped() bool {
	return n.stopped.Load()
}

func (n *Node) Responder() *Responder {
	return &Responder{n: n}
}

func (n *Node) record(ev metrics.Event) {
	if ev.At.IsZero() {
		ev.At = n.reg.Now()
	}
	n.metrics.Events().Add(ev)
}

// NewSessionID builds a Diameter style session id "<host>;<uuid>".
func NewSessionID(originHost string) string {
	return originHost + ";" + uuid.NewString()
}
