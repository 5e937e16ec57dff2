// Package daemon runs an accounting node: the QUIC listener, the reaper
// for expired closed sessions and the metrics snapshot writer.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ConorIT/jdiameter/internal/config"
	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/network"
	"github.com/ConorIT/jdiameter/internal/node"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/registry"
	"github.com/ConorIT/jdiameter/internal/store"
	"github.com/ConorIT/jdiameter/internal/store/sqlite"
)

// sweepEvery is how many reap ticks pass between full store sweeps.
const sweepEvery = 12

type Options struct {
	// Store overrides the store named by the config. The runner does not
	// close a store it was handed.
	Store   store.SessionStore
	Metrics *metrics.Metrics
}

type Runner struct {
	Config  config.Node
	Self    *node.Node
	Metrics *metrics.Metrics

	store     store.SessionStore
	ownsStore bool

	listenMu   sync.RWMutex
	listenAddr string
}

// OpenStore opens the session store selected by cfg.Store.
func OpenStore(cfg config.Node) (store.SessionStore, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	case config.StoreJournal:
		return store.OpenJournal(cfg.StorePath)
	case config.StoreSQLite:
		return sqlite.Open(cfg.StorePath)
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func NewRunner(cfg config.Node, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	st := opts.Store
	owns := false
	if st == nil {
		var err error
		st, err = OpenStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
		}
		owns = true
	}
	peers, err := peer.NewTable(peer.Options{Path: cfg.PeersPath})
	if err != nil {
		if owns {
			_ = st.Close()
		}
		return nil, fmt.Errorf("load peers: %w", err)
	}
	for _, p := range cfg.PeerList() {
		if err := peers.Upsert(p, false); err != nil {
			if owns {
				_ = st.Close()
			}
			return nil, err
		}
	}
	self, err := node.New(node.Options{
		OriginHost:  cfg.OriginHost,
		OriginRealm: cfg.OriginRealm,
		Store:       st,
		Registry: registry.Options{
			Cap:          cfg.RegistryCap,
			Grace:        cfg.ClosedGrace,
			StoreTimeout: cfg.StoreTimeout,
		},
		Peers:   peers,
		Metrics: m,
	})
	if err != nil {
		if owns {
			_ = st.Close()
		}
		return nil, err
	}
	return &Runner{
		Config:    cfg,
		Self:      self,
		Metrics:   m,
		store:     st,
		ownsStore: owns,
	}, nil
}

// Run serves until ctx is done or one of the loops fails. The bound listen
// address is sent on ready.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	g, gctx := errgroup.WithContext(ctx)
	bound := make(chan string, 1)
	g.Go(func() error {
		return network.ListenAndServe(gctx, r.Config.ListenAddr, bound, r.Handle, network.ServerOptions{
			MaxConnsPerIP:   r.Config.MaxConnsPerIP,
			MaxStreamsPerIP: r.Config.MaxStreamsPerIP,
			Metrics:         r.Metrics,
		})
	})
	g.Go(func() error {
		select {
		case addr := <-bound:
			r.setListenAddr(addr)
			debuglog.Logf("node %s listening on %s store=%s", r.Self.OriginHost(), addr, r.Config.Store)
			if ready != nil {
				select {
				case ready <- addr:
				default:
				}
			}
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		r.reapLoop(gctx)
		return nil
	})
	g.Go(func() error {
		r.snapshotLoop(gctx)
		return nil
	})
	err := g.Wait()
	r.writeSnapshot()
	return err
}

// Close stops the node and releases the store it opened.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	r.Self.Close()
	if r.ownsStore {
		return r.store.Close()
	}
	return nil
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) reapLoop(ctx context.Context) {
	interval := r.Config.ReapInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
			if tick%sweepEvery == 0 {
				r.SweepOnce(ctx)
			}
		}
	}
}

// SweepOnce removes expired closed rows this node no longer caches.
func (r *Runner) SweepOnce(ctx context.Context) []string {
	reg := r.Self.Registry()
	ids, err := reg.SweepStore(ctx, reg.Now())
	if len(ids) > 0 {
		r.Metrics.AddReaped(len(ids))
		r.Metrics.Events().Add(metrics.Event{
			At:     reg.Now(),
			Kind:   metrics.EventReaped,
			Detail: "swept " + strings.Join(ids, ","),
		})
	}
	if err != nil {
		debuglog.RateLimitedf("sweep", time.Minute, "store sweep failed: %v", err)
	}
	return ids
}

// ReapOnce drops closed sessions whose grace period has passed and returns
// their ids.
func (r *Runner) ReapOnce(ctx context.Context) []string {
	reg := r.Self.Registry()
	ids, err := reg.Reap(ctx, reg.Now())
	if len(ids) > 0 {
		r.Metrics.AddReaped(len(ids))
		r.Metrics.SetSessions(reg.Len())
		r.Metrics.Events().Add(metrics.Event{
			At:     reg.Now(),
			Kind:   metrics.EventReaped,
			Detail: strings.Join(ids, ","),
		})
		debuglog.Debugf("reaped %d closed sessions", len(ids))
	}
	if err != nil {
		r.Metrics.Events().Add(metrics.Event{At: reg.Now(), Kind: metrics.EventReaped, Err: err.Error()})
		debuglog.RateLimitedf("reap", time.Minute, "reap failed: %v", err)
	}
	return ids
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	if r.Config.MetricsPath == "" {
		return
	}
	interval := r.Config.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeSnapshot()
		}
	}
}

func (r *Runner) writeSnapshot() {
	if r.Config.MetricsPath == "" {
		return
	}
	r.Metrics.SetSessions(r.Self.Registry().Len())
	if err := r.Metrics.WriteSnapshot(r.Config.MetricsPath); err != nil {
		debuglog.RateLimitedf("snapshot", time.Minute, "write metrics snapshot failed: %v", err)
	}
}
