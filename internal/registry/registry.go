// Package registry is a node's local view of accounting sessions. Every
// transition is serialized per session and committed to the shared store
// before the local copy changes.
package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/session"
	"github.com/ConorIT/jdiameter/internal/store"
)

const (
	DefaultCap          = 65536
	DefaultStoreTimeout = 2 * time.Second
)

type Options struct {
	Cap          int
	Grace        time.Duration
	StoreTimeout time.Duration
	// Now is replaced in tests.
	Now func() time.Time
}

type Registry struct {
	st      store.SessionStore
	cap     int
	grace   time.Duration
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	hot   map[string]*list.Element
	order *list.List
	locks map[string]*sessionLock
}

type entry struct {
	sess session.Session
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

func New(st store.SessionStore, opts Options) *Registry {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = session.DefaultGrace
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		st:      st,
		cap:     capacity,
		grace:   grace,
		timeout: timeout,
		now:     now,
		hot:     make(map[string]*list.Element),
		order:   list.New(),
		locks:   make(map[string]*sessionLock),
	}
}

func (r *Registry) Grace() time.Duration {
	return r.grace
}

func (r *Registry) StoreTimeout() time.Duration {
	return r.timeout
}

func (r *Registry) Now() time.Time {
	return r.now()
}

// Lookup returns the local copy of a session without touching the store.
func (r *Registry) Lookup(id string) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return session.Session{}, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*entry).sess, true
}

// Fetch loads a session from the store and installs it locally, replacing
// any local copy. It is how a node takes over a peer's session.
func (r *Registry) Fetch(ctx context.Context, id string) (session.Session, error) {
	release, err := r.acquire(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	defer release()

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	sess, err := r.st.Get(sctx, id)
	if err != nil {
		return session.Session{}, storeError("fetch "+id, err)
	}
	r.install(sess)
	return sess, nil
}

// Transition applies one accounting record to session id. Changed state is
// written to the store first; the local copy only moves after the write
// succeeds, so a failed write leaves both sides as they were.
//
// On error the returned Next is the state the request was classified
// against, read under the session lock, or zero when there was none.
func (r *Registry) Transition(ctx context.Context, id string, in session.Input) (session.Transition, error) {
	release, err := r.acquire(ctx, id)
	if err != nil {
		return session.Transition{}, err
	}
	defer release()

	var (
		cur      *session.Session
		rejected session.Transition
	)
	if s, ok := r.Lookup(id); ok {
		cur = &s
		rejected.Next = s
	}
	now := r.now()
	tr, err := session.Apply(cur, id, in, now, r.grace)
	if err != nil {
		return rejected, err
	}
	if !tr.Outcome.Changed() {
		return tr, nil
	}

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if tr.Outcome == session.OutcomeCreated {
		err = r.st.Create(sctx, tr.Next)
		if errors.Is(err, store.ErrExists) {
			return r.adoptExisting(sctx, id, in, now)
		}
	} else {
		err = r.st.Put(sctx, tr.Next)
	}
	if err != nil {
		return rejected, storeError("commit "+id, err)
	}
	r.install(tr.Next)
	return tr, nil
}

// adoptExisting handles an Initial for an id some other node already
// created. The request is classified against the stored record, which is
// not installed: only Fetch moves a session to this node.
func (r *Registry) adoptExisting(ctx context.Context, id string, in session.Input, now time.Time) (session.Transition, error) {
	stored, err := r.st.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return session.Transition{}, fmt.Errorf("%w: %s removed concurrently", session.ErrStoreUnavailable, id)
		}
		return session.Transition{}, storeError("adopt "+id, err)
	}
	tr, err := session.Apply(&stored, id, in, now, r.grace)
	if err != nil {
		return session.Transition{Next: stored}, err
	}
	return tr, nil
}

// Evict drops the local copy only.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return false
	}
	delete(r.hot, id)
	r.order.Remove(el)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hot)
}

// Sessions returns the local copies ordered by id.
func (r *Registry) Sessions() []session.Session {
	r.mu.Lock()
	out := make([]session.Session, 0, len(r.hot))
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).sess)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reap removes closed sessions whose grace period has passed, locally and
// from the store. It returns the ids that were reaped.
func (r *Registry) Reap(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	r.mu.Lock()
	for id, el := range r.hot {
		if el.Value.(*entry).sess.Expired(now, r.grace) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(expired)

	var errs []error
	reaped := expired[:0]
	for _, id := range expired {
		release, err := r.acquire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cur, ok := r.Lookup(id)
		if !ok || !cur.Expired(now, r.grace) {
			release()
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err = r.st.Remove(sctx, id)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			// keep the local copy so the next pass retries the store
			release()
			errs = append(errs, storeError("reap "+id, err))
			continue
		}
		r.Evict(id)
		release()
		reaped = append(reaped, id)
	}
	return reaped, errors.Join(errs...)
}

// SweepStore removes expired closed sessions from the store that this node
// no longer caches, such as those dropped by the capacity bound.
func (r *Registry) SweepStore(ctx context.Context, now time.Time) ([]string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	all, err := r.st.List(sctx)
	cancel()
	if err != nil {
		return nil, storeError("sweep", err)
	}
	var swept []string
	var errs []error
	for _, s := range all {
		if !s.Expired(now, r.grace) {
			continue
		}
		if _, cached := r.Lookup(s.ID); cached {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.st.Remove(sctx, s.ID)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, storeError("sweep "+s.ID, err))
			continue
		}
		swept = append(swept, s.ID)
	}
	return swept, errors.Join(errs...)
}

// InputFor builds the state machine input for an accounting request.
func InputFor(req proto.AccountingRequest, owner string) session.Input {
	return session.Input{
		RecordType:   req.RecordType,
		RecordNumber: req.RecordNumber,
		OriginHost:   req.OriginHost,
		OriginRealm:  req.OriginRealm,
		Owner:        owner,
	}
}

func (r *Registry) install(sess session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.hot[sess.ID]; ok {
		el.Value.(*entry).sess = sess
		r.order.MoveToFront(el)
		return
	}
	if r.cap > 0 && len(r.hot) >= r.cap {
		r.evictLocked(len(r.hot)-r.cap+1, r.now())
	}
	r.hot[sess.ID] = r.order.PushFront(&entry{sess: sess})
}

// evictLocked drops up to n of the least recently used sessions whose grace
// period has passed. Open sessions and closed ones still inside grace stay
// even when that leaves the cache over cap.
func (r *Registry) evictLocked(n int, now time.Time) {
	for el := r.order.Back(); el != nil && n > 0; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.sess.Expired(now, r.grace) {
			delete(r.hot, ent.sess.ID)
			r.order.Remove(el)
			n--
		}
		el = prev
	}
}

// acquire takes the per-session semaphore. Locks are reference counted so
// ids that are no longer in flight do not accumulate.
func (r *Registry) acquire(ctx context.Context, id string) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(id, l)
		return nil, fmt.Errorf("%w: waiting for %s: %v", session.ErrStoreUnavailable, id, ctx.Err())
	}
	return func() {
		<-l.sem
		r.unref(id, l)
	}, nil
}

func (r *Registry) unref(id string, l *sessionLock) {
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, id)
	}
	r.mu.Unlock()
}

func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, session.ErrSessionNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, session.ErrStoreUnavailable, err)
}
