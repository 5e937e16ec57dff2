package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/peer"
	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/registry"
	"github.com/ConorIT/jdiameter/internal/session"
	"github.com/ConorIT/jdiameter/internal/telemetry"
)

// Responder validates accounting requests and answers them.
type Responder struct {
	n *Node
}

// HandleRequest runs one request through the state machine. Protocol
// failures come back as negative answers with a nil error. When the store
// cannot be reached the answer carries TooBusy and the error wraps
// session.ErrStoreUnavailable.
func (r *Responder) HandleRequest(ctx context.Context, req proto.AccountingRequest) (proto.AccountingAnswer, error) {
	n := r.n
	ctx, span := telemetry.Tracer().Start(ctx, "acct.handle_request")
	defer span.End()

	rt := req.RecordType.String()
	n.metrics.CountRequest(metrics.RoleResponder, false, rt)

	id := strings.TrimSpace(req.SessionID)
	if id == "" && req.RecordType == proto.RecordInitial {
		id = NewSessionID(n.originHost)
	}
	req.SessionID = id
	span.SetAttributes(
		attribute.String("acct.session_id", id),
		attribute.String("acct.record_type", rt),
	)

	var (
		tr  session.Transition
		err error
	)
	switch {
	case n.Stopped():
		err = ErrStopped
	case !req.RecordType.Session():
		err = fmt.Errorf("%w: %s", session.ErrInvalidRecordType, rt)
	case id == "":
		err = fmt.Errorf("%w: missing session id", session.ErrUnknownSession)
	default:
		tr, err = n.reg.Transition(ctx, id, registry.InputFor(req, n.originHost))
	}

	code := ResultCodeFor(err)
	ans := proto.AnswerFor(req, code)
	ans.OriginHost = n.originHost
	ans.OriginRealm = n.originRealm
	ans.RecordNumber = tr.Next.LastRecordNumber
	if err != nil {
		ans.ErrorMessage = err.Error()
	}
	span.SetAttributes(attribute.Int("acct.result_code", int(code)))
	n.metrics.CountAnswer(metrics.RoleResponder, true, rt, code.String())
	n.metrics.SetSessions(n.reg.Len())

	switch {
	case err == nil:
		r.recordTransition(id, req, tr)
		return ans, nil
	case code == proto.ResultTooBusy:
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		n.metrics.IncStoreUnavailable()
		n.record(metrics.Event{Kind: metrics.EventStoreUnavailable, SessionID: id, Detail: rt, Err: err.Error()})
		debuglog.RateLimitedf("store_unavailable", 5*time.Second, "store unavailable session=%s type=%s: %v", id, rt, err)
		if !errors.Is(err, session.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", session.ErrStoreUnavailable, err)
		}
		return ans, err
	default:
		n.record(metrics.Event{Kind: metrics.EventRejected, SessionID: id, Detail: rt, Err: err.Error()})
		debuglog.Debugf("rejected session=%s type=%s code=%s: %v", id, rt, code, err)
		return ans, nil
	}
}

func (r *Responder) recordTransition(id string, req proto.AccountingRequest, tr session.Transition) {
	n := r.n
	if tr.Outcome.Changed() {
		n.metrics.IncStoreCommit()
	}
	kind := metrics.EventTransition
	if tr.Outcome == session.OutcomeRepeat {
		kind = metrics.EventRepeat
	}
	n.record(metrics.Event{
		Kind:      kind,
		SessionID: id,
		Detail:    fmt.Sprintf("%s %s phase=%s record=%d", req.RecordType, tr.Outcome, tr.Next.Phase, tr.Next.LastRecordNumber),
	})
	if tr.Gap {
		var got uint64
		if req.RecordNumber != nil {
			got = *req.RecordNumber
		}
		n.record(metrics.Event{
			Kind:      metrics.EventRecordGap,
			SessionID: id,
			Detail:    fmt.Sprintf("record number jumped to %d", got),
		})
		debuglog.Logf("record gap session=%s record=%d", id, got)
	}
	debuglog.Debugf("session=%s %s %s record=%d", id, req.RecordType, tr.Outcome, tr.Next.LastRecordNumber)
}

// FetchSession loads a session from the shared store and makes this node
// its processor. Call it only once the previous owner is known to be down.
func (r *Responder) FetchSession(ctx context.Context, id string) error {
	_, err := r.fetch(ctx, id)
	return err
}

func (r *Responder) fetch(ctx context.Context, id string) (session.Session, error) {
	n := r.n
	if n.Stopped() {
		return session.Session{}, ErrStopped
	}
	ctx, span := telemetry.Tracer().Start(ctx, "acct.fetch_session")
	defer span.End()
	span.SetAttributes(attribute.String("acct.session_id", id))

	n.metrics.IncStoreFetch()
	s, err := n.reg.Fetch(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if errors.Is(err, session.ErrStoreUnavailable) {
			n.metrics.IncStoreUnavailable()
		}
		n.record(metrics.Event{Kind: metrics.EventFetch, SessionID: id, Err: err.Error()})
		return session.Session{}, err
	}
	n.metrics.SetSessions(n.reg.Len())
	n.record(metrics.Event{
		Kind:      metrics.EventFetch,
		SessionID: id,
		Peer:      s.Owner,
		Detail:    fmt.Sprintf("phase=%s record=%d", s.Phase, s.LastRecordNumber),
	})
	debuglog.Logf("fetched session=%s phase=%s record=%d owner=%s", id, s.Phase, s.LastRecordNumber, s.Owner)
	return s, nil
}

// FetchSessionInfo is FetchSession returning the installed copy.
func (r *Responder) FetchSessionInfo(ctx context.Context, id string) (session.Session, error) {
	return r.fetch(ctx, id)
}

// FetchOwnedBy fetches every open session whose last writer was owner. It
// is the bulk form of FetchSession for taking over a failed peer.
func (r *Responder) FetchOwnedBy(ctx context.Context, owner string) ([]string, error) {
	n := r.n
	if n.Stopped() {
		return nil, ErrStopped
	}
	sctx, cancel := context.WithTimeout(ctx, n.reg.StoreTimeout())
	all, err := n.store.List(sctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", session.ErrStoreUnavailable, err)
	}
	var fetched []string
	var errs []error
	for _, s := range all {
		if s.Owner != owner || !s.Open() {
			continue
		}
		if err := r.FetchSession(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		fetched = append(fetched, s.ID)
	}
	return fetched, errors.Join(errs...)
}

// OnPeerUnreachable records that a peer went away. Sessions are left alone;
// taking them over is a separate, explicit fetch.
func (r *Responder) OnPeerUnreachable(identity string) {
	n := r.n
	known := n.peers.SetState(identity, peer.StateDisconnected)
	detail := "marked disconnected"
	if !known {
		detail = "unknown peer"
	}
	n.record(metrics.Event{Kind: metrics.EventPeerUnreachable, Peer: identity, Detail: detail})
	debuglog.Logf("peer unreachable: %s (%s)", identity, detail)
}
