package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/proto"
)

// ErrUnknownMessage is returned for frames whose type no handler serves.
var ErrUnknownMessage = errors.New("unknown message type")

// Handle dispatches one request frame and returns the answer frame.
func (r *Runner) Handle(ctx context.Context, remote string, payload []byte) ([]byte, error) {
	msgType, ok := proto.MessageType(payload)
	if !ok {
		r.Metrics.IncDropByReason("missing_type")
		return nil, ErrUnknownMessage
	}
	switch msgType {
	case proto.MsgTypeACR:
		return r.handleACR(ctx, remote, payload)
	case proto.MsgTypeFetch:
		return r.handleFetch(ctx, payload)
	case proto.MsgTypePeerDown:
		return r.handlePeerDown(payload)
	}
	r.Metrics.IncDropByReason("unknown_type")
	debuglog.RateLimitedf("unknown_type:"+msgType, time.Minute, "unknown message type %q from %s", msgType, remote)
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msgType)
}

func (r *Runner) handleACR(ctx context.Context, remote string, payload []byte) ([]byte, error) {
	req, err := proto.DecodeAccountingRequest(payload)
	if err != nil {
		r.Metrics.IncDropByReason("bad_acr")
		return nil, err
	}
	if req.OriginHost != "" {
		r.Self.Peers().Seen(req.OriginHost, r.Self.Registry().Now())
	}
	ans, herr := r.Self.Responder().HandleRequest(ctx, req)
	if herr != nil {
		debuglog.Debugf("acr from %s session=%s: %v", remote, req.SessionID, herr)
	}
	// TooBusy answers still go back so the initiator can retry
	out, err := proto.EncodeMessage(ans)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) handleFetch(ctx context.Context, payload []byte) ([]byte, error) {
	msg, err := proto.DecodeFetch(payload)
	if err != nil {
		r.Metrics.IncDropByReason("bad_fetch")
		return nil, err
	}
	res := proto.FetchResultMsg{Type: proto.MsgTypeFetchResult, SessionID: msg.SessionID}
	if msg.SessionID != "" {
		s, err := r.Self.Responder().FetchSessionInfo(ctx, msg.SessionID)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Phase = s.Phase.String()
			res.RecordNumber = s.LastRecordNumber
		}
	} else {
		ids, err := r.Self.Responder().FetchOwnedBy(ctx, msg.Owner)
		res.Sessions = ids
		if err != nil {
			res.Error = err.Error()
		}
	}
	return proto.EncodeMessage(res)
}

func (r *Runner) handlePeerDown(payload []byte) ([]byte, error) {
	msg, err := proto.DecodePeerDown(payload)
	if err != nil {
		r.Metrics.IncDropByReason("bad_peer_down")
		return nil, err
	}
	r.Self.Responder().OnPeerUnreachable(msg.Identity)
	return proto.EncodeMessage(proto.AckMsg{Type: proto.MsgTypeAck, OK: true})
}
