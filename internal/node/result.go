package node

import (
	"errors"

	"github.com/ConorIT/jdiameter/internal/proto"
	"github.com/ConorIT/jdiameter/internal/session"
)

// ResultCodeFor maps a transition error onto the answer's result code.
func ResultCodeFor(err error) proto.ResultCode {
	switch {
	case err == nil:
		return proto.ResultSuccess
	case errors.Is(err, session.ErrDuplicateSession):
		return proto.ResultDuplicateSession
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrSessionNotFound):
		return proto.ResultUnknownSession
	case errors.Is(err, session.ErrSessionClosed):
		return proto.ResultSessionClosed
	case errors.Is(err, session.ErrInvalidRecordType):
		return proto.ResultInvalidRecordType
	default:
		return proto.ResultTooBusy
	}
}

// ErrorFor is the inverse of ResultCodeFor for answers received from a peer.
func ErrorFor(code proto.ResultCode) error {
	switch code {
	case proto.ResultSuccess:
		return nil
	case proto.ResultDuplicateSession:
		return session.ErrDuplicateSession
	case proto.ResultUnknownSession:
		return session.ErrUnknownSession
	case proto.ResultSessionClosed:
		return session.ErrSessionClosed
	case proto.ResultInvalidRecordType:
		return session.ErrInvalidRecordType
	case proto.ResultTooBusy:
		return session.ErrStoreUnavailable
	}
	if code.Success() {
		return nil
	}
	return errors.New(code.String())
}
