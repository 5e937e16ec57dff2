// internal/proto/proto.go
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MsgTypeACR         = "acr"
	MsgTypeACA         = "aca"
	MsgTypeFetch       = "fetch"
	MsgTypeFetchResult = "fetch_result"
	MsgTypePeerDown    = "peer_down"
	MsgTypeAck         = "ack"
)

// RecordType mirrors the Accounting-Record-Type AVP values.
type RecordType uint32

const (
	RecordEvent       RecordType = 1
	RecordInitial     RecordType = 2
	RecordInterim     RecordType = 3
	RecordTermination RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case RecordEvent:
		return "EVENT"
	case RecordInitial:
		return "INITIAL"
	case RecordInterim:
		return "INTERIM"
	case RecordTermination:
		return "TERMINATE"
	default:
		return fmt.Sprintf("RECORD(%d)", uint32(t))
	}
}

// Session reports whether the record type belongs to a session-based exchange.
func (t RecordType) Session() bool {
	return t == RecordInitial || t == RecordInterim || t == RecordTermination
}

func ParseRecordType(s string) (RecordType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initial", "start":
		return RecordInitial, nil
	case "interim":
		return RecordInterim, nil
	case "termination", "terminate", "stop":
		return RecordTermination, nil
	case "event":
		return RecordEvent, nil
	}
	return 0, fmt.Errorf("unknown record type %q", s)
}

type ResultCode uint32

// Codes below 5100 follow the base protocol; 51xx are local.
const (
	ResultSuccess           ResultCode = 2001
	ResultTooBusy           ResultCode = 3004
	ResultUnknownSession    ResultCode = 5002
	ResultInvalidRecordType ResultCode = 5004
	ResultDuplicateSession  ResultCode = 5012
	ResultSessionClosed     ResultCode = 5101
)

func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "SUCCESS"
	case ResultTooBusy:
		return "STORE_UNAVAILABLE"
	case ResultUnknownSession:
		return "UNKNOWN_SESSION"
	case ResultInvalidRecordType:
		return "INVALID_RECORD_TYPE"
	case ResultDuplicateSession:
		return "DUPLICATE_SESSION"
	case ResultSessionClosed:
		return "SESSION_CLOSED"
	default:
		return fmt.Sprintf("RESULT(%d)", uint32(c))
	}
}

func (c ResultCode) Success() bool {
	return c/1000 == 2
}

// Retryable reports a transient failure (protocol error class 3xxx).
func (c ResultCode) Retryable() bool {
	return c/1000 == 3
}

type AccountingRequest struct {
	Type            string     `json:"type"`
	SessionID       string     `json:"session_id"`
	RecordType      RecordType `json:"record_type"`
	RecordNumber    *uint64    `json:"record_number,omitempty"`
	OriginHost      string     `json:"origin_host"`
	OriginRealm     string     `json:"origin_realm"`
	DestinationHost string     `json:"destination_host,omitempty"`
}

type AccountingAnswer struct {
	Type         string     `json:"type"`
	SessionID    string     `json:"session_id"`
	RecordType   RecordType `json:"record_type"`
	RecordNumber uint64     `json:"record_number"`
	ResultCode   ResultCode `json:"result_code"`
	OriginHost   string     `json:"origin_host"`
	OriginRealm  string     `json:"origin_realm"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func NewAccountingRequest(sessionID string, rt RecordType, originHost, originRealm string) AccountingRequest {
	return AccountingRequest{
		Type:        MsgTypeACR,
		SessionID:   sessionID,
		RecordType:  rt,
		OriginHost:  originHost,
		OriginRealm: originRealm,
	}
}

// AnswerFor builds an answer that echoes the request's session and record type.
func AnswerFor(req AccountingRequest, code ResultCode) AccountingAnswer {
	return AccountingAnswer{
		Type:       MsgTypeACA,
		SessionID:  req.SessionID,
		RecordType: req.RecordType,
		ResultCode: code,
	}
}

func EncodeMessage(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("message too large")
	}
	return data, nil
}

func DecodeAccountingRequest(data []byte) (AccountingRequest, error) {
	var m AccountingRequest
	if err := decodeTyped(data, MsgTypeACR, &m); err != nil {
		return AccountingRequest{}, err
	}
	if strings.TrimSpace(m.SessionID) == "" && m.RecordType != RecordInitial {
		return AccountingRequest{}, fmt.Errorf("missing session_id")
	}
	return m, nil
}

func DecodeAccountingAnswer(data []byte) (AccountingAnswer, error) {
	var m AccountingAnswer
	if err := decodeTyped(data, MsgTypeACA, &m); err != nil {
		return AccountingAnswer{}, err
	}
	return m, nil
}

func decodeTyped(data []byte, want string, v any) error {
	msgType, ok := MessageType(data)
	if !ok {
		return fmt.Errorf("missing message type")
	}
	if msgType != want {
		return fmt.Errorf("unexpected message type %q, want %q", msgType, want)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}
