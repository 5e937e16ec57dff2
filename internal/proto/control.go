package proto

import (
	"fmt"
	"strings"
)

// FetchMsg asks a node to load a session from the shared store. With Owner
// set instead of SessionID, every open session last written by that peer is
// loaded.
type FetchMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

type FetchResultMsg struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	Phase        string   `json:"phase,omitempty"`
	RecordNumber uint64   `json:"record_number"`
	Sessions     []string `json:"sessions,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// PeerDownMsg reports a peer as unreachable to a surviving node.
type PeerDownMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

type AckMsg struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func DecodeFetch(data []byte) (FetchMsg, error) {
	var m FetchMsg
	if err := decodeTyped(data, MsgTypeFetch, &m); err != nil {
		return FetchMsg{}, err
	}
	if strings.TrimSpace(m.SessionID) == "" && strings.TrimSpace(m.Owner) == "" {
		return FetchMsg{}, fmt.Errorf("missing session_id or owner")
	}
	return m, nil
}

func DecodeFetchResult(data []byte) (FetchResultMsg, error) {
	var m FetchResultMsg
	if err := decodeTyped(data, MsgTypeFetchResult, &m); err != nil {
		return FetchResultMsg{}, err
	}
	return m, nil
}

func DecodePeerDown(data []byte) (PeerDownMsg, error) {
	var m PeerDownMsg
	if err := decodeTyped(data, MsgTypePeerDown, &m); err != nil {
		return PeerDownMsg{}, err
	}
	if strings.TrimSpace(m.Identity) == "" {
		return PeerDownMsg{}, fmt.Errorf("missing identity")
	}
	return m, nil
}

func DecodeAck(data []byte) (AckMsg, error) {
	var m AckMsg
	if err := decodeTyped(data, MsgTypeAck, &m); err != nil {
		return AckMsg{}, err
	}
	return m, nil
}
