package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"acr","session_id":"a;1","record_type":2}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected error for oversize payload")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3}
	if _, err := ReadFrame(bytes.NewReader(frame)); err == nil {
		t.Fatalf("expected invalid frame size")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); err == nil {
		t.Fatalf("expected short read error")
	}
}

func TestMessageTypeSniffsTruncatedPayload(t *testing.T) {
	if got, ok := MessageType([]byte(`{"type":"aca","result_code":2001}`)); !ok || got != MsgTypeACA {
		t.Fatalf("expected aca, got %q ok=%v", got, ok)
	}
	if got, ok := MessageType([]byte(`{"type": "fetch", "session_id": "x`)); !ok || got != MsgTypeFetch {
		t.Fatalf("expected fetch from truncated payload, got %q ok=%v", got, ok)
	}
	if _, ok := MessageType([]byte(`{"session_id":"x"}`)); ok {
		t.Fatalf("expected missing type")
	}
}
