package wire

import (
	"bytes"
	"testing"
)

func TestMessageSerializeRoundTrip(t *testing.T) {
	m := MessageRequest(3, 16384, 16384)

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	idx, begin, length, ok := got.ParseRequest()
	if !ok {
		t.Fatalf("ParseRequest failed")
	}
	if idx != 3 || begin != 16384 || length != 16384 {
		t.Fatalf("got (%d,%d,%d)", idx, begin, length)
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("WriteMessage(nil): %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil message for keep-alive, got %+v", got)
	}
}

func TestParseHave(t *testing.T) {
	m := MessageHave(42)
	idx, ok := m.ParseHave()
	if !ok || idx != 42 {
		t.Fatalf("got (%d,%v), want (42,true)", idx, ok)
	}
}

func TestParsePiece(t *testing.T) {
	block := []byte("some-block-data")
	m := MessagePiece(1, 0, block)

	idx, begin, got, ok := m.ParsePiece()
	if !ok || idx != 1 || begin != 0 || !bytes.Equal(got, block) {
		t.Fatalf("unexpected parse result: idx=%d begin=%d got=%q ok=%v", idx, begin, got, ok)
	}
}

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	msg, err := MessageExtendedHandshake(7, 6881, []byte("\x01\x02\x03\x04"), "swarmcore/0.1")
	if err != nil {
		t.Fatalf("MessageExtendedHandshake: %v", err)
	}

	extID, dict, ok := msg.ParseExtended()
	if !ok || extID != ExtendedHandshakeID {
		t.Fatalf("got extID=%d ok=%v, want 0/true", extID, ok)
	}

	pexID, hasPEX, yourIP, err := ParseExtendedHandshake(dict)
	if err != nil {
		t.Fatalf("ParseExtendedHandshake: %v", err)
	}
	if !hasPEX || pexID != 7 {
		t.Fatalf("got pexID=%d hasPEX=%v, want 7/true", pexID, hasPEX)
	}
	if !bytes.Equal(yourIP, []byte("\x01\x02\x03\x04")) {
		t.Fatalf("yourip mismatch: %v", yourIP)
	}
}

func TestParseAllowedFast(t *testing.T) {
	m := &Message{ID: MsgAllowedFast, Payload: []byte{0, 0, 0, 5}}
	idx, ok := m.ParseAllowedFast()
	if !ok || idx != 5 {
		t.Fatalf("got (%d,%v), want (5,true)", idx, ok)
	}
}
