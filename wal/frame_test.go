package wal

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{Type: CreateNode, TxID: 42, Payload: []byte("hello node")}
	frame := Encode(rec)
	if len(frame)%8 != 0 {
		t.Fatalf("frame not 8-byte aligned: %d", len(frame))
	}
	got, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("expected to consume %d bytes, got %d", len(frame), n)
	}
	if got.Type != rec.Type || got.TxID != rec.TxID || !bytes.Equal(got.Payload, rec.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, rec)
	}
}

func TestDecodeDetectsCRCMismatch(t *testing.T) {
	frame := Encode(Record{Type: Commit, TxID: 1})
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := Decode(frame); err == nil {
		t.Fatalf("expected CRC mismatch error")
	}
}

func TestDecodeToleratesTruncatedTail(t *testing.T) {
	frame := Encode(Record{Type: Begin, TxID: 1, Payload: []byte("x")})
	truncated := frame[:len(frame)-4]
	if _, _, err := Decode(truncated); err == nil {
		t.Fatalf("expected truncation error on short buffer")
	}
}

func TestEmptyPayloadRecord(t *testing.T) {
	frame := Encode(Record{Type: Begin, TxID: 5})
	got, _, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}
