package fec

import (
	"bytes"
	"testing"
)

func TestRSRoundTripNoErrors(t *testing.T) {
	msg := []byte("the quick brown fox jumps over the lazy dog")
	code := Encode(msg)
	got, ok := Decode(code)
	if !ok {
		t.Fatal("decode reported failure with no errors")
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestRSCorrectsUpToSixteenByteErrors(t *testing.T) {
	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i * 7)
	}
	code := Encode(msg)
	corrupted := append([]byte(nil), code...)
	for i := 0; i < 16; i++ {
		corrupted[i*3] ^= 0xFF
	}
	got, ok := Decode(corrupted)
	if !ok {
		t.Fatal("decode reported failure with 16 errors, want success")
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestRSDetectsUncorrectableErrors(t *testing.T) {
	msg := make([]byte, 50)
	for i := range msg {
		msg[i] = byte(i)
	}
	code := Encode(msg)
	corrupted := append([]byte(nil), code...)
	for i := 0; i < len(corrupted); i += 2 {
		corrupted[i] ^= 0xFF
	}
	if _, ok := Decode(corrupted); ok {
		t.Fatal("decode reported success with far more errors than the code can resolve")
	}
}

func TestRSShortMessage(t *testing.T) {
	msg := []byte{1, 2, 3}
	code := Encode(msg)
	if len(code) != len(msg)+RSParity {
		t.Fatalf("codeword length = %d, want %d", len(code), len(msg)+RSParity)
	}
	got, ok := Decode(code)
	if !ok || !bytes.Equal(got, msg) {
		t.Fatalf("round trip failed: got %v, ok=%v", got, ok)
	}
}
