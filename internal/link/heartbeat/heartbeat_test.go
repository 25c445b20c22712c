package heartbeat

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hb := Heartbeat{
		Seq:          3,
		RxErrors:     7,
		FixedCount:   2,
		RSSILocal:    200,
		RSSIRemote:   190,
		TxBufPercent: 80,
		NoiseLocal:   70,
		NoiseRemote:  60,
	}
	wire := Encode(hb)
	if len(wire) != Len {
		t.Fatalf("len(wire) = %d, want %d", len(wire), Len)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != hb {
		t.Fatalf("got %+v, want %+v", got, hb)
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	hb := Heartbeat{Seq: 1, TxBufPercent: 50}
	wire := Encode(hb)
	wire[16] ^= 0xFF
	if _, err := Decode(wire); err != ErrBadCRC {
		t.Fatalf("err = %v, want ErrBadCRC", err)
	}
}

func TestRequestTrailerRoundTrip(t *testing.T) {
	trailer := EncodeRequest()
	if !IsRequest(trailer) {
		t.Fatal("expected trailer to be recognised as a request")
	}
	if IsRequest([]byte{0, 0, 0}) {
		t.Fatal("did not expect an arbitrary 3 bytes to look like a request")
	}
}

func TestLinkStateBufferSpaceGating(t *testing.T) {
	mock := clock.NewMock()
	ls := NewLinkStateWithClock(mock)

	if ls.CanTransmit(10) {
		t.Fatal("should not be able to transmit before any heartbeat observed")
	}

	ls.Observe(Heartbeat{TxBufPercent: 50, RSSILocal: 200, RSSIRemote: 190, NoiseLocal: 70, NoiseRemote: 60})
	if !ls.CanTransmit(100) {
		t.Fatalf("expected transmit to be allowed, remaining=%d", ls.RemainingSpace())
	}
	if ls.CanTransmit(10000) {
		t.Fatal("should not allow a frame larger than remaining space")
	}
}

func TestLinkStateQuietLinkDefersHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	ls := NewLinkStateWithClock(mock)

	ls.Observe(Heartbeat{TxBufPercent: 100}) // free_bytes = 1280-30 = 1250 > 720
	if ls.NextHeartbeatDue() {
		t.Fatal("expected heartbeat to be deferred on a quiet link")
	}
	mock.Add(2 * time.Second)
	if !ls.NextHeartbeatDue() {
		t.Fatal("expected heartbeat to be due after the deferral elapses")
	}
}

func TestLinkStateConsumeReducesSpace(t *testing.T) {
	ls := NewLinkStateWithClock(clock.NewMock())
	ls.Observe(Heartbeat{TxBufPercent: 50})
	before := ls.RemainingSpace()
	ls.Consume(20)
	if ls.RemainingSpace() != before-20 {
		t.Fatalf("remaining space = %d, want %d", ls.RemainingSpace(), before-20)
	}
}
