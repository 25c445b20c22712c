package radiosim

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/servalmesh/rhizome/internal/link/fec"
)

func advance(t *testing.T, c *clock.Mock, sim *Simulator, d time.Duration) {
	t.Helper()
	const step = time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		c.Add(step)
		sim.Tick()
	}
}

func TestFrameTransferLeftToRight(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	frame, err := fec.EncodeFrame(fec.Frame{Seq: 1, Start: true, End: true, MsgID: fec.MsgDataStream, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	sim.WriteLeft(frame)

	advance(t, mock, sim, 200*time.Millisecond)

	got := sim.Right.Read()
	decoded, _, status := fec.DecodeFrameAt(got)
	if status != fec.DecodeOK {
		t.Fatalf("decode status = %v, bytes = %v", status, got)
	}
	if string(decoded.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", decoded.Payload, "hello")
	}
}

func TestATCommandRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	sim.Left.mu.Lock()
	sim.Left.state = stateCommand
	sim.Left.mu.Unlock()

	sim.WriteLeft([]byte("ATI\r"))
	advance(t, mock, sim, 5*time.Millisecond)

	got := string(sim.Left.Read())
	if got != "RFD900a SIMULATOR 1.6\rOK\r" {
		t.Fatalf("ATI response = %q", got)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	sim.Left.mu.Lock()
	sim.Left.state = stateCommand
	sim.Left.mu.Unlock()

	sim.WriteLeft([]byte("ATZZZ\r"))
	advance(t, mock, sim, 5*time.Millisecond)

	if got := string(sim.Left.Read()); got != "ERROR\r" {
		t.Fatalf("response = %q, want ERROR\\r", got)
	}
}

func TestEscapeSequenceEntersCommandMode(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	sim.WriteLeft([]byte("+++"))
	advance(t, mock, sim, 1100*time.Millisecond)

	sim.Left.mu.Lock()
	state := sim.Left.state
	sim.Left.mu.Unlock()
	if state != stateCommand {
		t.Fatalf("state = %v, want stateCommand", state)
	}
	if got := string(sim.Left.Read()); got != "OK\r\n" {
		t.Fatalf("escape response = %q, want OK\\r\\n", got)
	}
}

func TestRSSIStatusLineEmittedWhenEnabled(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	sim.Left.mu.Lock()
	sim.Left.rssiOutput = true
	sim.Left.nextRSSIAt = mock.Now()
	sim.Left.mu.Unlock()

	sim.Tick()

	got := sim.Left.Read()
	if len(got) == 0 {
		t.Fatal("expected an RSSI status line")
	}
}

func TestHeartbeatShapedFrameSynthesisesReply(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	hbFrame := make([]byte, 17)
	hbFrame[0] = fec.SyncByte
	hbFrame[1] = 9
	hbFrame[3] = '3'
	hbFrame[4] = 'D'
	hbFrame[5] = fec.MsgRadio

	sim.Left.mu.Lock()
	sim.Left.txBuffer = append(sim.Left.txBuffer, hbFrame...)
	sim.Left.mu.Unlock()

	sim.Tick()

	sim.Left.mu.Lock()
	rx := sim.Left.rxBuffer
	sim.Left.mu.Unlock()
	if len(rx) == 0 {
		t.Fatal("expected a synthesised heartbeat reply queued to the originating host")
	}
}

func TestBitErrorsDropFrameUnderHighBER(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, BER: 1 << 30, Seed: 1, Clock: mock})

	frame, err := fec.EncodeFrame(fec.Frame{Seq: 1, Start: true, End: true, MsgID: fec.MsgDataStream, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	sim.WriteLeft(frame)
	advance(t, mock, sim, 200*time.Millisecond)

	got := sim.Right.Read()
	if len(got) != 0 {
		t.Fatalf("expected preamble-triggered drop under high BER, got %d bytes", len(got))
	}
}

func TestHalfDuplexTurnSwapsAfterThreeFrames(t *testing.T) {
	mock := clock.NewMock()
	sim := New(Config{CharsPerMS: 10, Clock: mock})

	// A 200-byte payload makes each encoded frame too big to share a
	// 255-byte packet with another, so every transfer carries one frame.
	frame, err := fec.EncodeFrame(fec.Frame{Seq: 1, Start: true, End: true, MsgID: fec.MsgDataStream, Payload: make([]byte, 200)})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	for i := 0; i < 4; i++ {
		sim.WriteLeft(frame)
	}

	swapped := false
	for elapsed := time.Duration(0); elapsed < 500*time.Millisecond && !swapped; elapsed += time.Millisecond {
		mock.Add(time.Millisecond)
		sim.Tick()
		sim.mu.Lock()
		swapped = sim.transmitter == 1
		sim.mu.Unlock()
	}
	if !swapped {
		t.Fatal("transmitter never passed to right")
	}
	sim.Left.mu.Lock()
	queued := len(sim.Left.txBuffer)
	sim.Left.mu.Unlock()
	if queued != len(frame) {
		t.Fatalf("left queues %d bytes at the swap, want one frame (%d bytes)", queued, len(frame))
	}
}
