// Package radiosim emulates a pair of half-duplex packet-radio modems
// connected back to back, for exercising the link layer without real
// hardware. It is a direct port of original_source/fakeradio.c's
// radio_state / transfer_bytes / build_heartbeat logic.
package radiosim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/servalmesh/rhizome/internal/link/fec"
	"github.com/servalmesh/rhizome/internal/link/heartbeat"
)

const (
	txBufferSize = 1280
	rxBufferSize = 512
	packetSize   = fec.RSDataMax + 32 // 255, the wire budget of one frame

	// preambleBits mirrors fakeradio.c's PREAMBLE_LENGTH (20+8): every
	// bit of it must arrive intact or the whole frame is dropped.
	preambleBits = 28

	turnFrames      = 3
	turnaroundPause = 15 * time.Millisecond
)

type commandState int

const (
	stateOnline commandState = iota
	statePlus
	statePlusPlus
	statePlusPlusPlus
	stateCommand
)

// Endpoint is one simulated modem ("left" or "right" in the original).
type Endpoint struct {
	Name string

	mu         sync.Mutex
	state      commandState
	commandBuf []byte
	txBuffer   []byte // bytes queued by the attached host, awaiting transmission over the air
	rxBuffer   []byte // bytes delivered from the peer, awaiting the attached host's read
	seq        byte
	rssiOutput bool
	lastCharAt time.Time
	nextRSSIAt time.Time
	waitCount  int

	// RSSI/noise values this endpoint reports in its own heartbeats,
	// matching fakeradio.c's build_heartbeat hardcoded sample values.
	localRSSI   byte
	remoteRSSI  byte
	localNoise  byte
	remoteNoise byte
}

func newEndpoint(name string) *Endpoint {
	return &Endpoint{Name: name, localRSSI: 43, remoteRSSI: 35, localNoise: 20, remoteNoise: 20}
}

// write queues host-originated bytes for transmission, processing
// command-mode escapes and buffering the rest for the air per
// fakeradio.c's read_bytes. now is the simulator's clock time, so escape
// timing stays deterministic under a mock clock.
func (e *Endpoint) write(now time.Time, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCharAt = now
	for _, c := range data {
		if e.state == stateCommand {
			switch {
			case c == '\r':
				e.processCommandLocked()
				e.commandBuf = e.commandBuf[:0]
			case c == '\b' || c == 0x7f:
				if len(e.commandBuf) > 0 {
					e.commandBuf = e.commandBuf[:len(e.commandBuf)-1]
				}
			case len(e.commandBuf) < 127:
				e.commandBuf = append(e.commandBuf, c)
			}
			continue
		}
		if c == '+' {
			if e.state < statePlusPlusPlus {
				e.state++
			}
		} else {
			e.state = stateOnline
		}
		e.storeChar(c)
	}
}

func (e *Endpoint) storeChar(c byte) {
	if len(e.txBuffer) < txBufferSize {
		e.txBuffer = append(e.txBuffer, c)
	}
}

func (e *Endpoint) appendRx(b []byte) {
	if len(b)+len(e.rxBuffer) > rxBufferSize {
		return
	}
	e.rxBuffer = append(e.rxBuffer, b...)
}

func (e *Endpoint) processCommandLocked() {
	cmd := string(e.commandBuf)
	switch upper(cmd) {
	case "AT":
		e.appendRx([]byte("OK\r"))
	case "ATO":
		e.appendRx([]byte("OK\r"))
		e.state = stateOnline
	case "AT&T":
		e.appendRx([]byte("OK\r"))
		e.rssiOutput = false
	case "AT&T=RSSI":
		e.appendRx([]byte("OK\r"))
		e.rssiOutput = true
	case "ATI":
		e.appendRx([]byte("RFD900a SIMULATOR 1.6\rOK\r"))
	default:
		e.appendRx([]byte("ERROR\r"))
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// Read drains and returns bytes the peer has delivered to this endpoint.
func (e *Endpoint) Read() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.rxBuffer
	e.rxBuffer = nil
	return out
}

// Simulator ties two Endpoints together with a shared half-duplex air
// interface and a per-bit error model, mirroring fakeradio.c's main loop.
type Simulator struct {
	mu sync.Mutex

	clock      clock.Clock
	rng        *rand.Rand
	charsPerMS float64
	ber        uint32 // per-bit flip probability numerator over 2^32

	Left, Right *Endpoint

	transmitter    int // 0 = Left's turn to transmit, 1 = Right's
	txCount        int
	nextTransmitAt time.Time
}

// Config configures a new Simulator.
type Config struct {
	CharsPerMS float64
	BER        uint32
	Clock      clock.Clock
	Seed       int64
}

// New returns a Simulator with both endpoints idle and Left holding the
// first transmit turn.
func New(cfg Config) *Simulator {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	charsPerMS := cfg.CharsPerMS
	if charsPerMS <= 0 {
		charsPerMS = 1
	}
	return &Simulator{
		clock:          c,
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		charsPerMS:     charsPerMS,
		ber:            cfg.BER,
		Left:           newEndpoint("left"),
		Right:          newEndpoint("right"),
		txCount:        turnFrames,
		nextTransmitAt: c.Now(),
	}
}

// WriteLeft queues bytes from the host attached to the left endpoint.
func (s *Simulator) WriteLeft(data []byte) {
	s.Left.write(s.clock.Now(), data)
}

// WriteRight queues bytes from the host attached to the right endpoint.
func (s *Simulator) WriteRight(data []byte) {
	s.Right.write(s.clock.Now(), data)
}

func (s *Simulator) endpoints() (t, r *Endpoint) {
	if s.transmitter == 0 {
		return s.Left, s.Right
	}
	return s.Right, s.Left
}

// Tick runs one simulation step: command-mode escape timeouts, RSSI
// status lines, and — when due — an air transfer between the endpoints.
// Callers drive this from their own event loop or test clock.
func (s *Simulator) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	for _, e := range []*Endpoint{s.Left, s.Right} {
		e.mu.Lock()
		if e.state == statePlusPlusPlus && !e.lastCharAt.IsZero() && !now.Before(e.lastCharAt.Add(time.Second)) {
			e.appendRx([]byte("OK\r\n"))
			e.state = stateCommand
		}
		if e.rssiOutput && !now.Before(e.nextRSSIAt) {
			e.appendRx([]byte("L/R RSSI: 200/190  L/R noise: 80/70 pkts: 10  txe=0 rxe=0 stx=0 srx=0 ecc=0/0 temp=42 dco=0\r\n"))
			e.nextRSSIAt = now.Add(time.Second)
		}
		e.mu.Unlock()
	}

	if !now.Before(s.nextTransmitAt) {
		s.transferLocked(now)
	}
}

// transferLocked ports fakeradio.c's transfer_bytes: it sends as many
// whole frames as are buffered (up to one packet's worth), applies the
// bit error model, and advances the half-duplex turn.
func (s *Simulator) transferLocked(now time.Time) {
	t, r := s.endpoints()

	t.mu.Lock()
	bytes := len(t.txBuffer)
	if bytes > packetSize {
		bytes = packetSize
	}

	send := s.chooseSendLength(t, bytes)

	if send < bytes && send == 0 {
		if bytes < packetSize && t.waitCount < 5 {
			t.waitCount++
		} else {
			send = bytes
		}
	}
	if send > 0 {
		t.waitCount = 0
	}

	payload := append([]byte(nil), t.txBuffer[:send]...)
	t.txBuffer = t.txBuffer[send:]
	t.mu.Unlock()

	if send > 0 {
		s.deliver(t, r, payload)
	}

	s.nextTransmitAt = now.Add(5*time.Millisecond + time.Duration(float64(send)/s.charsPerMS*float64(time.Millisecond)))

	s.txCount--
	if send == 0 || s.txCount <= 0 {
		s.transmitter ^= 1
		s.txCount = turnFrames
		s.nextTransmitAt = s.nextTransmitAt.Add(turnaroundPause)
	}
}

// chooseSendLength walks t's buffered bytes looking for whole frame
// boundaries so a transfer never splits a frame, the same shape as
// transfer_bytes's inner scanning loop. Unlike fakeradio.c's raw 8-bit
// length byte, this frame format Golay-codes its length field across
// three bytes, so boundaries are found by asking the fec package to
// decode each candidate frame rather than by arithmetic on a raw byte.
// It also detects and synthesises heartbeat replies to outgoing
// heartbeat-shaped frames.
func (s *Simulator) chooseSendLength(t *Endpoint, bytes int) int {
	send := 0
	p := 0
	for p < bytes {
		if t.txBuffer[p] != fec.SyncByte {
			send = p
			p++
			continue
		}
		window := t.txBuffer[p:bytes]
		if fec.IsHeartbeatShape(window) {
			if len(window) < fec.HeartbeatLen {
				break
			}
			s.buildHeartbeatLocked(t)
			p += fec.HeartbeatLen
			send = p
			continue
		}
		_, consumed, status := fec.DecodeFrameAt(window)
		switch status {
		case fec.DecodeOK:
			p += consumed
			send = p
		case fec.DecodeIncomplete:
			return send
		default: // DecodeInvalid: not a real frame start, skip the sync byte
			send = p
			p++
		}
	}
	return send
}

// buildHeartbeatLocked synthesises a reply heartbeat from t back to its
// own host, mirroring fakeradio.c's build_heartbeat: the modem reports
// its own buffer headroom and fixed sample RSSI/noise figures.
func (s *Simulator) buildHeartbeatLocked(t *Endpoint) {
	space := txBufferSize - len(t.txBuffer)
	pct := byte((space * 100) / txBufferSize)
	hb := heartbeat.Encode(heartbeat.Heartbeat{
		Seq:          t.seq,
		RSSILocal:    t.localRSSI,
		RSSIRemote:   t.remoteRSSI,
		TxBufPercent: pct,
		NoiseLocal:   t.localNoise,
		NoiseRemote:  t.remoteNoise,
	})
	t.seq++
	t.appendRx(hb)
}

// deliver applies the per-bit error model to payload and, absent a
// preamble-triggered drop, appends the (possibly bit-flipped) bytes to
// r's receive buffer.
func (s *Simulator) deliver(t, r *Endpoint, payload []byte) {
	dropped := false
	for i := 0; i < preambleBits; i++ {
		if s.flip() {
			dropped = true
		}
	}
	if dropped {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range payload {
		for bit := 0; bit < 8; bit++ {
			if s.flip() {
				b ^= 1 << uint(bit)
			}
		}
		if len(r.rxBuffer) >= rxBufferSize {
			break
		}
		r.rxBuffer = append(r.rxBuffer, b)
	}
}

// flip reports a single simulated bit error, with probability ber/2^32.
func (s *Simulator) flip() bool {
	if s.ber == 0 {
		return false
	}
	return s.rng.Uint32() < s.ber
}
