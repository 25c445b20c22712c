package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// quietSpaceThreshold and quietDefer implement "a peer with sustained
// space >= 720 bytes gets the next heartbeat deferred by a second",
// matching original_source/mavlink.c's parse_heartbeat free_bytes>720
// check.
const (
	quietSpaceThreshold = 720
	quietDefer          = time.Second
	spaceScale          = 12.8 // remaining_space = txbuf_pct * 12.8 - 30
	spaceOffset         = 30
	rssiScale           = 1.9
)

// LinkState tracks one peer's link budget as fed by received heartbeats,
// and gates when this end may next transmit a data frame — the
// heartbeat-driven analogue of a token bucket (compare
// internal/p2p/rate_limiter.go's tokenBucket, which paces by elapsed
// time rather than by a link partner's self-reported buffer space).
type LinkState struct {
	mu sync.Mutex

	clock clock.Clock

	radioRSSI      float64
	remoteRSSI     float64
	remainingSpace int
	nextTxAllowed  time.Time
	nextHeartbeat  time.Time
}

// NewLinkState returns a LinkState using the real wall clock.
func NewLinkState() *LinkState {
	return NewLinkStateWithClock(clock.New())
}

// NewLinkStateWithClock returns a LinkState driven by the given clock,
// for deterministic tests.
func NewLinkStateWithClock(c clock.Clock) *LinkState {
	return &LinkState{clock: c, nextTxAllowed: c.Now(), nextHeartbeat: c.Now()}
}

// Observe applies a received heartbeat to the link state, per spec
// §4.F's receiver contract.
func (s *LinkState) Observe(hb Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.radioRSSI = (float64(hb.RSSILocal) - float64(hb.NoiseLocal)) / rssiScale
	s.remoteRSSI = (float64(hb.RSSIRemote) - float64(hb.NoiseRemote)) / rssiScale

	freeBytes := int(float64(hb.TxBufPercent)*spaceScale) - spaceOffset
	s.remainingSpace = freeBytes
	if freeBytes > 0 {
		s.nextTxAllowed = now
	}
	if freeBytes > quietSpaceThreshold {
		s.nextHeartbeat = now.Add(quietDefer)
	}
}

// CanTransmit reports whether a frame of frameSize bytes may be sent
// right now: the framer "may only send when remaining_space >=
// frame_size and now >= next_tx_allowed".
func (s *LinkState) CanTransmit(frameSize int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingSpace >= frameSize && !s.clock.Now().Before(s.nextTxAllowed)
}

// Consume accounts for having just sent frameSize bytes, so CanTransmit
// reflects the reduced buffer space until the next heartbeat updates it.
func (s *LinkState) Consume(frameSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainingSpace -= frameSize
}

// RadioRSSI returns the local link budget estimate from the most recent
// heartbeat.
func (s *LinkState) RadioRSSI() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioRSSI
}

// RemoteRSSI returns the remote link budget estimate from the most
// recent heartbeat.
func (s *LinkState) RemoteRSSI() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRSSI
}

// RemainingSpace returns the peer's last reported transmit buffer space.
func (s *LinkState) RemainingSpace() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingSpace
}

// NextHeartbeatDue reports whether it is time to emit another heartbeat:
// at most once per second, deferred by an additional second on quiet
// (high free-space) links.
func (s *LinkState) NextHeartbeatDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.clock.Now().Before(s.nextHeartbeat)
}

// MarkHeartbeatSent schedules the earliest time for the next heartbeat.
func (s *LinkState) MarkHeartbeatSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHeartbeat = s.clock.Now().Add(time.Second)
}
