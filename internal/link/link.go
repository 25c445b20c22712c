// Package link wires the FEC framing, heartbeat accounting, and
// transmit-pacing pieces (the fec, heartbeat and radiosim sub-packages)
// into one running subsystem: a read pump that decodes inbound frames and
// heartbeats from a transport, and a write path that frames outbound
// payloads and respects the peer's advertised buffer space.
package link

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/link/fec"
	"github.com/servalmesh/rhizome/internal/link/heartbeat"
)

// Transport is the byte-level connection a Manager drives: a live serial
// port, or (in tests and the bundled demo) one side of a
// internal/link/radiosim.Simulator. Read is expected to block until at
// least one byte is available, the same contract a serial port or
// net.Conn satisfies; the read pump has no backoff of its own.
type Transport interface {
	io.Reader
	io.Writer
}

// Config controls a Manager's framing and pacing behaviour.
type Config struct {
	MsgID byte // the message id stamped on outgoing data frames
	Clock clock.Clock
}

// Manager owns one Transport and keeps LinkState current from received
// heartbeats, writing a heartbeat-request trailer to the transport on
// schedule.
// It is the Service the node package starts and stops; the per-peer
// accounting it delegates to stays in heartbeat.LinkState so the control
// surface can read it directly without reaching into the transport.
type Manager struct {
	cfg       Config
	transport Transport
	state     *heartbeat.LinkState
	logger    *zap.Logger

	deframer *fec.Deframer
	hbBuf    []byte // separate scan buffer for heartbeats, which the deframer silently excises
	seq      byte

	recvCh chan []byte // decoded data-frame payloads, drained by Receive

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager over transport. Up to 64 decoded payloads
// can queue for Receive; when the queue is full, further decoded frames
// are dropped (and logged) rather than blocking the read pump.
func NewManager(transport Transport, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		state:     heartbeat.NewLinkStateWithClock(cfg.Clock),
		logger:    logger,
		deframer:  fec.NewDeframer(),
		recvCh:    make(chan []byte, 64),
	}
}

// State returns the link's observed RSSI/buffer-space accounting, for the
// control surface's /link/status handler.
func (m *Manager) State() *heartbeat.LinkState {
	return m.state
}

// Name identifies this service to the node's ServiceManager.
func (m *Manager) Name() string { return "link" }

// Start launches the read pump and the heartbeat scheduler.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.readLoop(ctx)
	go m.heartbeatLoop(ctx)

	m.logger.Info("link manager started")
	return nil
}

// Stop cancels the read pump and heartbeat scheduler and waits for both
// to exit.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("link manager stopped")
	return nil
}

// Receive blocks until a data frame payload arrives or ctx is done.
func (m *Manager) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-m.recvCh:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send frames payload and writes it to the transport, honouring the
// peer's last-advertised buffer space. It blocks, polling at a fixed
// interval, until LinkState.CanTransmit allows the send or ctx expires —
// the same "wait for the budget, then spend it" shape as
// internal/p2p/rate_limiter.go's Allow/Wait pair, adapted from elapsed-
// time accounting to heartbeat-reported space accounting.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	if len(payload) > fec.MaxFramePayload {
		return fmt.Errorf("link: payload of %d bytes exceeds a single frame", len(payload))
	}

	frame := fec.Frame{
		Seq:     m.nextSeq(),
		Start:   true,
		End:     true,
		MsgID:   m.cfg.MsgID,
		Payload: payload,
	}
	encoded, err := fec.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("link: encode frame: %w", err)
	}

	ticker := m.cfg.Clock.Ticker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.state.CanTransmit(len(encoded)) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := m.transport.Write(encoded); err != nil {
		return fmt.Errorf("link: write frame: %w", err)
	}
	m.state.Consume(len(encoded))
	return nil
}

func (m *Manager) nextSeq() byte {
	s := m.seq
	m.seq = (m.seq + 1) & 0x3F
	return s
}

func (m *Manager) readLoop(ctx context.Context) {
	defer m.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := m.transport.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			m.logger.Warn("link read error", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		m.deframer.Feed(buf[:n])
		for {
			frame, ok := m.deframer.Next()
			if !ok {
				break
			}
			m.dispatch(frame)
		}

		m.scanHeartbeats(buf[:n])
	}
}

// scanHeartbeats looks for heartbeat-shaped frames in newly-read bytes and
// applies them to state. It runs independently of the data-frame deframer,
// which silently discards heartbeat bytes rather than surfacing them.
func (m *Manager) scanHeartbeats(b []byte) {
	m.hbBuf = append(m.hbBuf, b...)
	for {
		idx := -1
		for i, c := range m.hbBuf {
			if c == fec.SyncByte {
				idx = i
				break
			}
		}
		if idx < 0 {
			m.hbBuf = m.hbBuf[:0]
			return
		}
		if idx > 0 {
			m.hbBuf = m.hbBuf[idx:]
		}
		if !fec.IsHeartbeatShape(m.hbBuf) {
			m.hbBuf = m.hbBuf[1:]
			continue
		}
		if len(m.hbBuf) < fec.HeartbeatLen {
			return
		}
		if hb, err := heartbeat.Decode(m.hbBuf[:fec.HeartbeatLen]); err == nil {
			m.state.Observe(hb)
		}
		m.hbBuf = m.hbBuf[fec.HeartbeatLen:]
	}
}

func (m *Manager) dispatch(frame fec.Frame) {
	if frame.MsgID == 0 && len(frame.Payload) == 0 {
		return
	}
	select {
	case m.recvCh <- frame.Payload:
	default:
		m.logger.Warn("link receive queue full, dropping frame")
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.cfg.Clock.Ticker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.state.NextHeartbeatDue() {
				continue
			}
			if _, err := m.transport.Write(heartbeat.EncodeRequest()); err != nil {
				m.logger.Warn("link heartbeat write error", zap.Error(err))
				continue
			}
			m.state.MarkHeartbeatSent()
		}
	}
}
