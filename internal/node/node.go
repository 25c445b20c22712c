// Package node wires together a rhizome node's subsystems: the payload
// store, the optional packet-radio link, the control HTTP surface, and
// telemetry.
package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/bundle"
	"github.com/servalmesh/rhizome/internal/config"
	"github.com/servalmesh/rhizome/internal/control"
	rlink "github.com/servalmesh/rhizome/internal/link"
	"github.com/servalmesh/rhizome/internal/link/fec"
	"github.com/servalmesh/rhizome/internal/link/heartbeat"
	"github.com/servalmesh/rhizome/internal/payloadstore"
	"github.com/servalmesh/rhizome/internal/telemetry"
)

// Node is the top-level rhizome node that owns and manages all
// subsystems.
type Node struct {
	cfg *config.Config

	store      *payloadstore.Store
	lifecycle  *bundle.Lifecycle
	link       *rlink.Manager // nil when cfg.Link.Device is unset
	control    *control.Server
	metrics    *telemetry.Metrics
	metricsSrv *telemetry.MetricsServer

	svcMgr *ServiceManager
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Transport is implemented by whatever concrete connection backs the
// link layer (a live serial port, or a radiosim.Simulator endpoint in
// tests and demos); New takes it already opened so this package stays
// agnostic to how it was obtained.
type Transport = rlink.Transport

// New creates and wires all subsystems without starting them. transport
// may be nil; the link subsystem is omitted in that case, same as if
// cfg.Link.Device were empty.
func New(cfg *config.Config, transport Transport, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("moniker", cfg.Moniker))

	store, err := payloadstore.Open(payloadstore.Config{
		Dir:            cfg.Store.DBPath,
		DatabaseSize:   cfg.Store.DatabaseSizeMB << 20,
		MinFreeSpace:   cfg.Store.MinFreeSpaceMB << 20,
		ReaderCacheTTL: cfg.Store.ReaderCacheTTL.Duration,
	}, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	lifecycle := bundle.New(store, logger.Named("bundle"))

	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("rhizome")
		store.RegisterMetrics(metrics.Registry())
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}

	var linkMgr *rlink.Manager
	var linkState *heartbeat.LinkState
	if transport != nil && cfg.Link.Device != "" {
		linkMgr = rlink.NewManager(transport, rlink.Config{
			MsgID: fec.MsgDataStream,
		}, logger.Named("link"))
		linkState = linkMgr.State()
	}

	ctrl := control.New(cfg.RPC.HTTPAddr, lifecycle, store, linkState, metrics, logger.Named("control"))

	svcMgr := NewServiceManager(logger)
	if linkMgr != nil {
		svcMgr.Add(linkMgr)
	}
	svcMgr.Add(ctrl)

	return &Node{
		cfg:        cfg,
		store:      store,
		lifecycle:  lifecycle,
		link:       linkMgr,
		control:    ctrl,
		metrics:    metrics,
		metricsSrv: metricsSrv,
		svcMgr:     svcMgr,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start boots all subsystems in dependency order: link before control,
// so the control surface's /link/status has a live Manager behind it
// the instant it starts serving.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("node starting")

	if err := n.svcMgr.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: %w", err)
	}

	if n.metricsSrv != nil {
		go func() {
			if err := n.metricsSrv.Start(); err != nil {
				n.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	n.logger.Info("node started", zap.String("control_addr", n.cfg.RPC.HTTPAddr))
	return nil
}

// Stop gracefully shuts down all subsystems in reverse order. It is
// safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.logger.Info("node stopping")

	if n.cancel != nil {
		n.cancel()
	}

	svcErr := n.svcMgr.StopAll()

	if n.metricsSrv != nil {
		_ = n.metricsSrv.Stop()
	}

	var storeErr error
	if n.store != nil {
		storeErr = n.store.Close()
	}

	n.logger.Info("node stopped")
	close(n.done)

	if svcErr != nil {
		return svcErr
	}
	return storeErr
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return nil
}

// Store returns the node's payload store, for testing and the CLI.
func (n *Node) Store() *payloadstore.Store { return n.store }

// Lifecycle returns the node's bundle lifecycle, for testing.
func (n *Node) Lifecycle() *bundle.Lifecycle { return n.lifecycle }
