package node

import (
	"context"
	"testing"
	"time"

	"github.com/servalmesh/rhizome/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Moniker = "test-node"
	cfg.Store.DBPath = t.TempDir()
	cfg.Store.DatabaseSizeMB = 16
	cfg.RPC.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func TestNewWithoutLinkTransport(t *testing.T) {
	n, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.link != nil {
		t.Fatal("expected no link manager when transport is nil")
	}
	if n.Store() == nil {
		t.Fatal("expected a store")
	}
	if n.Lifecycle() == nil {
		t.Fatal("expected a lifecycle")
	}
	if err := n.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
}

func TestNodeStartStop(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop must be idempotent.
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
