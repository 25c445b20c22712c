package payloadstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

func TestReaderCacheHitAfterFirstOpen(t *testing.T) {
	store := &Store{metric: newMetrics()}
	c := newReaderCache(store, time.Minute)

	key := readerKey{Version: 1}
	var opens int32
	open := func() (*Reader, error) {
		atomic.AddInt32(&opens, 1)
		return &Reader{}, nil
	}

	if _, err := c.Get(key, rhizomeid.FileHash{}, open); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(key, rhizomeid.FileHash{}, open); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&opens); got != 1 {
		t.Fatalf("opens = %d, want 1", got)
	}
}

func TestReaderCacheCollapsesConcurrentMisses(t *testing.T) {
	store := &Store{metric: newMetrics()}
	c := newReaderCache(store, time.Minute)

	key := readerKey{Version: 7}
	var opens int32
	start := make(chan struct{})
	open := func() (*Reader, error) {
		<-start
		atomic.AddInt32(&opens, 1)
		return &Reader{}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Get(key, rhizomeid.FileHash{}, open); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&opens); got != 1 {
		t.Fatalf("opens = %d, want 1 (singleflight should collapse concurrent misses)", got)
	}
}

func TestReaderCacheInvalidate(t *testing.T) {
	store := &Store{metric: newMetrics()}
	c := newReaderCache(store, time.Minute)

	key := readerKey{Version: 2}
	var opens int32
	open := func() (*Reader, error) {
		atomic.AddInt32(&opens, 1)
		return &Reader{}, nil
	}

	if _, err := c.Get(key, rhizomeid.FileHash{}, open); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate(key)
	if _, err := c.Get(key, rhizomeid.FileHash{}, open); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&opens); got != 2 {
		t.Fatalf("opens = %d, want 2 after invalidate", got)
	}
}
