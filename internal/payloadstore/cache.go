package payloadstore

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// readerKey identifies a cached reader by the bundle version it was opened
// for, so a new version of a bundle does not accidentally serve stale
// cached bytes for an old one.
type readerKey struct {
	BID     rhizomeid.BID
	Version uint64
}

// readerCache keeps the last-used Readers open for a short expiry window,
// avoiding reopen cost during streaming access to the same payload.
type readerCache struct {
	mu    sync.Mutex
	store *Store
	lru   *lru.LRU[readerKey, *Reader]
	open  singleflight.Group // collapses concurrent opens of the same key into one
}

func newReaderCache(store *Store, ttl time.Duration) *readerCache {
	c := &readerCache{store: store}
	c.lru = lru.NewLRU[readerKey, *Reader](256, func(_ readerKey, r *Reader) {
		_ = r.Close()
	}, ttl)
	return c
}

// Get returns a cached reader for key, opening and caching a new one via
// open if none is cached. Concurrent misses for the same key share a
// single underlying open call via singleflight, so N simultaneous readers
// of a freshly-evicted bundle don't each pay the reopen cost.
func (c *readerCache) Get(key readerKey, hash rhizomeid.FileHash, open func() (*Reader, error)) (*Reader, error) {
	c.mu.Lock()
	if r, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		c.store.metric.cacheHits.Inc()
		return r, nil
	}
	c.mu.Unlock()

	c.store.metric.cacheMisses.Inc()
	groupKey := fmt.Sprintf("%x:%d", key.BID[:], key.Version)
	v, err, _ := c.open.Do(groupKey, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.lru.Get(key); ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		r, err := open()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lru.Add(key, r)
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Reader), nil
}

// Invalidate evicts any cached reader for key, e.g. after a payload under
// that bundle version was deleted for failing verification.
func (c *readerCache) Invalidate(key readerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

func (c *readerCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
