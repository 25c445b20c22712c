package payloadstore

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// ExternalThreshold is the payload length above which a write is placed in
// an external blob file instead of inline in pebble, matching spec's
// default 128 KiB database-blob-vs-file cutoff.
const ExternalThreshold = 128 * 1024

// MaxPendingBuffer caps the total bytes a Writer may hold in its
// out-of-order pending buffer list before further out-of-order writes are
// rejected as busy.
const MaxPendingBuffer = 1 << 20

// Config controls a Store's space limits and cache behaviour.
type Config struct {
	Dir            string // base directory; blob/ subdirectory holds external payloads
	DatabaseSize   uint64 // hard cap on total accounted bytes
	MinFreeSpace   uint64 // filesystem free-space floor; stored but not consulted, the eviction loop enforces DatabaseSize only
	ReaderCacheTTL time.Duration
	Clock          clock.Clock // overridable for deterministic eviction/expiry tests; defaults to clock.New()
}

// Store is the content-addressed payload store: a pebble instance holding
// file records, small inline blobs, and the eviction index, plus an
// external blob directory for payloads over ExternalThreshold.
type Store struct {
	cfg    Config
	db     *pebble.DB
	clock  clock.Clock
	log    *zap.Logger
	metric *metrics

	usedBytes atomic.Int64

	mu      sync.Mutex // serialises admitAndCommit's evict-then-commit sequence
	readers *readerCache
}

// Open opens or creates a store rooted at cfg.Dir.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "blob"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "hash"), 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Join(cfg.Dir, "db"), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	s := &Store{
		cfg:    cfg,
		db:     db,
		clock:  c,
		log:    log,
		metric: newMetrics(),
	}
	s.readers = newReaderCache(s, ttlOrDefault(cfg.ReaderCacheTTL))
	s.usedBytes.Store(s.scanUsedBytes())
	return s, nil
}

func ttlOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Close releases the pebble handle and any open cached readers.
func (s *Store) Close() error {
	s.readers.closeAll()
	return s.db.Close()
}

// RegisterMetrics adds the store's Prometheus instruments to reg. Callers
// wire this into a node-wide registry at startup; an unregistered store
// still works, it just reports no metrics.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) {
	s.metric.Register(reg)
}

// UsedBytes returns the store's current accounted size, for status
// reporting.
func (s *Store) UsedBytes() uint64 {
	return uint64(s.usedBytes.Load())
}

// DatabaseSize returns the store's configured hard space cap.
func (s *Store) DatabaseSize() uint64 {
	return s.cfg.DatabaseSize
}

func (s *Store) blobPath(hash rhizomeid.FileHash) string {
	hex := hash.String()
	return filepath.Join(s.cfg.Dir, "blob", hex[:2], hex)
}

func (s *Store) tempPath(tempID string) string {
	return filepath.Join(s.cfg.Dir, "blob", "tmp-"+tempID)
}

// hashStatePath is where a journal write's rolling SHA-512 hasher state is
// persisted, keyed by the payload's own file hash so a later append can
// resume hashing without rereading the retained prefix. Sharded the same
// way as blobPath.
func (s *Store) hashStatePath(hash rhizomeid.FileHash) string {
	hex := hash.String()
	return filepath.Join(s.cfg.Dir, "hash", hex[:2], hex)
}

// Exists reports whether hash is already stored with valid data.
func (s *Store) Exists(hash rhizomeid.FileHash) (Status, error) {
	rec, ok, err := s.lookupRecord(hash)
	if err != nil {
		return StatusError, err
	}
	if !ok || !rec.DataValid {
		return StatusNew, nil
	}
	return StatusStored, nil
}

func (s *Store) lookupRecord(hash rhizomeid.FileHash) (fileRecord, bool, error) {
	v, closer, err := s.db.Get(fileKey(hash[:]))
	if err == pebble.ErrNotFound {
		return fileRecord{}, false, nil
	}
	if err != nil {
		return fileRecord{}, false, err
	}
	defer closer.Close()
	rec, ok := decodeRecord(v)
	if !ok {
		return fileRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) putRecord(batch *pebble.Batch, rec fileRecord) error {
	if err := batch.Set(fileKey(rec.Hash[:]), encodeRecord(rec), nil); err != nil {
		return err
	}
	return batch.Set(indexKey(rec.cost(), rec.Hash[:]), nil, nil)
}

func (s *Store) deleteRecord(batch *pebble.Batch, rec fileRecord) error {
	if err := batch.Delete(fileKey(rec.Hash[:]), nil); err != nil {
		return err
	}
	if err := batch.Delete(indexKey(rec.cost(), rec.Hash[:]), nil); err != nil {
		return err
	}
	if rec.External {
		_ = os.Remove(s.blobPath(rec.Hash))
	} else {
		_ = batch.Delete(blobKey(rec.Hash[:]), nil)
	}
	return nil
}

// scanUsedBytes computes the initial accounted size by summing every
// stored file's length; called once at Open.
func (s *Store) scanUsedBytes() int64 {
	var total int64
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixFile},
		UpperBound: []byte{prefixFile + 1},
	})
	if err != nil {
		return 0
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if rec, ok := decodeRecord(it.Value()); ok {
			total += int64(rec.Length)
		}
	}
	return total
}

// now returns the current time in epoch milliseconds, via the store's
// fakeable clock so eviction/expiry logic is deterministic under test.
func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}
