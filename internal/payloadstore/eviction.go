package payloadstore

import (
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// incomingCostOffsetMS is the fixed discount applied to an about-to-be-
// admitted payload's cost, so that it competes fairly against already-aged
// resident files instead of always looking newest. Matches spec.md's
// literal "now - 10 min - size" incoming-cost formula.
const incomingCostOffsetMS = 10 * 60 * 1000

// admitAndCommit runs the eviction loop if needed to make room for length
// bytes, then commits w's payload as a new fileRecord. It is the single
// place writes become durable, matching spec's single commit point at the
// end of Finish. When the payload is too big for the store or room cannot
// be made, it discards w's temporary bytes and commits nothing.
func (s *Store) admitAndCommit(w *Writer, hash rhizomeid.FileHash, length uint64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.DatabaseSize
	if limit > 0 && length > limit {
		w.abort()
		return StatusTooBig, nil
	}

	evicted, ok, err := s.makeRoom(length)
	if err != nil {
		return StatusError, err
	}
	if !ok {
		w.abort()
		return StatusEvicted, nil
	}

	rec := fileRecord{
		Hash:         hash,
		Length:       length,
		DataValid:    true,
		InsertTimeMS: s.now(),
		LastVerified: s.now(),
		External:     w.external,
	}

	batch := s.db.NewBatch()
	if !w.external {
		if err := batch.Set(blobKey(hash[:]), w.inline, nil); err != nil {
			return StatusError, err
		}
	}
	if err := s.putRecord(batch, rec); err != nil {
		return StatusError, err
	}
	if err := s.withRetry(func() error { return batch.Commit(pebble.Sync) }); err != nil {
		return StatusError, err
	}

	if w.external {
		if err := w.commitExternal(hash); err != nil {
			return StatusError, err
		}
	}
	s.usedBytes.Add(int64(length))
	s.metric.usedBytes.Set(float64(s.usedBytes.Load()))

	if w.external && w.journal {
		if err := s.persistHashState(w, hash); err != nil {
			s.log.Warn("failed to persist journal hash state", zap.Error(err))
		}
	}

	_ = evicted
	return StatusNew, nil
}

// makeRoom's eviction loop has no vacuum step of its own: spec's "vacuum if
// free pages exceed a quarter of all pages, or the database still exceeds
// its share" post-loop housekeeping is left to pebble's own background
// compaction instead of being reimplemented here, since pebble (unlike the
// original's sqlite-backed store) already reclaims space from deleted keys
// without an explicit vacuum call.

// makeRoom iterates the eviction index in ascending cost order, deleting
// candidates until projected usage plus incomingLength fits under the
// configured limit or the incoming payload's own cost loses to the next
// candidate. It returns how many payloads were evicted and whether enough
// room was ultimately freed.
func (s *Store) makeRoom(incomingLength uint64) (evicted int, ok bool, err error) {
	limit := s.cfg.DatabaseSize
	if limit == 0 {
		return 0, true, nil
	}
	incomingCost := s.now() - incomingCostOffsetMS - int64(incomingLength)

	for uint64(s.usedBytes.Load())+incomingLength > limit {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{prefixIndex},
			UpperBound: []byte{prefixIndex + 1},
		})
		if err != nil {
			return evicted, false, err
		}
		if !it.First() {
			it.Close()
			return evicted, false, nil
		}
		key := append([]byte(nil), it.Key()...)
		it.Close()

		hash := key[9:]
		var fh rhizomeid.FileHash
		copy(fh[:], hash)
		rec, found, err := s.lookupRecord(fh)
		if err != nil {
			return evicted, false, err
		}
		if !found {
			// Stale index entry outliving its record; drop it and retry.
			batch := s.db.NewBatch()
			_ = batch.Delete(key, nil)
			_ = s.withRetry(func() error { return batch.Commit(pebble.Sync) })
			continue
		}
		if incomingCost < rec.cost() {
			return evicted, false, nil
		}

		batch := s.db.NewBatch()
		if err := s.deleteRecord(batch, rec); err != nil {
			return evicted, false, err
		}
		if err := s.withRetry(func() error { return batch.Commit(pebble.Sync) }); err != nil {
			return evicted, false, err
		}
		s.usedBytes.Add(-int64(rec.Length))
		s.metric.evictions.Inc()
		evicted++
	}
	return evicted, true, nil
}

// withRetry retries fn up to retryBudget times on a transient backend
// error, reporting the final error (or nil on eventual success) instead of
// looping forever, centralized in one helper rather than scattered per
// call site. The attempts run back to back with no delay between them;
// Writer.Finish reports an exhausted budget as StatusBusy.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		s.metric.busyRetries.Inc()
	}
	return err
}
