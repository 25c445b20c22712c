package payloadstore

import (
	"github.com/cockroachdb/pebble"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

const prefixManifest = 'm' // m/<bid> -> packed manifest bytes (latest version only)

func manifestKey(bid []byte) []byte {
	k := make([]byte, 0, 1+len(bid))
	k = append(k, prefixManifest)
	return append(k, bid...)
}

// PutManifest stores the packed bytes of a bundle's current manifest,
// keyed by bundle id. Bundle version history beyond the latest is not kept
// here; the store only needs the latest manifest to answer lookups and
// drive deduplication search.
func (s *Store) PutManifest(bid rhizomeid.BID, packed []byte) error {
	return s.withRetry(func() error {
		return s.db.Set(manifestKey(bid[:]), packed, pebble.Sync)
	})
}

// GetManifest returns the packed manifest bytes stored for bid, if any.
func (s *Store) GetManifest(bid rhizomeid.BID) ([]byte, bool, error) {
	v, closer, err := s.db.Get(manifestKey(bid[:]))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

// DeleteManifest removes bid's stored manifest.
func (s *Store) DeleteManifest(bid rhizomeid.BID) error {
	return s.withRetry(func() error {
		return s.db.Delete(manifestKey(bid[:]), pebble.Sync)
	})
}

// EachManifest calls fn with the packed bytes of every stored manifest, in
// bundle-id order, stopping early if fn returns false. It backs the
// bundle lifecycle's deduplication search (§4.D), which has no better
// index than a linear scan over a field tuple that is not itself part of
// any key.
func (s *Store) EachManifest(fn func(bid rhizomeid.BID, packed []byte) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixManifest},
		UpperBound: []byte{prefixManifest + 1},
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		var bid rhizomeid.BID
		copy(bid[:], it.Key()[1:])
		if !fn(bid, append([]byte(nil), it.Value()...)) {
			break
		}
	}
	return nil
}
