package payloadstore

import (
	"crypto/sha512"
	"hash"
	"io"
	"os"

	"github.com/cockroachdb/pebble"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// Reader streams a stored payload's bytes back out, verifying the content
// hash automatically when every read happens to have been strictly
// sequential from offset zero.
type Reader struct {
	store *Store
	rec   fileRecord

	file   *os.File // non-nil for external payloads
	inline []byte   // loaded once for inline payloads

	crypt *cryptoState

	sequential bool // true as long as every ReadAt call has continued exactly where the last left off
	hashOffset uint64
	hasher     hash.Hash
	verified   int // 1 = verified good, -1 = verified corrupt, 0 = not (yet) verified
}

// OpenRead opens hash for reading. Status is StatusNew if no record exists,
// StatusStored if it does.
func (s *Store) OpenRead(hash rhizomeid.FileHash, cryptKey *rhizomeid.BSK) (*Reader, Status, error) {
	rec, ok, err := s.lookupRecord(hash)
	if err != nil {
		return nil, StatusError, err
	}
	if !ok || !rec.DataValid {
		return nil, StatusNew, nil
	}

	r := &Reader{
		store:      s,
		rec:        rec,
		sequential: true,
		hasher:     sha512.New(),
	}
	if cryptKey != nil {
		cs, err := deriveCryptoState(*cryptKey, hash, 0)
		if err != nil {
			return nil, StatusCryptoFail, err
		}
		r.crypt = cs
	}

	if rec.External {
		f, err := os.Open(s.blobPath(hash))
		if err != nil {
			// files row exists but the blob is gone: treat as missing and
			// clean up the inconsistent row.
			s.forgetInconsistentRecord(rec)
			return nil, StatusNew, nil
		}
		r.file = f
	} else {
		v, closer, err := s.db.Get(blobKey(hash[:]))
		if err == pebble.ErrNotFound {
			s.forgetInconsistentRecord(rec)
			return nil, StatusNew, nil
		}
		if err != nil {
			return nil, StatusError, err
		}
		r.inline = append([]byte(nil), v...)
		closer.Close()
	}
	return r, StatusStored, nil
}

func (s *Store) forgetInconsistentRecord(rec fileRecord) {
	batch := s.db.NewBatch()
	_ = s.deleteRecord(batch, rec)
	_ = s.withRetry(func() error { return batch.Commit(pebble.Sync) })
	s.usedBytes.Add(-int64(rec.Length))
}

// ReadAt reads length bytes starting at offset, decrypting transparently if
// the reader was opened with a crypt key.
func (r *Reader) ReadAt(offset uint64, length int) ([]byte, error) {
	if offset != r.hashOffset {
		r.sequential = false
	}

	buf := make([]byte, length)
	var n int
	var err error
	if r.file != nil {
		n, err = r.file.ReadAt(buf, int64(offset))
		if err == io.EOF && n > 0 {
			err = nil
		}
	} else {
		end := int(offset) + length
		if end > len(r.inline) {
			end = len(r.inline)
		}
		if int(offset) >= len(r.inline) {
			n = 0
		} else {
			n = copy(buf, r.inline[offset:end])
		}
	}
	if err != nil {
		return nil, err
	}
	buf = buf[:n]

	if r.crypt != nil {
		r.crypt.XORKeyStream(buf)
	}
	if r.sequential && offset == r.hashOffset {
		r.hasher.Write(buf)
		r.hashOffset += uint64(n)
	}
	return buf, nil
}

// Close verifies the payload's hash if every read was sequential and
// together covered the whole payload, deleting it on mismatch, then
// releases the backing file handle.
func (r *Reader) Close() error {
	if r.sequential && r.hashOffset == r.rec.Length {
		sum := r.hasher.Sum(nil)
		ok := true
		for i, b := range sum {
			if b != r.rec.Hash[i] {
				ok = false
				break
			}
		}
		if ok {
			r.verified = 1
			r.touchLastVerified()
		} else {
			r.verified = -1
			r.store.forgetInconsistentRecord(r.rec)
		}
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) touchLastVerified() {
	rec := r.rec
	rec.LastVerified = r.store.now()
	batch := r.store.db.NewBatch()
	_ = r.store.putRecord(batch, rec)
	_ = r.store.withRetry(func() error { return batch.Commit(pebble.Sync) })
}

// Verified reports the outcome of the sequential hash check performed at
// Close: 1 verified good, -1 verified corrupt (and deleted), 0 not checked
// (reads were not fully sequential).
func (r *Reader) Verified() int { return r.verified }

// Length returns the payload's total length.
func (r *Reader) Length() uint64 { return r.rec.Length }
