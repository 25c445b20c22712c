package payloadstore

import (
	"crypto/sha512"
	"encoding"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// journalHead is the store's own pointer to a journal bundle's current
// payload identity, keyed by bundle id under prefixJournal. It lets
// OpenJournalWrite decide whether an append can resume from persisted hash
// state without the caller re-deriving it from the manifest.
type journalHead struct {
	FileHash rhizomeid.FileHash
	Length   uint64
}

const journalHeadEncodedLen = rhizomeid.FileHashSize + 8

func encodeJournalHead(h journalHead) []byte {
	buf := make([]byte, journalHeadEncodedLen)
	copy(buf[:rhizomeid.FileHashSize], h.FileHash[:])
	putUint64(buf[rhizomeid.FileHashSize:], h.Length)
	return buf
}

func decodeJournalHead(buf []byte) (journalHead, bool) {
	if len(buf) != journalHeadEncodedLen {
		return journalHead{}, false
	}
	var h journalHead
	copy(h.FileHash[:], buf[:rhizomeid.FileHashSize])
	h.Length = getUint64(buf[rhizomeid.FileHashSize:])
	return h, true
}

// RecordJournalHead stores bid's current journal payload identity, called
// once a journal bundle's payload (genesis or append) has been committed.
func (s *Store) RecordJournalHead(bid rhizomeid.BID, fileHash rhizomeid.FileHash, length uint64) error {
	return s.db.Set(journalKey(bid[:]), encodeJournalHead(journalHead{FileHash: fileHash, Length: length}), pebble.Sync)
}

// JournalHead returns the last-recorded payload identity for bid's journal,
// or ok == false if none has been recorded (e.g. the journal's genesis
// version hasn't been committed through this store).
func (s *Store) JournalHead(bid rhizomeid.BID) (h journalHead, ok bool, err error) {
	v, closer, err := s.db.Get(journalKey(bid[:]))
	if err == pebble.ErrNotFound {
		return journalHead{}, false, nil
	}
	if err != nil {
		return journalHead{}, false, err
	}
	defer closer.Close()
	h, ok = decodeJournalHead(v)
	return h, ok, nil
}

// JournalPipe copies [start, start+length) of an existing payload
// (sourceHash) into dst, an already-open Writer for the journal's new
// version. When start == 0 the copy begins at dst's own current hashed
// offset so the writer's running hash state carries over unbroken from the
// previous version's bytes, matching spec's "preserving the rolling hash
// state when start == 0" requirement.
func JournalPipe(store *Store, dst *Writer, sourceHash rhizomeid.FileHash, start, length uint64) error {
	src, status, err := store.OpenRead(sourceHash, nil)
	if err != nil {
		return err
	}
	if status != StatusStored {
		return errJournalSourceMissing
	}
	defer src.Close()

	const chunk = 64 * 1024
	remaining := length
	offset := start
	for remaining > 0 {
		n := chunk
		if uint64(n) > remaining {
			n = int(remaining)
		}
		data, err := src.ReadAt(offset, n)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if _, err := dst.Write(data); err != nil {
			return err
		}
		offset += uint64(len(data))
		remaining -= uint64(len(data))
	}
	return nil
}

// OpenJournalWrite opens a Writer for the next version of bid's journal
// payload, having dropped advanceBy bytes from the head of the current one.
// When advanceBy is 0 and a persisted rolling-hash state exists for the
// current payload, the retained bytes are carried forward without
// rereading or rehashing them (the hash/<hex> fast path); otherwise the
// retained bytes are streamed through JournalPipe, rehashing them once as
// they pass through (never twice).
func (s *Store) OpenJournalWrite(bid rhizomeid.BID, advanceBy uint64, opts WriterOptions) (*Writer, Status, error) {
	opts.Journal = true

	head, ok, err := s.JournalHead(bid)
	if err != nil {
		return nil, StatusError, err
	}
	if !ok {
		// No prior payload recorded for this journal: nothing to carry
		// forward, so this is effectively a genesis write.
		return s.OpenWrite(opts)
	}
	if advanceBy > head.Length {
		return nil, StatusError, errJournalAdvanceTooFar
	}
	copyLength := head.Length - advanceBy

	if advanceBy == 0 && copyLength > 0 {
		if w, err := s.openResumedWriter(head.FileHash, head.Length); err == nil {
			w.journal = true
			return w, StatusNew, nil
		}
		// Any failure to resume (missing blob, missing/corrupt hash state,
		// hardlink across filesystems) falls back to the generic path below
		// rather than failing the append outright.
	}

	w, status, err := s.OpenWrite(opts)
	if err != nil || status != StatusNew {
		return w, status, err
	}
	w.journal = true
	if copyLength > 0 {
		if err := JournalPipe(s, w, head.FileHash, advanceBy, copyLength); err != nil {
			return nil, StatusError, err
		}
	}
	return w, StatusNew, nil
}

// openResumedWriter attempts the fast path for a pure append (advanceBy ==
// 0): hardlink the existing blob so its bytes need not be rewritten, seek
// past them, and restore the hasher state persisted at the previous
// commit. Grounded on the original store's append_existing_journal_file.
func (s *Store) openResumedWriter(sourceHash rhizomeid.FileHash, sourceLength uint64) (*Writer, error) {
	hasher, err := s.loadHashState(sourceHash)
	if err != nil {
		return nil, err
	}

	tempID := uuid.NewString()
	dst := s.tempPath(tempID)
	if err := os.Link(s.blobPath(sourceHash), dst); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dst, os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(dst)
		return nil, err
	}
	if _, err := f.Seek(int64(sourceLength), io.SeekStart); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return nil, err
	}

	return &Writer{
		store:        s,
		tempID:       tempID,
		external:     true,
		file:         f,
		hasher:       hasher,
		hashedOffset: sourceLength,
	}, nil
}

// persistHashState saves w's hasher state (via crypto/sha512's
// encoding.BinaryMarshaler implementation) under hashStatePath(hash), so a
// later journal append can resume hashing without rereading this payload's
// bytes. Only meaningful for external journal writers; called from
// admitAndCommit right after a journal payload is admitted.
func (s *Store) persistHashState(w *Writer, hash rhizomeid.FileHash) error {
	marshaler, ok := w.hasher.(encoding.BinaryMarshaler)
	if !ok {
		return errJournalNoHashState
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return err
	}
	path := s.hashStatePath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, state, 0o600)
}

// loadHashState restores a sha512 hasher from the state persisted by
// persistHashState for hash.
func (s *Store) loadHashState(hash rhizomeid.FileHash) (hash.Hash, error) {
	state, err := os.ReadFile(s.hashStatePath(hash))
	if err != nil {
		return nil, err
	}
	h := sha512.New()
	unmarshaler, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errJournalNoHashState
	}
	if err := unmarshaler.UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return h, nil
}

var (
	errJournalSourceMissing = writerError("payloadstore: journal source payload not found")
	errJournalAdvanceTooFar = writerError("payloadstore: journal advance_by exceeds current payload length")
	errJournalNoHashState   = writerError("payloadstore: hasher does not support binary marshaling")
)
