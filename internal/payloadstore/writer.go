package payloadstore

import (
	"crypto/sha512"
	"hash"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// hashBlockSize is the chunk size used when draining contiguous bytes
// through the hasher and (if configured) the stream cipher, matching
// spec's "hashed ... in 4 KiB blocks" description.
const hashBlockSize = 4096

type pendingBuf struct {
	offset uint64
	data   []byte
}

// Writer accumulates a payload's bytes, in order or out of order, hashing
// and optionally encrypting a contiguous prefix as soon as it becomes
// available and flushing it to the chosen backend (external file or inline
// pebble blob).
type Writer struct {
	store *Store

	tempID string

	expectedHash   rhizomeid.FileHash
	haveExpHash    bool
	expectedLength uint64
	haveExpLength  bool

	external bool
	file     *os.File
	inline   []byte // accumulated bytes for an inline (pebble-value) blob

	hasher hash.Hash
	crypt  *cryptoState

	hashedOffset  uint64 // contiguous high-water mark hashed (and flushed)
	pending       []pendingBuf
	pendingBytes  int

	journal  bool // true for a journal bundle's payload write; gates hash-state persistence at commit
	finished bool
}

// WriterOptions configures a new Writer.
type WriterOptions struct {
	ExpectedHash   *rhizomeid.FileHash
	ExpectedLength *uint64
	BundleSecret   *rhizomeid.BSK   // non-nil if the payload is encrypted
	CryptHash      rhizomeid.FileHash // the file hash feeding the key schedule when BundleSecret is set
	TailOffset     uint64           // journal resume point: stream counter starts here
	Journal        bool             // true for a journal bundle's payload write
}

// OpenWrite begins a new payload write. If ExpectedLength is known and
// exceeds ExternalThreshold, or is unknown, the payload is placed in an
// external file; otherwise it is kept inline and committed as a pebble
// value.
func (s *Store) OpenWrite(opts WriterOptions) (*Writer, Status, error) {
	tempID := uuid.NewString()
	w := &Writer{
		store:   s,
		tempID:  tempID,
		hasher:  sha512.New(),
		journal: opts.Journal,
	}
	if opts.ExpectedHash != nil {
		w.expectedHash = *opts.ExpectedHash
		w.haveExpHash = true
	}
	if opts.ExpectedLength != nil {
		w.expectedLength = *opts.ExpectedLength
		w.haveExpLength = true
	}
	if !w.haveExpLength || w.expectedLength > ExternalThreshold {
		w.external = true
		f, err := os.Create(s.tempPath(tempID))
		if err != nil {
			return nil, StatusError, err
		}
		w.file = f
	}
	if opts.BundleSecret != nil {
		cs, err := deriveCryptoState(*opts.BundleSecret, opts.CryptHash, blockCounterForOffset(opts.TailOffset))
		if err != nil {
			return nil, StatusCryptoFail, err
		}
		w.crypt = cs
	}
	return w, StatusNew, nil
}

// WriteAt writes bytes at an arbitrary offset, buffering out-of-order data
// until it can be hashed and flushed in order.
func (w *Writer) WriteAt(offset uint64, data []byte) (Status, error) {
	if w.finished {
		return StatusError, errWriterFinished
	}
	if offset < w.hashedOffset {
		// Overlaps already-consumed bytes; trim the already-seen prefix.
		skip := w.hashedOffset - offset
		if skip >= uint64(len(data)) {
			return StatusNew, nil
		}
		offset = w.hashedOffset
		data = data[skip:]
	}
	if offset == w.hashedOffset {
		if err := w.consume(data); err != nil {
			return StatusError, err
		}
		w.drainPending()
		return StatusNew, nil
	}
	if w.pendingBytes+len(data) > MaxPendingBuffer {
		return StatusBusy, nil
	}
	w.insertPending(offset, data)
	return StatusNew, nil
}

// Write appends bytes sequentially at the writer's current hashed offset.
func (w *Writer) Write(data []byte) (Status, error) {
	return w.WriteAt(w.hashedOffset, data)
}

func (w *Writer) insertPending(offset uint64, data []byte) {
	buf := pendingBuf{offset: offset, data: append([]byte(nil), data...)}
	i := sort.Search(len(w.pending), func(i int) bool { return w.pending[i].offset >= offset })
	w.pending = append(w.pending, pendingBuf{})
	copy(w.pending[i+1:], w.pending[i:])
	w.pending[i] = buf
	w.pendingBytes += len(data)
}

// drainPending consumes contiguous buffers from the head of the pending
// list for as long as the next buffer's offset is at or before the current
// hashed offset, splitting overlaps against already-consumed bytes.
func (w *Writer) drainPending() {
	for len(w.pending) > 0 {
		head := w.pending[0]
		if head.offset > w.hashedOffset {
			return
		}
		data := head.data
		if head.offset < w.hashedOffset {
			skip := w.hashedOffset - head.offset
			if skip >= uint64(len(data)) {
				w.pendingBytes -= len(head.data)
				w.pending = w.pending[1:]
				continue
			}
			data = data[skip:]
		}
		w.pendingBytes -= len(head.data)
		w.pending = w.pending[1:]
		if err := w.consume(data); err != nil {
			return
		}
	}
}

// consume hashes, optionally encrypts, and flushes data (which must begin
// exactly at w.hashedOffset) in hashBlockSize chunks.
func (w *Writer) consume(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > hashBlockSize {
			n = hashBlockSize
		}
		chunk := append([]byte(nil), data[:n]...)
		w.hasher.Write(chunk)
		if w.crypt != nil {
			w.crypt.XORKeyStream(chunk)
		}
		if err := w.flush(chunk); err != nil {
			return err
		}
		w.hashedOffset += uint64(n)
		data = data[n:]
	}
	return nil
}

func (w *Writer) flush(chunk []byte) error {
	if w.external {
		_, err := w.file.Write(chunk)
		return err
	}
	w.inline = append(w.inline, chunk...)
	return nil
}

// FinishResult carries the outcome of Finish alongside the final hash, for
// callers (the bundle lifecycle) that need the computed digest even on a
// deduplicating Stored outcome.
type FinishResult struct {
	Status Status
	Hash   rhizomeid.FileHash
}

// Finish completes the write: validates length and hash expectations,
// deduplicates against an existing record, and commits the file/blob into
// the store.
func (w *Writer) Finish() (res FinishResult, err error) {
	defer func() {
		if res.Status != StatusNew && res.Status != StatusStored {
			w.store.metric.writesFailed.Inc()
		}
	}()
	if w.finished {
		return FinishResult{Status: StatusError}, errWriterFinished
	}
	w.finished = true
	w.drainPending()

	length := w.hashedOffset
	if w.haveExpLength && length != w.expectedLength {
		w.abort()
		return FinishResult{Status: StatusWrongSize}, nil
	}

	sum := w.hasher.Sum(nil)
	hash, err := rhizomeid.FileHashFromBytes(sum)
	if err != nil {
		w.abort()
		return FinishResult{Status: StatusError}, err
	}
	if w.haveExpHash && hash != w.expectedHash {
		w.abort()
		return FinishResult{Status: StatusWrongHash, Hash: hash}, nil
	}

	if existing, ok, err := w.store.lookupRecord(hash); err != nil {
		w.abort()
		return FinishResult{Status: StatusError}, err
	} else if ok && existing.DataValid {
		w.abort()
		return FinishResult{Status: StatusStored, Hash: hash}, nil
	}

	status, err := w.store.admitAndCommit(w, hash, length)
	if err != nil {
		w.abort()
		if isTransient(err) {
			return FinishResult{Status: StatusBusy, Hash: hash}, nil
		}
		return FinishResult{Status: StatusError}, err
	}
	return FinishResult{Status: status, Hash: hash}, nil
}

// abort discards any temporary file and buffered bytes without committing
// a record, used whenever Finish does not commit w's bytes (a deduplicated
// stored outcome or any failure).
func (w *Writer) abort() {
	if w.external && w.file != nil {
		_ = w.file.Close()
		_ = os.Remove(w.store.tempPath(w.tempID))
	}
	w.inline = nil
}

// commitExternal renames the temporary file to its final hash-named path.
func (w *Writer) commitExternal(hash rhizomeid.FileHash) error {
	if err := w.file.Close(); err != nil {
		return err
	}
	dst := w.store.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(w.store.tempPath(w.tempID), dst)
}

var errWriterFinished = writerError("payloadstore: writer already finished")

type writerError string

func (e writerError) Error() string { return string(e) }

// retryBudget bounds how many times a transient pebble error is retried
// before giving up (Writer.Finish then reports StatusBusy), centralizing
// the retry behaviour in withRetry instead of ad hoc retry loops scattered
// through the store.
const retryBudget = 3

func isTransient(err error) bool {
	return err == pebble.ErrClosed
}
