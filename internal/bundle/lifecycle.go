package bundle

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/manifest"
	"github.com/servalmesh/rhizome/internal/payloadstore"
	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// MaxManifestSize bounds a packed manifest's on-wire size.
const MaxManifestSize = 8192

// Lifecycle composes, validates, stores and deduplicates bundles against a
// payload store and manifest store.
type Lifecycle struct {
	store *payloadstore.Store
	log   *zap.Logger
}

// New returns a Lifecycle backed by store.
func New(store *payloadstore.Store, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{store: store, log: log}
}

// ComposeRequest is the caller's input to Compose: explicit field values
// plus the payload, as either an in-memory buffer (the common path, and
// the only path that supports encryption, since the key schedule needs the
// plaintext hash up front) or a streamed reader of known length.
type ComposeRequest struct {
	Fields   map[string]string
	Filename string // used to default "name" when service is "file"

	Payload       []byte
	PayloadReader io.Reader
	PayloadLength uint64 // required when PayloadReader is set

	BSK          *rhizomeid.BSK // continuing an existing bundle; nil generates a new keypair
	ProvidedBID  bool           // true when Fields["id"] was explicitly supplied by the caller
	Journal      bool           // journal bundles skip deduplication search
}

// Compose builds, fills defaults on, authors, streams and finalises a new
// bundle manifest, deduplicating against the manifest store unless the
// caller supplied an id or this is a journal bundle.
func (l *Lifecycle) Compose(req ComposeRequest) Result {
	m := manifest.New()
	for label, value := range req.Fields {
		if err := m.Set(label, value); err != nil {
			return Result{Status: StatusInvalid, Err: errors.Wrapf(err, "bundle: invalid field %q", label)}
		}
	}

	bid, bsk, err := l.resolveIdentity(m, req.BSK)
	if err != nil {
		return Result{Status: StatusFake, Err: err}
	}

	l.fillDefaults(m, req.Filename)

	// filehash, part of the deduplication tuple, is only known once the
	// payload has actually been streamed, so streaming happens before the
	// duplicate search even though that means a duplicate's payload bytes
	// were (harmlessly, since the store is content-addressed) written
	// once more under their existing hash.
	if err := l.streamPayload(m, req, bsk); err != nil {
		var res Result
		if errors.As(err, &res) {
			res.BID = bid.String()
			return res
		}
		return Result{Status: StatusError, BID: bid.String(), Err: err}
	}

	if !req.Journal && !req.ProvidedBID {
		if dup, ok := l.findDuplicate(m); ok {
			return Result{Status: StatusDuplicate, BID: dup.String()}
		}
	}

	if err := m.Validate(); err != nil {
		return Result{Status: StatusInvalid, BID: bid.String(), Err: err}
	}

	if err := m.SelfSign(bsk); err != nil {
		return Result{Status: StatusFake, BID: bid.String(), Err: err}
	}

	packed := m.Pack()
	if len(packed) > MaxManifestSize {
		return Result{Status: StatusManifestTooBig, BID: bid.String()}
	}
	if err := l.store.PutManifest(bid, packed); err != nil {
		return Result{Status: StatusError, BID: bid.String(), Err: err}
	}

	if m.Has(manifest.FieldTail) {
		if filehash, ok := m.FileHash(); ok {
			filesize, _ := m.Get(manifest.FieldFilesize)
			length, _ := strconv.ParseUint(filesize, 10, 64)
			if err := l.store.RecordJournalHead(bid, filehash, length); err != nil {
				return Result{Status: StatusError, BID: bid.String(), Err: err}
			}
		}
	}

	return Result{Status: StatusNew, BID: bid.String()}
}

// IngestManifest accepts a raw packed manifest body from outside this node
// (e.g. one carried over the link layer), using Inspect to decide whether
// it is new, stale, or a resend of a version already held before paying
// for a full Parse — spec's "used by the store to decide uniqueness
// before full parse".
func (l *Lifecycle) IngestManifest(packed []byte) Result {
	summary, ok := manifest.Inspect(packed)
	if !ok {
		m, err := manifest.Parse(packed)
		if err != nil {
			return Result{Status: StatusInvalid, Err: err}
		}
		return l.finishIngest(m, packed)
	}

	if existingPacked, found, err := l.store.GetManifest(summary.BID); err != nil {
		return Result{Status: StatusError, BID: summary.BID.String(), Err: err}
	} else if found {
		if existing, ok := manifest.Inspect(existingPacked); ok {
			switch {
			case summary.Version < existing.Version:
				return Result{Status: StatusOld, BID: summary.BID.String()}
			case summary.Version == existing.Version:
				return Result{Status: StatusSame, BID: summary.BID.String()}
			}
		}
	}

	m, err := manifest.Parse(packed)
	if err != nil {
		return Result{Status: StatusInvalid, BID: summary.BID.String(), Err: err}
	}
	return l.finishIngest(m, packed)
}

func (l *Lifecycle) finishIngest(m *manifest.Manifest, packed []byte) Result {
	bid, ok := m.BID()
	if !ok {
		return Result{Status: StatusInvalid, Err: fmt.Errorf("bundle: manifest has no id field")}
	}
	if err := m.Validate(); err != nil {
		return Result{Status: StatusInvalid, BID: bid.String(), Err: err}
	}
	selfSigned, err := m.Verify()
	if err != nil {
		return Result{Status: StatusInvalid, BID: bid.String(), Err: err}
	}
	if !selfSigned {
		return Result{Status: StatusFake, BID: bid.String()}
	}
	if err := l.store.PutManifest(bid, packed); err != nil {
		return Result{Status: StatusError, BID: bid.String(), Err: err}
	}
	return Result{Status: StatusNew, BID: bid.String()}
}

// AppendJournalRequest is the caller's input to AppendJournal: drop
// advanceBy bytes from the head of bid's existing journal payload, then
// append more bytes, producing a new manifest version.
type AppendJournalRequest struct {
	BID       rhizomeid.BID
	BSK       rhizomeid.BSK
	AdvanceBy uint64
	Append    []byte
}

// AppendJournal advances and/or extends an existing journal bundle's
// payload: the retained prefix is piped forward from the current payload
// (using the persisted rolling-hash state to skip rehashing it when the
// head hasn't moved), the new bytes are appended, and a new manifest
// version is produced with version = tail + filesize. Grounded on
// rhizome_write_open_journal. Encrypted journal payloads are not
// supported: this store's payload-encryption key schedule is keyed by the
// payload's own (version-varying) plaintext hash, so it cannot be kept
// stable across journal versions without abandoning content-derived keys.
func (l *Lifecycle) AppendJournal(req AppendJournalRequest) Result {
	packed, found, err := l.store.GetManifest(req.BID)
	if err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if !found {
		return Result{Status: StatusInconsistent, BID: req.BID.String(), Err: fmt.Errorf("bundle: no existing manifest for journal append")}
	}
	m, err := manifest.Parse(packed)
	if err != nil {
		return Result{Status: StatusInconsistent, BID: req.BID.String(), Err: err}
	}
	if !m.Has(manifest.FieldTail) {
		return Result{Status: StatusInvalid, BID: req.BID.String(), Err: fmt.Errorf("bundle: manifest is not a journal (no tail field)")}
	}
	if v, _ := m.Get(manifest.FieldCrypt); v == "1" {
		return Result{Status: StatusInvalid, BID: req.BID.String(), Err: fmt.Errorf("bundle: encrypted journal payloads are not supported")}
	}

	tailStr, _ := m.Get(manifest.FieldTail)
	oldTail, _ := strconv.ParseUint(tailStr, 10, 64)
	filesizeStr, _ := m.Get(manifest.FieldFilesize)
	oldFilesize, _ := strconv.ParseUint(filesizeStr, 10, 64)

	if req.AdvanceBy > oldFilesize {
		return Result{Status: StatusInvalid, BID: req.BID.String(), Err: fmt.Errorf("bundle: advance_by %d exceeds current filesize %d", req.AdvanceBy, oldFilesize)}
	}
	newFilesize := oldFilesize - req.AdvanceBy + uint64(len(req.Append))
	newTail := oldTail + req.AdvanceBy

	w, status, err := l.store.OpenJournalWrite(req.BID, req.AdvanceBy, payloadstore.WriterOptions{})
	if err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if status != payloadstore.StatusNew {
		return Result{Status: StatusError, BID: req.BID.String(), Err: fmt.Errorf("bundle: journal open_write ended in %s", status)}
	}
	if len(req.Append) > 0 {
		if _, err := w.Write(req.Append); err != nil {
			return Result{Status: StatusError, BID: req.BID.String(), Err: err}
		}
	}
	res, err := w.Finish()
	if err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	switch res.Status {
	case payloadstore.StatusNew, payloadstore.StatusStored:
	case payloadstore.StatusTooBig, payloadstore.StatusEvicted:
		return Result{Status: StatusNoRoom, BID: req.BID.String()}
	case payloadstore.StatusBusy:
		return Result{Status: StatusBusy, BID: req.BID.String()}
	default:
		return Result{Status: StatusError, BID: req.BID.String(), Err: fmt.Errorf("bundle: journal payload write ended in %s", res.Status)}
	}

	newVersion := newTail + newFilesize
	if err := m.Set(manifest.FieldTail, strconv.FormatUint(newTail, 10)); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if err := m.Set(manifest.FieldFilesize, strconv.FormatUint(newFilesize, 10)); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if err := m.Set(manifest.FieldFilehash, res.Hash.String()); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if err := m.Set(manifest.FieldVersion, strconv.FormatUint(newVersion, 10)); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}

	m.ClearSignatures()
	if err := m.SelfSign(req.BSK); err != nil {
		return Result{Status: StatusFake, BID: req.BID.String(), Err: err}
	}

	newPacked := m.Pack()
	if len(newPacked) > MaxManifestSize {
		return Result{Status: StatusManifestTooBig, BID: req.BID.String()}
	}
	if err := l.store.PutManifest(req.BID, newPacked); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}
	if err := l.store.RecordJournalHead(req.BID, res.Hash, newFilesize); err != nil {
		return Result{Status: StatusError, BID: req.BID.String(), Err: err}
	}

	return Result{Status: StatusNew, BID: req.BID.String()}
}

// resolveIdentity ensures the manifest has an id field backed by a known
// secret: reusing bsk if supplied (its public half must match any
// caller-supplied id), or generating a fresh Ed25519 keypair and setting
// id otherwise.
func (l *Lifecycle) resolveIdentity(m *manifest.Manifest, bsk *rhizomeid.BSK) (rhizomeid.BID, rhizomeid.BSK, error) {
	if bsk != nil {
		priv := ed25519.PrivateKey(bsk.Bytes())
		pub := priv.Public().(ed25519.PublicKey)
		var derivedBID rhizomeid.BID
		copy(derivedBID[:], pub)

		if existing, ok := m.BID(); ok {
			if existing != derivedBID {
				return rhizomeid.BID{}, rhizomeid.BSK{}, errors.New("bundle: supplied secret does not match the manifest's id field")
			}
			return existing, *bsk, nil
		}
		if err := m.Set(manifest.FieldID, derivedBID.String()); err != nil {
			return rhizomeid.BID{}, rhizomeid.BSK{}, err
		}
		return derivedBID, *bsk, nil
	}

	if _, ok := m.BID(); ok {
		return rhizomeid.BID{}, rhizomeid.BSK{}, errors.New("bundle: id field supplied without a matching secret")
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return rhizomeid.BID{}, rhizomeid.BSK{}, err
	}
	var bid rhizomeid.BID
	copy(bid[:], pub)
	var generated rhizomeid.BSK
	copy(generated[:], priv)
	if err := m.Set(manifest.FieldID, bid.String()); err != nil {
		return rhizomeid.BID{}, rhizomeid.BSK{}, err
	}
	return bid, generated, nil
}

// fillDefaults applies spec.md §4.D's default-filling rules to whichever
// fields the caller left unset.
func (l *Lifecycle) fillDefaults(m *manifest.Manifest, filename string) {
	now := time.Now().UnixMilli()
	if !m.Has(manifest.FieldVersion) {
		_ = m.Set(manifest.FieldVersion, strconv.FormatInt(now, 10))
	}
	if _, hasService := m.Get(manifest.FieldService); hasService && !m.Has(manifest.FieldDate) {
		_ = m.Set(manifest.FieldDate, strconv.FormatInt(now, 10))
	}
	if service, _ := m.Get(manifest.FieldService); service == "file" && !m.Has(manifest.FieldName) && filename != "" {
		_ = m.Set(manifest.FieldName, filename)
	}
	if recipient, hasRecipient := m.Get(manifest.FieldRecipient); hasRecipient && !m.Has(manifest.FieldCrypt) {
		if sid, consumed, ok := rhizomeid.ParseSID(recipient); ok && consumed == len(recipient) && !sid.IsBroadcast() {
			_ = m.Set(manifest.FieldCrypt, "1")
		}
	}
}

func (l *Lifecycle) findDuplicate(m *manifest.Manifest) (rhizomeid.BID, bool) {
	service, _ := m.Get(manifest.FieldService)
	name, _ := m.Get(manifest.FieldName)
	sender, _ := m.Get(manifest.FieldSender)
	recipient, _ := m.Get(manifest.FieldRecipient)
	filehash, _ := m.Get(manifest.FieldFilehash)

	var found rhizomeid.BID
	var ok bool
	_ = l.store.EachManifest(func(bid rhizomeid.BID, packed []byte) bool {
		other, err := manifest.Parse(packed)
		if err != nil {
			return true
		}
		os, _ := other.Get(manifest.FieldService)
		on, _ := other.Get(manifest.FieldName)
		osn, _ := other.Get(manifest.FieldSender)
		orc, _ := other.Get(manifest.FieldRecipient)
		ofh, _ := other.Get(manifest.FieldFilehash)
		if os == service && on == name && osn == sender && orc == recipient && ofh == filehash {
			found = bid
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// streamPayload writes the request's payload through the store, setting
// filesize/filehash on the manifest from the result.
func (l *Lifecycle) streamPayload(m *manifest.Manifest, req ComposeRequest, bsk rhizomeid.BSK) error {
	encrypt := false
	if v, ok := m.Get(manifest.FieldCrypt); ok && v == "1" {
		encrypt = true
	}

	switch {
	case req.Payload != nil:
		return l.streamInMemory(m, req.Payload, bsk, encrypt)
	case req.PayloadReader != nil:
		if encrypt {
			return errors.New("bundle: encrypted payloads must be supplied as an in-memory buffer")
		}
		return l.streamReader(m, req.PayloadReader, req.PayloadLength)
	default:
		return m.Set(manifest.FieldFilesize, "0")
	}
}

func (l *Lifecycle) streamInMemory(m *manifest.Manifest, payload []byte, bsk rhizomeid.BSK, encrypt bool) error {
	plainHash := rhizomeid.FileHash(sha512.Sum512(payload))
	opts := payloadstore.WriterOptions{ExpectedHash: &plainHash}
	length := uint64(len(payload))
	opts.ExpectedLength = &length
	if encrypt {
		opts.BundleSecret = &bsk
		opts.CryptHash = plainHash
	}
	w, _, err := l.store.OpenWrite(opts)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	res, err := w.Finish()
	if err != nil {
		return err
	}
	switch res.Status {
	case payloadstore.StatusNew, payloadstore.StatusStored:
		_ = m.Set(manifest.FieldFilesize, strconv.FormatUint(length, 10))
		return m.Set(manifest.FieldFilehash, res.Hash.String())
	case payloadstore.StatusTooBig:
		return Result{Status: StatusNoRoom}
	case payloadstore.StatusEvicted:
		return Result{Status: StatusNoRoom}
	case payloadstore.StatusBusy:
		return Result{Status: StatusBusy}
	default:
		return Result{Status: StatusError, Err: fmt.Errorf("bundle: payload write ended in %s", res.Status)}
	}
}

func (l *Lifecycle) streamReader(m *manifest.Manifest, r io.Reader, length uint64) error {
	opts := payloadstore.WriterOptions{ExpectedLength: &length}
	w, _, err := l.store.OpenWrite(opts)
	if err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	var offset uint64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.WriteAt(offset, buf[:n]); werr != nil {
				return werr
			}
			offset += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	res, err := w.Finish()
	if err != nil {
		return err
	}
	switch res.Status {
	case payloadstore.StatusNew, payloadstore.StatusStored:
		_ = m.Set(manifest.FieldFilesize, strconv.FormatUint(offset, 10))
		return m.Set(manifest.FieldFilehash, res.Hash.String())
	default:
		return Result{Status: StatusError, Err: fmt.Errorf("bundle: payload write ended in %s", res.Status)}
	}
}
