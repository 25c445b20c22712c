// Package manifest implements the Rhizome manifest text format: parsing and
// serialising the label=value body, the core field table, self-signing and
// signature verification, and the per-bundle authorship state machine.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"go.uber.org/multierr"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

const (
	// MaxLabelLength bounds a single field label.
	MaxLabelLength = 63
	// MaxValueLength bounds a single field value.
	MaxValueLength = 8192
	// MaxBodyLength bounds the whole manifest body, matching the wire
	// limit a single radio frame run can reasonably carry.
	MaxBodyLength = 8192
)

// ParseErrorKind classifies why Parse rejected a manifest outright. Parse
// records nothing in Manifest.Malformed: every grammar violation it finds,
// in a core or a non-core field, is returned as a ParseError.
type ParseErrorKind int

const (
	_ ParseErrorKind = iota
	// ParseSyntaxError means the body could not be split into label=value
	// lines at all (missing '=', unterminated body, stray NUL mid-line).
	ParseSyntaxError
	// ParseDuplicateField means the same label appeared twice.
	ParseDuplicateField
	// ParseInvalidCoreField means a recognised core field held a value that
	// failed its typed grammar.
	ParseInvalidCoreField
	// ParseOverflow means the body or a field exceeded a size limit.
	ParseOverflow
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseSyntaxError:
		return "syntax error"
	case ParseDuplicateField:
		return "duplicate field"
	case ParseInvalidCoreField:
		return "invalid core field"
	case ParseOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// ParseError reports why Parse rejected a manifest body.
type ParseError struct {
	Kind  ParseErrorKind
	Label string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("manifest: %s: field %q: %s", e.Kind, e.Label, e.Msg)
	}
	return fmt.Sprintf("manifest: %s: %s", e.Kind, e.Msg)
}

// field is one label=value pair in original insertion order.
type field struct {
	label string
	value string
}

// Manifest is a parsed or in-progress-built Rhizome bundle manifest: an
// ordered sequence of label=value fields, plus any trailing signature
// blocks appended after the NUL body terminator.
type Manifest struct {
	fields []field
	index  map[string]int

	malformed []error

	body       []byte // cached packed body, including the trailing NUL, set by Pack/Parse
	signatures []signatureBlock

	author    rhizomeid.Identity
	hasAuthor bool

	authorState    AuthorState
	authorResolved bool
}

// New returns an empty manifest ready to have fields set on it.
func New() *Manifest {
	return &Manifest{index: make(map[string]int)}
}

// Parse splits buf into a manifest body (label=value lines terminated by a
// NUL byte) and zero or more trailing signature blocks, validating core
// fields as it goes. Fields that are not recognised core fields are stored
// verbatim and validated only for the generic label/value grammar; a
// violation there fails the parse (ParseSyntaxError for a bad label,
// ParseOverflow for a bad value), as it does for a core field.
func Parse(buf []byte) (*Manifest, error) {
	nul := bytes.IndexByte(buf, 0)
	if nul < 0 {
		return nil, &ParseError{Kind: ParseSyntaxError, Msg: "manifest body is missing its NUL terminator"}
	}
	if nul > MaxBodyLength {
		return nil, &ParseError{Kind: ParseOverflow, Msg: "manifest body exceeds the maximum length"}
	}
	body := buf[:nul]
	m := New()
	m.body = append([]byte(nil), buf[:nul+1]...)

	lines := bytes.Split(body, []byte{'\n'})
	for _, raw := range lines {
		line := bytes.TrimSuffix(raw, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		eq := bytes.IndexByte(line, '=')
		if eq <= 0 {
			return nil, &ParseError{Kind: ParseSyntaxError, Msg: fmt.Sprintf("malformed line %q: missing '='", line)}
		}
		label := string(bytes.ToLower(line[:eq]))
		value := string(line[eq+1:])

		if err := validateLabel(label); err != nil {
			return nil, &ParseError{Kind: ParseSyntaxError, Label: label, Msg: err.Error()}
		}
		if err := validateValue(value); err != nil {
			return nil, &ParseError{Kind: ParseOverflow, Label: label, Msg: err.Error()}
		}
		if _, dup := m.index[label]; dup {
			return nil, &ParseError{Kind: ParseDuplicateField, Label: label, Msg: "field appears more than once"}
		}

		if validate, core := coreFields[label]; core {
			if err := validate(value); err != nil {
				return nil, &ParseError{Kind: ParseInvalidCoreField, Label: label, Msg: err.Error()}
			}
		}
		m.setRaw(label, value)
	}

	m.signatures = splitSignatures(buf[nul+1:])

	return m, nil
}

// signatureTypeCrypto is the block type tag for an Ed25519 signatory block,
// matching the original manifest format's SIGNATURE_BLOCK_TYPE value.
const signatureTypeCrypto = 0x17

// signatureBlockLen is a whole block's wire size: 1 type byte + a 64-byte
// detached signature + the signer's 32-byte Ed25519 public key.
const signatureBlockLen = 1 + ed25519.SignatureSize + ed25519.PublicKeySize

// signatureBlock is one typed signatory block appended after a manifest's
// NUL-terminated body: the public key is carried alongside the signature so
// Verify can check structurally, without external key lookup, that the
// first signatory is the bundle's own id.
type signatureBlock struct {
	Sig [ed25519.SignatureSize]byte
	Pub [ed25519.PublicKeySize]byte
}

func (b signatureBlock) encode() []byte {
	out := make([]byte, 0, signatureBlockLen)
	out = append(out, signatureTypeCrypto)
	out = append(out, b.Sig[:]...)
	out = append(out, b.Pub[:]...)
	return out
}

// splitSignatures parses the trailing signature blocks: a forward scan of
// fixed-size 0x17 ‖ sig(64) ‖ pub(32) blocks, matching
// rhizome_manifest_selfsign's on-wire layout. Any trailing bytes that don't
// form a whole recognised block are ignored rather than rejected, the same
// tolerance Parse extends to unknown body fields.
func splitSignatures(rest []byte) []signatureBlock {
	var blocks []signatureBlock
	for len(rest) >= signatureBlockLen {
		if rest[0] != signatureTypeCrypto {
			break
		}
		var b signatureBlock
		copy(b.Sig[:], rest[1:1+ed25519.SignatureSize])
		copy(b.Pub[:], rest[1+ed25519.SignatureSize:signatureBlockLen])
		blocks = append(blocks, b)
		rest = rest[signatureBlockLen:]
	}
	return blocks
}

func (m *Manifest) setRaw(label, value string) {
	if idx, ok := m.index[label]; ok {
		m.fields[idx].value = value
		return
	}
	m.index[label] = len(m.fields)
	m.fields = append(m.fields, field{label: label, value: value})
}

// Get returns the raw string value of label and whether it is present.
func (m *Manifest) Get(label string) (string, bool) {
	idx, ok := m.index[label]
	if !ok {
		return "", false
	}
	return m.fields[idx].value, true
}

// Has reports whether label is present (the "test present" field-table
// operation).
func (m *Manifest) Has(label string) bool {
	_, ok := m.index[label]
	return ok
}

// Set stores label=value, validating every field against the generic
// label/value grammar and core fields against their typed grammar. A
// violation is returned and the manifest is left unchanged; nothing is
// recorded in Malformed.
func (m *Manifest) Set(label, value string) error {
	label = toLower(label)
	if err := validateLabel(label); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if validate, core := coreFields[label]; core {
		if err := validate(value); err != nil {
			return err
		}
	}
	m.setRaw(label, value)
	m.body = nil
	return nil
}

// Unset removes label entirely (the "unset" field-table operation). It is a
// no-op if label is absent.
func (m *Manifest) Unset(label string) {
	label = toLower(label)
	idx, ok := m.index[label]
	if !ok {
		return
	}
	m.fields = append(m.fields[:idx], m.fields[idx+1:]...)
	delete(m.index, label)
	for l, i := range m.index {
		if i > idx {
			m.index[l] = i - 1
		}
	}
	m.body = nil
}

// CopyFieldsFrom copies every field of src into m, overwriting any field m
// already has with the same label (the "copy" field-table operation used
// when deriving a new manifest version from a previous one).
func (m *Manifest) CopyFieldsFrom(src *Manifest) {
	for _, f := range src.fields {
		m.setRaw(f.label, f.value)
	}
	m.body = nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// Validate aggregates every malformed-field and missing-mandatory-field
// problem into a single multierr-combined error, returning nil if the
// manifest is fit to pack. id, version and filesize are mandatory on every
// bundle manifest; filehash is mandatory unless the bundle is empty
// (filesize == 0).
func (m *Manifest) Validate() error {
	var errs error
	for _, required := range []string{FieldID, FieldVersion, FieldFilesize} {
		if !m.Has(required) {
			errs = multierr.Append(errs, fmt.Errorf("manifest: missing mandatory field %q", required))
		}
	}
	if fs, ok := m.Get(FieldFilesize); ok && fs != "0" {
		if !m.Has(FieldFilehash) {
			errs = multierr.Append(errs, fmt.Errorf("manifest: missing filehash for non-empty payload"))
		}
	}
	for _, err := range m.malformed {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Malformed returns the accumulated list of non-fatal malformed-field
// problems recorded while building or parsing the manifest.
func (m *Manifest) Malformed() []error {
	return append([]error(nil), m.malformed...)
}

// packBodyOnly serialises the label=value lines in insertion order,
// terminated by LF each, followed by a single trailing NUL, caching the
// result in m.body. It excludes any signature blocks.
func (m *Manifest) packBodyOnly() []byte {
	var buf bytes.Buffer
	for _, f := range m.fields {
		buf.WriteString(f.label)
		buf.WriteByte('=')
		buf.WriteString(f.value)
		buf.WriteByte('\n')
	}
	buf.WriteByte(0)
	m.body = buf.Bytes()
	return m.body
}

// Pack serialises the manifest body as label=value lines terminated by LF,
// followed by a single trailing NUL, then any signature blocks. Packing a
// manifest that was parsed without modification reproduces byte-identical
// body bytes when the parsed body was already in this form; CRLF line
// endings, blank lines and upper-case labels, which Parse accepts, are
// normalised away.
func (m *Manifest) Pack() []byte {
	body := m.packBodyOnly()
	out := append([]byte(nil), body...)
	for _, block := range m.signatures {
		out = append(out, block.encode()...)
	}
	return out
}

// BodyHash returns the SHA-512 digest of the packed body (not including
// signature blocks), used as the signing and verification input.
func (m *Manifest) BodyHash() [64]byte {
	if m.body == nil {
		m.packBodyOnly()
	}
	return sha512.Sum512(m.body)
}

// Signatures returns the raw signature blocks appended after the body, each
// a (signature, signing public key) pair, most-recently-appended last.
func (m *Manifest) Signatures() []signatureBlock {
	return append([]signatureBlock(nil), m.signatures...)
}

// AppendSignature appends a typed signatory block (signature over the
// manifest's body hash, plus the signing public key) to the manifest.
func (m *Manifest) AppendSignature(sig []byte, pub []byte) {
	if len(sig) != ed25519.SignatureSize {
		panic("manifest: signature must be exactly ed25519.SignatureSize bytes")
	}
	if len(pub) != ed25519.PublicKeySize {
		panic("manifest: public key must be exactly ed25519.PublicKeySize bytes")
	}
	var b signatureBlock
	copy(b.Sig[:], sig)
	copy(b.Pub[:], pub)
	m.signatures = append(m.signatures, b)
}

// ClearSignatures discards every signature block, used when deriving a new
// manifest version that must be re-self-signed from scratch rather than
// accumulating a stale signature alongside the new one.
func (m *Manifest) ClearSignatures() {
	m.signatures = nil
}

// BID returns the parsed bundle ID from the manifest's id field.
func (m *Manifest) BID() (rhizomeid.BID, bool) {
	v, ok := m.Get(FieldID)
	if !ok {
		return rhizomeid.BID{}, false
	}
	bid, consumed, ok := rhizomeid.ParseBID(v)
	if !ok || consumed != len(v) {
		return rhizomeid.BID{}, false
	}
	return bid, true
}

// FileHash returns the parsed payload hash from the manifest's filehash
// field.
func (m *Manifest) FileHash() (rhizomeid.FileHash, bool) {
	v, ok := m.Get(FieldFilehash)
	if !ok {
		return rhizomeid.FileHash{}, false
	}
	h, consumed, ok := rhizomeid.ParseFileHash(v)
	if !ok || consumed != len(v) {
		return rhizomeid.FileHash{}, false
	}
	return h, true
}
