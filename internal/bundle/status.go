// Package bundle implements the bundle lifecycle: composing a manifest from
// caller-supplied fields, filling in defaults, resolving authorship,
// streaming the payload through the store, and finalising and
// deduplicating the result.
package bundle

// Status is the bundle-lifecycle outcome vocabulary, returned across the
// store/bundle boundary and reported to callers verbatim per spec's
// status-code table.
type Status int

const (
	StatusNew Status = iota
	StatusDuplicate
	StatusSame
	StatusOld
	StatusInvalid
	StatusFake
	StatusReadonly
	StatusInconsistent
	StatusNoRoom
	StatusBusy
	StatusManifestTooBig
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusDuplicate:
		return "duplicate"
	case StatusSame:
		return "same"
	case StatusOld:
		return "old"
	case StatusInvalid:
		return "invalid"
	case StatusFake:
		return "fake"
	case StatusReadonly:
		return "readonly"
	case StatusInconsistent:
		return "inconsistent"
	case StatusNoRoom:
		return "no_room"
	case StatusBusy:
		return "busy"
	case StatusManifestTooBig:
		return "manifest_too_big"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the structured outcome of a bundle-lifecycle operation:
// status, the bundle id involved (when known), and an optional underlying
// error whose text is the human-renderable message, grounded on the teacher's classified-return
// style and cockroachdb/errors for the underlying structured error,
// letting callers render messages without taking ownership of string
// formatting.
type Result struct {
	Status Status
	BID    string
	Err    error
}

func (r Result) Error() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Status.String()
}
