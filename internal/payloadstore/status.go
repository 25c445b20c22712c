// Package payloadstore implements the content-addressed payload store: a
// pebble-backed key/blob space standing in for the original's opaque SQL
// store, a resumable out-of-order Writer, a verify-on-read Reader, a small
// expiring reader cache, and the eviction/quota loop that keeps total
// storage under its configured limit.
package payloadstore

// Status is the outcome of a store operation, mirroring the small status
// vocabulary the original store returns instead of Go's usual single error
// value: several of these are expected, routine outcomes (Stored for a
// deduplicated write, Busy for a transient lock) rather than failures.
type Status int

const (
	// StatusNew means the operation produced or located genuinely new
	// data (a payload that was not already held).
	StatusNew Status = iota
	// StatusStored means the payload already exists under this hash; a
	// write finished this way is a deduplication, not an error.
	StatusStored
	// StatusBusy means a transient backend error persisted until the retry
	// budget was exhausted, or (from Writer.WriteAt) that the out-of-order
	// pending buffer is full.
	StatusBusy
	// StatusError means an unrecoverable backend or I/O error occurred.
	StatusError
	// StatusWrongSize means a Writer's finish() saw fewer bytes than the
	// expected length.
	StatusWrongSize
	// StatusWrongHash means a Writer's finish() produced a digest that
	// does not match the caller-supplied expected hash.
	StatusWrongHash
	// StatusCryptoFail means the configured encryption key/nonce could
	// not be derived or applied.
	StatusCryptoFail
	// StatusTooBig means the payload exceeds the store's space limit on
	// its own, even with every evictable payload removed.
	StatusTooBig
	// StatusEvicted means enough space could not be freed even after the
	// eviction loop ran to completion.
	StatusEvicted
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusStored:
		return "stored"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusWrongSize:
		return "wrong_size"
	case StatusWrongHash:
		return "wrong_hash"
	case StatusCryptoFail:
		return "crypto_fail"
	case StatusTooBig:
		return "too_big"
	case StatusEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}
