package payloadstore

// Pebble key prefixes stand in for the original's FILES/FILEBLOBS/MANIFESTS
// tables: one ordered key space partitioned by a single-byte prefix per
// "table", plus a secondary index used to drive eviction order.
const (
	prefixFile    = 'f' // f/<hash>            -> encoded fileRecord
	prefixBlob    = 'b' // b/<hash>            -> raw payload bytes (small payloads)
	prefixIndex   = 'x' // x/<weighted-age>/<hash> -> empty, ordered eviction index
	prefixJournal = 'j' // j/<bid>             -> journalHead{FileHash, Length}
)

func fileKey(hash []byte) []byte {
	k := make([]byte, 0, 1+len(hash))
	k = append(k, prefixFile)
	return append(k, hash...)
}

func blobKey(hash []byte) []byte {
	k := make([]byte, 0, 1+len(hash))
	k = append(k, prefixBlob)
	return append(k, hash...)
}

func journalKey(bid []byte) []byte {
	k := make([]byte, 0, 1+len(bid))
	k = append(k, prefixJournal)
	return append(k, bid...)
}

// indexKey encodes the eviction ordering key x/<cost as 8-byte big-endian
// two's-complement sortable>/<hash>, so a forward pebble iterator over the
// prefixIndex range visits files in ascending (inserttime - length) order —
// the "weighted age" cost the eviction loop consumes oldest-and-largest
// first.
func indexKey(cost int64, hash []byte) []byte {
	k := make([]byte, 0, 1+8+len(hash))
	k = append(k, prefixIndex)
	k = append(k, sortableInt64(cost)...)
	return append(k, hash...)
}

// sortableInt64 flips the sign bit so that big-endian byte comparison of the
// result matches numeric ordering of signed 64-bit costs (which go negative
// once inserttime is measured in milliseconds since epoch and length is
// subtracted).
func sortableInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	return []byte{
		byte(u >> 56), byte(u >> 48), byte(u >> 40), byte(u >> 32),
		byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u),
	}
}
