package payloadstore

import "github.com/servalmesh/rhizome/internal/rhizomeid"

// fileRecord is the "files" row: one entry per stored payload, whether its
// bytes live in an external blob file or inline in pebble.
type fileRecord struct {
	Hash         rhizomeid.FileHash
	Length       uint64
	DataValid    bool
	InsertTimeMS int64
	LastVerified int64
	External     bool // bytes live under the blob directory, not inline in pebble
}

// cost implements the eviction ordering: inserttime - length. Larger files
// effectively age faster, matching spec's weighted-age eviction rule.
func (r fileRecord) cost() int64 {
	return r.InsertTimeMS - int64(r.Length)
}

const recordEncodedLen = 64 + 8 + 1 + 8 + 8 + 1

func encodeRecord(r fileRecord) []byte {
	buf := make([]byte, recordEncodedLen)
	copy(buf[0:64], r.Hash[:])
	putUint64(buf[64:72], r.Length)
	if r.DataValid {
		buf[72] = 1
	}
	putInt64(buf[73:81], r.InsertTimeMS)
	putInt64(buf[81:89], r.LastVerified)
	if r.External {
		buf[89] = 1
	}
	return buf
}

func decodeRecord(buf []byte) (fileRecord, bool) {
	if len(buf) != recordEncodedLen {
		return fileRecord{}, false
	}
	var r fileRecord
	copy(r.Hash[:], buf[0:64])
	r.Length = getUint64(buf[64:72])
	r.DataValid = buf[72] != 0
	r.InsertTimeMS = getInt64(buf[73:81])
	r.LastVerified = getInt64(buf[81:89])
	r.External = buf[89] != 0
	return r, true
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putInt64(b []byte, v int64) { putUint64(b, uint64(v)) }
func getInt64(b []byte) int64    { return int64(getUint64(b)) }
