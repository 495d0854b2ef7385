package propcache

import (
	"encoding/binary"
	"time"
)

var (
	bucketProps       = []byte("props")           // key -> Properties JSON
	bucketByExpiry    = []byte("props_by_expiry") // timestamp+key -> key
	bucketExpiryByKey = []byte("props_expiry")    // key -> 8-byte timestamp (reverse index)
)

// encodeTimestamp converts t to fixed-width big endian so that byte order
// matches time order, including before 1970.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey is [8-byte timestamp][key].
func makeExpiryKey(expiresAt time.Time, key string) []byte {
	out := make([]byte, 8+len(key))
	copy(out, encodeTimestamp(expiresAt))
	copy(out[8:], key)
	return out
}
