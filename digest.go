package vfscache

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// digestAlg prefixes the textual form of a Digest.
const digestAlg = "blake3"

// Digest is a BLAKE3 256-bit content digest.
type Digest [DigestSize]byte

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Ref returns the "blake3:<hex>" form of the digest.
func (d Digest) Ref() string {
	return digestAlg + ":" + d.String()
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d: %w", DigestSize*2, len(text), ErrBadParameter)
	}
	if _, err := hex.Decode(d[:], text); err != nil {
		return fmt.Errorf("decoding digest: %w", ErrBadParameter)
	}
	return nil
}

// ParseDigest parses a hex digest, optionally prefixed with "blake3:".
func ParseDigest(s string) (Digest, error) {
	if alg, rest, ok := strings.Cut(s, ":"); ok {
		if !strings.EqualFold(alg, digestAlg) {
			return Digest{}, fmt.Errorf("unsupported digest algorithm %q: %w", alg, ErrBadParameter)
		}
		s = rest
	}
	var d Digest
	if err := d.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the digest of data.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestHandle rewinds h and digests its whole content. It returns the
// digest and the number of bytes read.
func DigestHandle(h Handle) (Digest, int64, error) {
	if _, err := h.Seek(0, io.SeekStart); err != nil {
		return Digest{}, 0, fmt.Errorf("rewinding handle: %w", err)
	}
	hr := NewHashingReader(h)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Digest{}, hr.BytesRead(), fmt.Errorf("hashing content: %w", err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader wraps a reader and digests data as it is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that digests data as it is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data read so far.
func (hr *HashingReader) Sum() Digest {
	var d Digest
	hr.h.Sum(d[:0])
	return d
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
