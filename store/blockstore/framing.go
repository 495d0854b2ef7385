package blockstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
)

var (
	// magic prefixes every block file.
	magic = []byte("VFB1")

	// ErrInvalidMagic is returned when a block file does not start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("blockstore: invalid magic bytes")

	// ErrHeaderTooLarge is returned when the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("blockstore: header exceeds maximum size")
)

const maxHeaderSize = 16 * 1024

// Header describes one cached block of a remote resource.
type Header struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Validator string    `json:"validator"`
	Index     int64     `json:"index"`
	Offset    int64     `json:"offset"`
	Length    int64     `json:"length"`
	CachedAt  time.Time `json:"cached_at"`
	Digest    string    `json:"digest"`
}

// writeFramed writes MAGIC | HDRLEN (uint32 big-endian) | HDR (JSON) | DATA.
func writeFramed(w io.Writer, hdr *Header, data []byte) error {
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdrBytes) > maxHeaderSize {
		return ErrHeaderTooLarge
	}
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(hdrBytes))); err != nil { //nolint:gosec // bounded by maxHeaderSize
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return nil
}

// readFramed parses a block file and verifies its digest. A file whose
// content does not match its header fails with vfscache.ErrIntegrity.
func readFramed(r io.Reader) (*Header, []byte, error) {
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(r, m); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(m, magic) {
		return nil, nil, ErrInvalidMagic
	}

	var hdrLen uint32
	if err := binary.Read(r, binary.BigEndian, &hdrLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if hdrLen > maxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading data: %w", err)
	}
	if int64(len(data)) != hdr.Length {
		return nil, nil, fmt.Errorf("block %s has %d bytes, header says %d: %w", hdr.Key, len(data), hdr.Length, vfscache.ErrIntegrity)
	}
	if got := vfscache.DigestBytes(data).String(); got != hdr.Digest {
		return nil, nil, fmt.Errorf("block %s digest %s, header says %s: %w", hdr.Key, got, hdr.Digest, vfscache.ErrIntegrity)
	}
	return &hdr, data, nil
}
