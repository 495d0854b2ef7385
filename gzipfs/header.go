package gzipfs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagHeaderCRC = 1 << 1
	flagExtra     = 1 << 2
	flagName      = 1 << 3
	flagComment   = 1 << 4
	flagReserved  = 0xe0
)

var errNotGzip = errors.New("not a gzip stream")

// readHeader consumes one gzip member header from r. It returns errNotGzip
// when the magic bytes do not match and io.EOF when r is exhausted.
func readHeader(r io.Reader) error {
	var b [10]byte
	n, err := io.ReadFull(r, b[:2])
	switch {
	case n == 0 && errors.Is(err, io.EOF):
		return io.EOF
	case n < 2:
		return errNotGzip
	case b[0] != gzipID1 || b[1] != gzipID2:
		return errNotGzip
	}
	if _, err := io.ReadFull(r, b[2:10]); err != nil {
		return fmt.Errorf("reading gzip header: %w", io.ErrUnexpectedEOF)
	}
	if b[2] != gzipDeflate || b[3]&flagReserved != 0 {
		return fmt.Errorf("gzip header method %d flags %#x: %w", b[2], b[3], vfscache.ErrIntegrity)
	}
	flags := b[3]

	if flags&flagExtra != 0 {
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return fmt.Errorf("reading gzip extra length: %w", io.ErrUnexpectedEOF)
		}
		if _, err := io.CopyN(io.Discard, r, int64(binary.LittleEndian.Uint16(b[:2]))); err != nil {
			return fmt.Errorf("skipping gzip extra field: %w", io.ErrUnexpectedEOF)
		}
	}
	if flags&flagName != 0 {
		if err := skipString(r); err != nil {
			return err
		}
	}
	if flags&flagComment != 0 {
		if err := skipString(r); err != nil {
			return err
		}
	}
	if flags&flagHeaderCRC != 0 {
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return fmt.Errorf("reading gzip header crc: %w", io.ErrUnexpectedEOF)
		}
	}
	return nil
}

func skipString(r io.Reader) error {
	var c [1]byte
	for {
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return fmt.Errorf("reading gzip header string: %w", io.ErrUnexpectedEOF)
		}
		if c[0] == 0 {
			return nil
		}
	}
}

// trailer is the CRC-32 and size record closing a gzip member.
type trailer struct {
	crc  uint32
	size uint32
}

func readTrailer(r io.Reader) (trailer, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return trailer{}, fmt.Errorf("reading gzip trailer: %w", io.ErrUnexpectedEOF)
	}
	return trailer{
		crc:  binary.LittleEndian.Uint32(b[:4]),
		size: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// SidecarSuffix is appended to a gzip file name to form its sidecar path.
const SidecarSuffix = ".properties"

// Sidecar records the sizes of a gzip file so that its uncompressed size is
// known without decompressing it.
type Sidecar struct {
	CompressedSize   int64
	UncompressedSize int64
}

// ParseSidecar reads compressed_size= and uncompressed_size= lines. Keys are
// matched case-insensitively and unknown lines are ignored.
func ParseSidecar(data []byte) (Sidecar, error) {
	var s Sidecar
	var seenCompressed, seenUncompressed bool
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "compressed_size" && key != "uncompressed_size" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return Sidecar{}, fmt.Errorf("sidecar %s=%q: %w", key, value, vfscache.ErrBadParameter)
		}
		if key == "compressed_size" {
			s.CompressedSize, seenCompressed = n, true
		} else {
			s.UncompressedSize, seenUncompressed = n, true
		}
	}
	if err := sc.Err(); err != nil {
		return Sidecar{}, err
	}
	if !seenCompressed || !seenUncompressed {
		return Sidecar{}, fmt.Errorf("sidecar missing sizes: %w", vfscache.ErrBadParameter)
	}
	return s, nil
}

// Marshal renders the sidecar in its text form.
func (s Sidecar) Marshal() []byte {
	return fmt.Appendf(nil, "compressed_size=%d\nuncompressed_size=%d\n", s.CompressedSize, s.UncompressedSize)
}
