package cryptfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
)

const (
	signature    = "VSICRYPT"
	majorVersion = 1
	minorVersion = 0

	// minHeaderSize covers the signature, the header size and the version.
	minHeaderSize = len(signature) + 2 + 2

	// DefaultSectorSize is the sector size of new files.
	DefaultSectorSize = 512
)

// Header is the clear-text metadata at the start of an encrypted file. All
// integers are little endian.
type Header struct {
	// Size is the encoded length of the header, the offset of the first
	// sector. Set by MarshalBinary and ReadHeader.
	Size       int
	SectorSize int
	Algorithm  Algorithm
	Mode       BlockMode
	IV         []byte
	FreeText   string
	KeyCheck   []byte
	// PayloadSize is the length of the plaintext.
	PayloadSize uint64
	Extra       []byte
}

// MarshalBinary encodes the header and records its length in h.Size.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.IV) > 255 || len(h.KeyCheck) > 255 {
		return nil, fmt.Errorf("iv or key check too long: %w", vfscache.ErrBadParameter)
	}
	if len(h.FreeText) > 0xffff || len(h.Extra) > 0xffff || h.SectorSize > 0xffff {
		return nil, fmt.Errorf("header field too long: %w", vfscache.ErrBadParameter)
	}
	var b bytes.Buffer
	b.WriteString(signature)
	b.Write([]byte{0, 0}) // size, patched below
	b.WriteByte(majorVersion)
	b.WriteByte(minorVersion)
	b.Write(binary.LittleEndian.AppendUint16(nil, uint16(h.SectorSize)))
	b.WriteByte(byte(h.Algorithm))
	b.WriteByte(byte(h.Mode))
	b.WriteByte(byte(len(h.IV)))
	b.Write(h.IV)
	b.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(h.FreeText))))
	b.WriteString(h.FreeText)
	b.WriteByte(byte(len(h.KeyCheck)))
	b.Write(h.KeyCheck)
	b.Write(binary.LittleEndian.AppendUint64(nil, h.PayloadSize))
	b.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(h.Extra))))
	b.Write(h.Extra)

	out := b.Bytes()
	if len(out) > 0xffff {
		return nil, fmt.Errorf("header is %d bytes: %w", len(out), vfscache.ErrBadParameter)
	}
	binary.LittleEndian.PutUint16(out[len(signature):], uint16(len(out)))
	h.Size = len(out)
	return out, nil
}

// headerReader decodes fields, turning short input into an integrity error.
type headerReader struct {
	buf []byte
	err error
}

func (r *headerReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = fmt.Errorf("truncated crypt header: %w", vfscache.ErrIntegrity)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *headerReader) u8() int {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return int(b[0])
}

func (r *headerReader) u16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(b))
}

// UnmarshalBinary decodes a header. data must hold the whole header.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < minHeaderSize || string(data[:len(signature)]) != signature {
		return fmt.Errorf("missing crypt signature: %w", vfscache.ErrIntegrity)
	}
	r := &headerReader{buf: data[len(signature):]}
	size := r.u16()
	if size < minHeaderSize || size > len(data) {
		return fmt.Errorf("crypt header size %d: %w", size, vfscache.ErrIntegrity)
	}
	r.buf = data[len(signature)+2 : size]
	if major := r.u8(); major != majorVersion {
		return fmt.Errorf("crypt format version %d: %w", major, vfscache.ErrNotSupported)
	}
	r.u8() // minor versions are compatible

	h.Size = size
	h.SectorSize = r.u16()
	alg, mode := r.u8(), r.u8()
	if alg >= len(algorithmNames) {
		return fmt.Errorf("crypt algorithm %d: %w", alg, vfscache.ErrIntegrity)
	}
	if mode >= len(modeNames) {
		return fmt.Errorf("crypt block mode %d: %w", mode, vfscache.ErrIntegrity)
	}
	h.Algorithm, h.Mode = Algorithm(alg), BlockMode(mode)
	h.IV = bytes.Clone(r.take(r.u8()))
	h.FreeText = string(r.take(r.u16()))
	h.KeyCheck = bytes.Clone(r.take(r.u8()))
	if b := r.take(8); b != nil {
		h.PayloadSize = binary.LittleEndian.Uint64(b)
	}
	h.Extra = bytes.Clone(r.take(r.u16()))
	if r.err != nil {
		return r.err
	}
	if h.SectorSize == 0 {
		return fmt.Errorf("crypt sector size 0: %w", vfscache.ErrIntegrity)
	}
	return nil
}

// ReadHeader reads and decodes the header at the start of base.
func ReadHeader(base vfscache.Handle) (*Header, error) {
	prefix := make([]byte, minHeaderSize)
	if err := vfscache.ReadAtFull(base, prefix, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("short crypt header: %w", vfscache.ErrIntegrity)
		}
		return nil, err
	}
	if string(prefix[:len(signature)]) != signature {
		return nil, fmt.Errorf("missing crypt signature: %w", vfscache.ErrIntegrity)
	}
	size := int(binary.LittleEndian.Uint16(prefix[len(signature):]))
	if size < minHeaderSize {
		return nil, fmt.Errorf("crypt header size %d: %w", size, vfscache.ErrIntegrity)
	}
	data := make([]byte, size)
	if err := vfscache.ReadAtFull(base, data, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("short crypt header: %w", vfscache.ErrIntegrity)
		}
		return nil, err
	}
	h := &Header{}
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return h, nil
}

// validate checks the header against the cipher it names. Failures wrap
// kind, which distinguishes a bad file from bad creation options.
func (h *Header) validate(c *sectorCipher, kind error) error {
	bs := c.blockSize()
	if len(h.IV) != bs {
		return fmt.Errorf("iv is %d bytes, block size is %d: %w", len(h.IV), bs, kind)
	}
	if h.SectorSize%bs != 0 {
		return fmt.Errorf("sector size %d is not a multiple of block size %d: %w", h.SectorSize, bs, kind)
	}
	if h.Mode == CBCCTS && h.SectorSize < 2*bs {
		return fmt.Errorf("sector size %d too small for %s: %w", h.SectorSize, h.Mode, kind)
	}
	return nil
}
