package cryptfs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// Handle is a random-access plaintext view of an encrypted file. Sectors are
// encrypted independently, so any one can be read or rewritten without
// touching the others. One decrypted sector is kept resident.
type Handle struct {
	base     vfscache.Handle
	hdr      *Header
	cipher   *sectorCipher
	ss       int64
	writable bool

	// sector holds the plaintext of the resident sector at sectorOff, or
	// sectorOff is -1 when nothing is resident. Bytes past the payload are
	// always zero.
	sector    []byte
	sectorOff int64
	dirty     bool
	scratch   []byte

	// stored is the extent of sectors present in the base file.
	stored      int64
	payload     int64
	headerDirty bool

	pos    int64
	eof    bool
	err    error
	closed bool
}

func newHandle(base vfscache.Handle, hdr *Header, c *sectorCipher, writable bool) *Handle {
	ss := int64(hdr.SectorSize)
	h := &Handle{
		base:      base,
		hdr:       hdr,
		cipher:    c,
		ss:        ss,
		writable:  writable,
		sector:    make([]byte, ss),
		sectorOff: -1,
		scratch:   make([]byte, ss),
		payload:   int64(hdr.PayloadSize),
	}
	h.stored = h.roundUp(h.payload)
	return h
}

func (h *Handle) roundUp(n int64) int64 { return (n + h.ss - 1) / h.ss * h.ss }

func (h *Handle) sectorOf(n int64) int64 { return n / h.ss * h.ss }

// Header returns the file header. PayloadSize reflects the last flush.
func (h *Handle) Header() Header { return *h.hdr }

// load makes the sector at off resident.
func (h *Handle) load(off int64) error {
	if h.sectorOff == off {
		return nil
	}
	if err := h.flushSector(); err != nil {
		return err
	}
	h.sectorOff = -1
	if off >= h.stored {
		clear(h.sector)
	} else {
		if err := vfscache.ReadAtFull(h.base, h.sector, int64(h.hdr.Size)+off); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("sector at %d is truncated: %w", off, vfscache.ErrIntegrity)
			}
			return err
		}
		h.cipher.decrypt(h.sector, sectorIV(h.hdr.IV, uint64(off)))
		if end := h.payload - off; end < h.ss {
			clear(h.sector[max(end, 0):])
		}
	}
	h.sectorOff = off
	return nil
}

// writeSector encrypts plain and stores it at off. Bytes past the payload
// are replaced with random padding. Missing sectors before off are written
// first as encrypted zeros.
func (h *Handle) writeSector(off int64, plain []byte) error {
	for h.stored < off {
		if err := h.writeSector(h.stored, make([]byte, h.ss)); err != nil {
			return err
		}
	}
	copy(h.scratch, plain)
	if end := h.payload - off; end < h.ss {
		if _, err := rand.Read(h.scratch[max(end, 0):]); err != nil {
			return fmt.Errorf("generating sector padding: %w", err)
		}
	}
	h.cipher.encrypt(h.scratch, sectorIV(h.hdr.IV, uint64(off)))
	if _, err := h.base.Seek(int64(h.hdr.Size)+off, io.SeekStart); err != nil {
		return err
	}
	if _, err := h.base.Write(h.scratch); err != nil {
		return fmt.Errorf("writing sector at %d: %w", off, err)
	}
	h.stored = max(h.stored, off+h.ss)
	return nil
}

func (h *Handle) flushSector() error {
	if !h.dirty {
		return nil
	}
	if err := h.writeSector(h.sectorOff, h.sector); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// grow raises the payload to n. A partial last sector is made resident
// first so that whatever lies past the old payload reads back as zeros.
func (h *Handle) grow(n int64) error {
	if h.payload%h.ss != 0 {
		if err := h.load(h.sectorOf(h.payload)); err != nil {
			return err
		}
		h.dirty = true
	}
	h.payload = n
	h.headerDirty = true
	return nil
}

func (h *Handle) fail(err error) error {
	if errors.Is(err, vfscache.ErrIntegrity) {
		h.err = err
	}
	return err
}

func (h *Handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if h.err != nil {
		return 0, h.err
	}
	if h.pos >= h.payload {
		h.eof = true
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && h.pos < h.payload {
		off := h.sectorOf(h.pos)
		if err := h.load(off); err != nil {
			return n, h.fail(err)
		}
		k := copy(p[n:], h.sector[h.pos-off:min(h.ss, h.payload-off)])
		n += k
		h.pos += int64(k)
	}
	if n < len(p) {
		h.eof = true
	}
	return n, nil
}

func (h *Handle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if !h.writable {
		return 0, vfscache.ErrNotSupported
	}
	if h.err != nil {
		return 0, h.err
	}
	if h.pos > h.payload {
		if err := h.grow(h.pos); err != nil {
			return 0, h.fail(err)
		}
	}
	n := 0
	for n < len(p) {
		off := h.sectorOf(h.pos)
		in := h.pos - off
		k := min(int64(len(p)-n), h.ss-in)
		if in == 0 && k == h.ss && h.sectorOff != off {
			// The whole sector is replaced, so skip decrypting it.
			if err := h.flushSector(); err != nil {
				return n, h.fail(err)
			}
			h.sectorOff = off
		} else if err := h.load(off); err != nil {
			return n, h.fail(err)
		}
		copy(h.sector[in:], p[n:n+int(k)])
		h.dirty = true
		n += int(k)
		h.pos += k
		if h.pos > h.payload {
			h.payload = h.pos
			h.headerDirty = true
		}
	}
	return n, nil
}

func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	pos, err := vfscache.SeekPosition(h.pos, h.payload, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *Handle) Tell() int64 { return h.pos }

func (h *Handle) EOF() bool { return h.eof }

// Size returns the plaintext length.
func (h *Handle) Size() (int64, error) { return h.payload, nil }

// Truncate changes the plaintext length. Growing reads back as zeros.
func (h *Handle) Truncate(n int64) error {
	if h.closed {
		return vfscache.ErrClosed
	}
	if !h.writable {
		return vfscache.ErrNotSupported
	}
	if n < 0 {
		return fmt.Errorf("negative size %d: %w", n, vfscache.ErrBadParameter)
	}
	if n >= h.payload {
		if n == h.payload {
			return nil
		}
		return h.fail(h.grow(n))
	}

	end := h.roundUp(n)
	if h.sectorOff >= end {
		h.sectorOff, h.dirty = -1, false
	}
	h.payload = n
	h.headerDirty = true
	if err := h.base.Truncate(int64(h.hdr.Size) + end); err != nil {
		return err
	}
	h.stored = min(h.stored, end)
	if n%h.ss != 0 {
		off := h.sectorOf(n)
		if h.sectorOff == off {
			clear(h.sector[n-off:])
		} else if err := h.load(off); err != nil {
			return h.fail(err)
		}
		h.dirty = true
	}
	return nil
}

// Flush writes the resident sector, any sectors still missing up to the
// payload, and the header.
func (h *Handle) Flush() error {
	if h.closed {
		return vfscache.ErrClosed
	}
	if !h.writable {
		return nil
	}
	if err := h.flushSector(); err != nil {
		return err
	}
	if end := h.roundUp(h.payload); h.stored < end {
		last := end - h.ss
		if err := h.load(last); err != nil {
			return err
		}
		if err := h.writeSector(last, h.sector); err != nil {
			return err
		}
	}
	if h.headerDirty {
		h.hdr.PayloadSize = uint64(h.payload)
		data, err := h.hdr.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := h.base.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err := h.base.Write(data); err != nil {
			return fmt.Errorf("writing crypt header: %w", err)
		}
		h.headerDirty = false
	}
	return h.base.Flush()
}

// Close flushes pending writes and closes the base file.
func (h *Handle) Close() error {
	if h.closed {
		return vfscache.ErrClosed
	}
	var err error
	if h.writable {
		err = h.Flush()
	}
	h.closed = true
	return errors.Join(err, h.base.Close())
}

var _ vfscache.Handle = (*Handle)(nil)
