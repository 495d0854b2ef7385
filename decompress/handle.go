// Package decompress provides forward-only decompression handles and the
// /vsizstd/ and /vsilz4/ handlers built on them.
package decompress

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// Decoder wraps a compressed stream in a decompressing reader. It has the
// shape of a zip decompressor.
type Decoder func(r io.Reader) io.ReadCloser

// Config describes a compressed stream.
type Config struct {
	// Open returns a fresh handle positioned at the start of the compressed
	// data. It is called again on every rewind.
	Open func(ctx context.Context) (vfscache.Handle, error)

	Decoder Decoder

	// Size is the uncompressed size, or -1 if unknown.
	Size int64

	// CRC32 is checked when the end of the stream is reached.
	CRC32  uint32
	HasCRC bool
}

// Handle is a read-only Handle over a compressed stream that can only be
// decoded forwards. Backward seeks restart decoding from the beginning, and
// forward seeks decode and discard.
type Handle struct {
	vfscache.ReadOnly

	ctx  context.Context
	cfg  Config
	base vfscache.Handle
	dec  io.ReadCloser

	// out is the number of bytes produced by dec.
	out int64
	pos int64
	crc uint32
	eof bool
	err error
}

// NewHandle returns a handle over the stream described by cfg. No data is
// read until the first Read.
func NewHandle(ctx context.Context, cfg Config) *Handle {
	if cfg.Size < 0 {
		cfg.Size = -1
	}
	return &Handle{ctx: context.WithoutCancel(ctx), cfg: cfg}
}

func (h *Handle) reset() error {
	_ = h.closeStream()
	base, err := h.cfg.Open(h.ctx)
	if err != nil {
		return err
	}
	h.base = base
	h.dec = h.cfg.Decoder(base)
	h.out, h.crc = 0, 0
	return nil
}

func (h *Handle) closeStream() error {
	var errs []error
	if h.dec != nil {
		errs = append(errs, h.dec.Close())
		h.dec = nil
	}
	if h.base != nil {
		errs = append(errs, h.base.Close())
		h.base = nil
	}
	return errors.Join(errs...)
}

// decode reads from the decoder, tracking the checksum and the end of the
// stream.
func (h *Handle) decode(p []byte) (int, error) {
	n, err := h.dec.Read(p)
	if n > 0 {
		h.crc = crc32.Update(h.crc, crc32.IEEETable, p[:n])
		h.out += int64(n)
	}
	if errors.Is(err, io.EOF) {
		if h.cfg.Size < 0 {
			h.cfg.Size = h.out
		} else if h.out != h.cfg.Size {
			return n, h.fail(fmt.Errorf("stream ends at %d, expected %d: %w", h.out, h.cfg.Size, vfscache.ErrIntegrity))
		}
		if h.cfg.HasCRC && h.crc != h.cfg.CRC32 {
			return n, h.fail(fmt.Errorf("crc %08x, expected %08x: %w", h.crc, h.cfg.CRC32, vfscache.ErrIntegrity))
		}
		return n, io.EOF
	}
	if err != nil {
		return n, h.fail(fmt.Errorf("decompressing: %w", err))
	}
	return n, nil
}

func (h *Handle) fail(err error) error {
	h.err = err
	return err
}

// position makes the decoder output offset equal to the cursor.
func (h *Handle) position() error {
	if h.dec == nil || h.pos < h.out {
		if err := h.reset(); err != nil {
			return err
		}
	}
	if h.pos > h.out {
		if _, err := io.CopyN(io.Discard, readerFunc(h.decode), h.pos-h.out); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

func (h *Handle) Read(p []byte) (int, error) {
	if h.err != nil {
		return 0, h.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.cfg.Size >= 0 && h.pos >= h.cfg.Size {
		h.eof = true
		return 0, io.EOF
	}
	if err := h.position(); err != nil {
		return 0, err
	}
	if h.pos > h.out {
		h.eof = true
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		k, err := h.decode(p[n:])
		n += k
		if errors.Is(err, io.EOF) {
			h.eof = true
			break
		}
		if err != nil {
			h.pos += int64(n)
			return n, err
		}
	}
	h.pos += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if whence == io.SeekEnd {
		var err error
		if size, err = h.Size(); err != nil {
			return 0, err
		}
	}
	pos, err := vfscache.SeekPosition(h.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

// Size returns the uncompressed size, decoding the rest of the stream once
// when it is not known.
func (h *Handle) Size() (int64, error) {
	if h.cfg.Size >= 0 {
		return h.cfg.Size, nil
	}
	if h.err != nil {
		return 0, h.err
	}
	if h.dec == nil {
		if err := h.reset(); err != nil {
			return 0, err
		}
	}
	if _, err := io.Copy(io.Discard, readerFunc(h.decode)); err != nil {
		return 0, err
	}
	return h.cfg.Size, nil
}

// Clone returns an independent handle at the same cursor. The copy decodes
// from the beginning when first read.
func (h *Handle) Clone(ctx context.Context) (vfscache.Handle, error) {
	c := NewHandle(ctx, h.cfg)
	c.pos = h.pos
	return c, nil
}

func (h *Handle) Tell() int64 { return h.pos }

func (h *Handle) EOF() bool { return h.eof }

func (h *Handle) Close() error { return h.closeStream() }

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

var (
	_ vfscache.Handle = (*Handle)(nil)
	_ vfscache.Sizer  = (*Handle)(nil)
	_ vfscache.Cloner = (*Handle)(nil)
)
