package gzipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	vfscache "github.com/wolfeidau/vfs-cache"
)

// compressor is the part of gzip.Writer and zlib.Writer a Writer needs.
type compressor interface {
	io.WriteCloser
	Flush() error
}

// Writer compresses everything written to it into a base handle. Only
// sequential writes are supported; the cursor may be queried but not moved.
type Writer struct {
	base vfscache.Handle
	w    compressor
	pos  int64
	err  error
}

func (h *Handler) create(ctx context.Context, name string, md vfscache.Mode) (vfscache.Handle, error) {
	base, err := h.files.Open(ctx, name, "wb")
	if err != nil {
		return nil, err
	}
	if md.Has('z') {
		return NewZlibWriter(base), nil
	}
	return NewWriter(base, path.Base(name)), nil
}

// NewWriter returns a handle writing a gzip stream to base, recording name in
// the header. The writer owns base.
func NewWriter(base vfscache.Handle, name string) *Writer {
	gz := gzip.NewWriter(base)
	gz.Name = name
	return &Writer{base: base, w: gz}
}

// NewZlibWriter returns a handle writing a zlib stream to base.
func NewZlibWriter(base vfscache.Handle) *Writer {
	return &Writer{base: base, w: zlib.NewWriter(base)}
}

func (w *Writer) Read([]byte) (int, error) { return 0, vfscache.ErrNotSupported }

func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(p)
	w.pos += int64(n)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Seek only reports the position; any request that would move the cursor
// fails.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	pos, err := vfscache.SeekPosition(w.pos, w.pos, offset, whence)
	if err != nil {
		return 0, err
	}
	if pos != w.pos {
		return 0, fmt.Errorf("seeking compressed output to %d: %w", pos, vfscache.ErrNotSupported)
	}
	return pos, nil
}

func (w *Writer) Tell() int64 { return w.pos }

func (w *Writer) EOF() bool { return false }

func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.base.Flush()
}

func (w *Writer) Truncate(int64) error { return vfscache.ErrNotSupported }

func (w *Writer) Close() error {
	return errors.Join(w.w.Close(), w.base.Close())
}

var _ vfscache.Handle = (*Writer)(nil)
