package vfscache

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Handle is an open virtual file. Every backend returns one from Open.
//
// A Handle owns exactly one cursor. Operations are sequential: callers must
// not use a Handle from several goroutines at once. Close flushes pending
// writes before releasing the underlying resource.
type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Tell returns the current cursor position.
	Tell() int64

	// EOF reports whether a read has hit the end of the stream.
	EOF() bool

	// Flush pushes buffered writes to the underlying resource.
	Flush() error

	// Truncate changes the logical size of the file.
	Truncate(size int64) error
}

// Cloner is implemented by handles that can duplicate themselves, deep-copying
// the cursor and any codec state.
type Cloner interface {
	Clone(ctx context.Context) (Handle, error)
}

// Sizer is implemented by handles that know their logical size without seeking.
type Sizer interface {
	Size() (int64, error)
}

// ReadOnly provides write-side defaults for read-only handles.
type ReadOnly struct{}

func (ReadOnly) Write([]byte) (int, error) { return 0, ErrNotSupported }

func (ReadOnly) Truncate(int64) error { return ErrNotSupported }

func (ReadOnly) Flush() error { return nil }

// Size returns the logical size of h, restoring the cursor afterwards.
func Size(h Handle) (int64, error) {
	if s, ok := h.(Sizer); ok {
		return s.Size()
	}
	cur := h.Tell()
	end, err := h.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seeking to end: %w", err)
	}
	if _, err := h.Seek(cur, io.SeekStart); err != nil {
		return 0, fmt.Errorf("restoring position: %w", err)
	}
	return end, nil
}

// ReadAtFull reads len(p) bytes at off, returning io.ErrUnexpectedEOF on a short read.
func ReadAtFull(h Handle, p []byte, off int64) error {
	if _, err := h.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(h, p)
	return err
}

// ReaderAt adapts a Handle to io.ReaderAt. Calls serialise on the handle cursor.
type ReaderAt struct {
	mu sync.Mutex
	h  Handle
}

// NewReaderAt wraps h.
func NewReaderAt(h Handle) *ReaderAt {
	return &ReaderAt{h: h}
}

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.h.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r.h, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// SeekPosition resolves a Seek request against the current position and size.
// Negative results are rejected with ErrBadParameter.
func SeekPosition(cur, size, offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = cur + offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d: %w", whence, ErrBadParameter)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d: %w", pos, ErrBadParameter)
	}
	return pos, nil
}
