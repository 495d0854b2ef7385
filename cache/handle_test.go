package cache

import (
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// countingHandle is an in-memory handle that counts base operations.
type countingHandle struct {
	data   []byte
	pos    int64
	eof    bool
	reads  int
	seeks  int
	writes int
	closed bool
}

func newCountingHandle(data []byte) *countingHandle {
	return &countingHandle{data: append([]byte(nil), data...)}
}

func (h *countingHandle) Read(p []byte) (int, error) {
	h.reads++
	if h.pos >= int64(len(h.data)) {
		h.eof = true
		return 0, io.EOF
	}
	n := copy(p, h.data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (h *countingHandle) Write(p []byte) (int, error) {
	h.writes++
	if end := h.pos + int64(len(p)); end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[h.pos:], p)
	h.pos += int64(len(p))
	return len(p), nil
}

func (h *countingHandle) Seek(offset int64, whence int) (int64, error) {
	h.seeks++
	pos, err := vfscache.SeekPosition(h.pos, int64(len(h.data)), offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *countingHandle) Size() (int64, error) { return int64(len(h.data)), nil }

func (h *countingHandle) Tell() int64 { return h.pos }

func (h *countingHandle) EOF() bool { return h.eof }

func (h *countingHandle) Flush() error { return nil }

func (h *countingHandle) Truncate(size int64) error {
	if size < int64(len(h.data)) {
		h.data = h.data[:size]
	} else {
		h.data = append(h.data, make([]byte, size-int64(len(h.data)))...)
	}
	return nil
}

func (h *countingHandle) Close() error {
	h.closed = true
	return nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
