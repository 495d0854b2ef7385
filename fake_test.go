package vfscache

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
)

// fakeHandler serves in-memory byte slices keyed by full path.
type fakeHandler struct {
	Unimplemented
	mu     sync.Mutex
	files  map[string][]byte
	opens  atomic.Int32
	closes atomic.Int32
}

func newFakeHandler(files map[string]string) *fakeHandler {
	h := &fakeHandler{files: make(map[string][]byte)}
	for k, v := range files {
		h.files[k] = []byte(v)
	}
	return h
}

func (f *fakeHandler) Open(_ context.Context, path, mode string) (Handle, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok && !m.Create {
		return nil, ErrNotFound
	}
	if m.Truncate {
		data = nil
	}
	f.opens.Add(1)
	return &fakeHandle{owner: f, path: path, data: append([]byte(nil), data...), writable: m.Write}, nil
}

func (f *fakeHandler) Stat(_ context.Context, path string) (FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	return FileInfo{Name: path, Size: int64(len(data)), Mode: 0o644}, nil
}

func (f *fakeHandler) Rename(_ context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[oldPath]
	if !ok {
		return ErrNotFound
	}
	delete(f.files, oldPath)
	f.files[newPath] = data
	return nil
}

func (f *fakeHandler) ReadDir(context.Context, string) ([]FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FileInfo, 0, len(f.files))
	for name, data := range f.files {
		out = append(out, FileInfo{Name: name, Size: int64(len(data)), Mode: fs.FileMode(0o644)})
	}
	return out, nil
}

type fakeHandle struct {
	owner    *fakeHandler
	path     string
	data     []byte
	pos      int64
	eof      bool
	writable bool
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	if h.pos >= int64(len(h.data)) {
		h.eof = true
		return 0, io.EOF
	}
	n := copy(p, h.data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	if !h.writable {
		return 0, ErrNotSupported
	}
	end := h.pos + int64(len(p))
	if end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[h.pos:], p)
	h.pos = end
	return len(p), nil
}

func (h *fakeHandle) Seek(offset int64, whence int) (int64, error) {
	pos, err := SeekPosition(h.pos, int64(len(h.data)), offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *fakeHandle) Tell() int64 { return h.pos }

func (h *fakeHandle) EOF() bool { return h.eof }

func (h *fakeHandle) Flush() error { return nil }

func (h *fakeHandle) Truncate(size int64) error {
	if !h.writable {
		return ErrNotSupported
	}
	if size < int64(len(h.data)) {
		h.data = h.data[:size]
	} else {
		h.data = append(h.data, make([]byte, size-int64(len(h.data)))...)
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.owner.closes.Add(1)
	if h.writable {
		h.owner.mu.Lock()
		h.owner.files[h.path] = h.data
		h.owner.mu.Unlock()
	}
	return nil
}
