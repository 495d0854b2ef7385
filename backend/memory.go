package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// MemoryPrefix is the prefix the in-memory handler is registered under.
const MemoryPrefix = "/vsimem/"

// Memory serves files held entirely in process memory. Every handle opened
// on a path shares the same buffer, so a write through one handle is visible
// to readers of another.
type Memory struct {
	root string
	now  func() time.Time

	mu    sync.RWMutex
	files map[string]*memFile
	dirs  map[string]time.Time
}

type memFile struct {
	mu      sync.RWMutex
	data    []byte
	modTime time.Time
}

// MemoryOption configures a Memory handler.
type MemoryOption func(*Memory)

// WithMemoryNow sets the clock used for modification times.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory handler.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		root:  strings.TrimSuffix(MemoryPrefix, "/"),
		now:   time.Now,
		files: make(map[string]*memFile),
		dirs:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cleanMemPath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// Open opens or creates a memory file.
func (m *Memory) Open(_ context.Context, name, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	name = cleanMemPath(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isDirLocked(name) {
		return nil, fmt.Errorf("%s is a directory: %w", name, vfscache.ErrBadParameter)
	}

	f, ok := m.files[name]
	switch {
	case !ok && !md.Create:
		return nil, vfscache.ErrNotFound
	case !ok:
		f = &memFile{modTime: m.now()}
		m.files[name] = f
	case md.Truncate:
		f.mu.Lock()
		f.data = nil
		f.modTime = m.now()
		f.mu.Unlock()
	}

	return &memHandle{file: f, mode: md, now: m.now}, nil
}

// Stat describes a memory file or directory.
func (m *Memory) Stat(_ context.Context, name string) (vfscache.FileInfo, error) {
	name = cleanMemPath(name)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f, ok := m.files[name]; ok {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return vfscache.FileInfo{
			Name:    path.Base(name),
			Size:    int64(len(f.data)),
			ModTime: f.modTime,
			Mode:    0o644,
		}, nil
	}
	if m.isDirLocked(name) {
		return vfscache.FileInfo{
			Name:    path.Base(name),
			ModTime: m.dirs[name],
			Mode:    fs.ModeDir | 0o755,
		}, nil
	}
	return vfscache.FileInfo{}, vfscache.ErrNotFound
}

// isDirLocked reports whether name is the root, an explicit directory or an
// implicit parent of some file.
func (m *Memory) isDirLocked(name string) bool {
	if name == m.root {
		return true
	}
	if _, ok := m.dirs[name]; ok {
		return true
	}
	prefix := name + "/"
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Unlink removes a memory file.
func (m *Memory) Unlink(_ context.Context, name string) error {
	name = cleanMemPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return vfscache.ErrNotFound
	}
	delete(m.files, name)
	return nil
}

// Rename moves a file, or a directory and everything under it.
func (m *Memory) Rename(_ context.Context, oldName, newName string) error {
	oldName, newName = cleanMemPath(oldName), cleanMemPath(newName)
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[oldName]; ok {
		delete(m.files, oldName)
		m.files[newName] = f
		return nil
	}
	if !m.isDirLocked(oldName) || oldName == m.root {
		return vfscache.ErrNotFound
	}

	oldPrefix := oldName + "/"
	for k, f := range m.files {
		if strings.HasPrefix(k, oldPrefix) {
			delete(m.files, k)
			m.files[newName+"/"+strings.TrimPrefix(k, oldPrefix)] = f
		}
	}
	for k, t := range m.dirs {
		if k == oldName || strings.HasPrefix(k, oldPrefix) {
			delete(m.dirs, k)
			m.dirs[newName+strings.TrimPrefix(k, oldName)] = t
		}
	}
	return nil
}

// Mkdir creates an explicit directory.
func (m *Memory) Mkdir(_ context.Context, name string, _ fs.FileMode) error {
	name = cleanMemPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok || m.isDirLocked(name) {
		return fmt.Errorf("%s already exists: %w", name, vfscache.ErrBadParameter)
	}
	m.dirs[name] = m.now()
	return nil
}

// Rmdir removes an empty directory.
func (m *Memory) Rmdir(_ context.Context, name string) error {
	name = cleanMemPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isDirLocked(name) || name == m.root {
		return vfscache.ErrNotFound
	}
	if len(m.childrenLocked(name)) > 0 {
		return fmt.Errorf("directory %s not empty: %w", name, vfscache.ErrBadParameter)
	}
	delete(m.dirs, name)
	return nil
}

// ReadDir lists the immediate children of a directory, sorted by name.
func (m *Memory) ReadDir(_ context.Context, name string) ([]vfscache.FileInfo, error) {
	name = cleanMemPath(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isDirLocked(name) {
		return nil, vfscache.ErrNotFound
	}
	return m.childrenLocked(name), nil
}

func (m *Memory) childrenLocked(dir string) []vfscache.FileInfo {
	prefix := dir + "/"
	seen := make(map[string]vfscache.FileInfo)
	for k, f := range m.files {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if child, _, nested := strings.Cut(rest, "/"); nested {
			seen[child] = vfscache.FileInfo{Name: child, Mode: fs.ModeDir | 0o755}
			continue
		}
		f.mu.RLock()
		seen[rest] = vfscache.FileInfo{Name: rest, Size: int64(len(f.data)), ModTime: f.modTime, Mode: 0o644}
		f.mu.RUnlock()
	}
	for k, t := range m.dirs {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		if _, exists := seen[child]; !exists {
			seen[child] = vfscache.FileInfo{Name: child, ModTime: t, Mode: fs.ModeDir | 0o755}
		}
	}

	out := make([]vfscache.FileInfo, 0, len(seen))
	for _, fi := range seen {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WriteFile replaces the content of a memory file, creating it if needed.
func (m *Memory) WriteFile(_ context.Context, name string, data []byte) error {
	m.SetBytes(name, append([]byte(nil), data...))
	return nil
}

// SetBytes installs data as the content of name. The slice is owned by the
// handler afterwards.
func (m *Memory) SetBytes(name string, data []byte) {
	name = cleanMemPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		m.files[name] = &memFile{data: data, modTime: m.now()}
		return
	}
	f.mu.Lock()
	f.data = data
	f.modTime = m.now()
	f.mu.Unlock()
}

// Bytes returns a copy of the content of name.
func (m *Memory) Bytes(name string) ([]byte, error) {
	name = cleanMemPath(name)
	m.mu.RLock()
	f, ok := m.files[name]
	m.mu.RUnlock()
	if !ok {
		return nil, vfscache.ErrNotFound
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]byte(nil), f.data...), nil
}

// NewBytesHandle returns a read-only handle over data.
func NewBytesHandle(data []byte) vfscache.Handle {
	return &memHandle{
		file: &memFile{data: data},
		mode: vfscache.MustParseMode("rb"),
		now:  time.Now,
	}
}

// memHandle is a cursor over a shared memFile.
type memHandle struct {
	file   *memFile
	mode   vfscache.Mode
	now    func() time.Time
	pos    int64
	eof    bool
	closed bool
}

func (h *memHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if !h.mode.Read {
		return 0, vfscache.ErrNotSupported
	}
	h.file.mu.RLock()
	defer h.file.mu.RUnlock()
	if h.pos >= int64(len(h.file.data)) {
		h.eof = true
		return 0, io.EOF
	}
	n := copy(p, h.file.data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if !h.mode.Write {
		return 0, vfscache.ErrNotSupported
	}
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if h.mode.Append {
		h.pos = int64(len(h.file.data))
	}
	end := h.pos + int64(len(p))
	if end > int64(len(h.file.data)) {
		h.file.data = growZero(h.file.data, end)
	}
	copy(h.file.data[h.pos:end], p)
	h.pos = end
	h.file.modTime = h.now()
	return len(p), nil
}

// growZero extends data to size bytes, zero filling the gap.
func growZero(data []byte, size int64) []byte {
	if int64(cap(data)) >= size {
		old := len(data)
		data = data[:size]
		clear(data[old:])
		return data
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, data)
	return grown
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	h.file.mu.RLock()
	size := int64(len(h.file.data))
	h.file.mu.RUnlock()
	pos, err := vfscache.SeekPosition(h.pos, size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *memHandle) Tell() int64 { return h.pos }

func (h *memHandle) EOF() bool { return h.eof }

func (h *memHandle) Flush() error { return nil }

func (h *memHandle) Truncate(size int64) error {
	if h.closed {
		return vfscache.ErrClosed
	}
	if !h.mode.Write {
		return vfscache.ErrNotSupported
	}
	if size < 0 {
		return fmt.Errorf("negative size %d: %w", size, vfscache.ErrBadParameter)
	}
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if size <= int64(len(h.file.data)) {
		h.file.data = h.file.data[:size]
	} else {
		h.file.data = growZero(h.file.data, size)
	}
	h.file.modTime = h.now()
	return nil
}

func (h *memHandle) Size() (int64, error) {
	h.file.mu.RLock()
	defer h.file.mu.RUnlock()
	return int64(len(h.file.data)), nil
}

func (h *memHandle) Close() error {
	if h.closed {
		return vfscache.ErrClosed
	}
	h.closed = true
	return nil
}

// Compile-time interface checks
var (
	_ vfscache.Handler    = (*Memory)(nil)
	_ vfscache.FileWriter = (*Memory)(nil)
	_ vfscache.Handle     = (*memHandle)(nil)
	_ vfscache.Sizer      = (*memHandle)(nil)
)
