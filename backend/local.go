// Package backend holds the leaf filesystem handlers: the local disk,
// memory files, stdin, subfile and sparse views, plus the metrics wrapper
// applied to any handler.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	vfscache "github.com/wolfeidau/vfs-cache"
)

// Local serves paths on the local filesystem. It is the default handler for
// paths that match no registered prefix.
type Local struct {
	logger *slog.Logger
}

// LocalOption configures a Local handler.
type LocalOption func(*Local)

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a local filesystem handler.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// mapOSError translates an os error into the vfscache taxonomy, keeping the
// original message.
func mapOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", vfscache.ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %v", vfscache.ErrBadParameter, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", vfscache.ErrNotSupported, err)
	}
	return err
}

// Open opens a file with an fopen-style mode.
func (l *Local) Open(_ context.Context, name, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name, md.OSFlags(), 0o644)
	if err != nil {
		return nil, mapOSError(err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory: %w", name, vfscache.ErrBadParameter)
	}
	return &localHandle{f: f, mode: md}, nil
}

// Stat describes a local path.
func (l *Local) Stat(_ context.Context, name string) (vfscache.FileInfo, error) {
	info, err := os.Stat(name)
	if err != nil {
		return vfscache.FileInfo{}, mapOSError(err)
	}
	return fileInfo(info), nil
}

func fileInfo(info fs.FileInfo) vfscache.FileInfo {
	return vfscache.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	}
}

// Unlink removes a file. Directories must be removed with Rmdir.
func (l *Local) Unlink(_ context.Context, name string) error {
	info, err := os.Lstat(name)
	if err != nil {
		return mapOSError(err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", name, vfscache.ErrBadParameter)
	}
	return mapOSError(os.Remove(name))
}

// Rename moves a file or directory.
func (l *Local) Rename(_ context.Context, oldName, newName string) error {
	return mapOSError(os.Rename(oldName, newName))
}

// Mkdir creates a directory.
func (l *Local) Mkdir(_ context.Context, name string, perm fs.FileMode) error {
	return mapOSError(os.Mkdir(name, perm))
}

// Rmdir removes an empty directory.
func (l *Local) Rmdir(_ context.Context, name string) error {
	info, err := os.Stat(name)
	if err != nil {
		return mapOSError(err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", name, vfscache.ErrBadParameter)
	}
	return mapOSError(os.Remove(name))
}

// ReadDir lists a directory.
func (l *Local) ReadDir(_ context.Context, name string) ([]vfscache.FileInfo, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, mapOSError(err)
	}
	out := make([]vfscache.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		out = append(out, fileInfo(info))
	}
	return out, nil
}

// WriteFile replaces name atomically: readers see either the old or the new
// content, never a partial write.
func (l *Local) WriteFile(_ context.Context, name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, mapOSError(err))
	}
	if err := atomic.WriteFile(name, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", name, mapOSError(err))
	}
	l.logger.Debug("wrote file atomically", "path", name, "size", len(data))
	return nil
}

// localHandle wraps an *os.File with the Handle contract.
type localHandle struct {
	f    *os.File
	mode vfscache.Mode
	pos  int64
	eof  bool
}

func (h *localHandle) Read(p []byte) (int, error) {
	n, err := h.f.Read(p)
	h.pos += int64(n)
	if errors.Is(err, io.EOF) {
		h.eof = true
	}
	return n, mapOSError(err)
}

func (h *localHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *localHandle) Write(p []byte) (int, error) {
	if !h.mode.Write {
		return 0, vfscache.ErrNotSupported
	}
	n, err := h.f.Write(p)
	if h.mode.Append {
		if pos, serr := h.f.Seek(0, io.SeekCurrent); serr == nil {
			h.pos = pos
		}
	} else {
		h.pos += int64(n)
	}
	return n, mapOSError(err)
}

func (h *localHandle) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart && offset < 0 || whence < io.SeekStart || whence > io.SeekEnd {
		return 0, fmt.Errorf("seek offset %d whence %d: %w", offset, whence, vfscache.ErrBadParameter)
	}
	pos, err := h.f.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", vfscache.ErrBadParameter, err)
	}
	h.pos, h.eof = pos, false
	return pos, nil
}

func (h *localHandle) Tell() int64 { return h.pos }

// Fd returns the descriptor, for callers that map the file into memory.
func (h *localHandle) Fd() uintptr { return h.f.Fd() }

func (h *localHandle) EOF() bool { return h.eof }

func (h *localHandle) Flush() error { return nil }

func (h *localHandle) Truncate(size int64) error {
	if !h.mode.Write {
		return vfscache.ErrNotSupported
	}
	return mapOSError(h.f.Truncate(size))
}

func (h *localHandle) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, mapOSError(err)
	}
	return info.Size(), nil
}

func (h *localHandle) Close() error {
	if err := h.f.Close(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return vfscache.ErrClosed
		}
		return err
	}
	return nil
}

// Compile-time interface checks
var (
	_ vfscache.Handler    = (*Local)(nil)
	_ vfscache.FileWriter = (*Local)(nil)
	_ vfscache.Handle     = (*localHandle)(nil)
	_ io.ReaderAt         = (*localHandle)(nil)
)
