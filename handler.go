package vfscache

import (
	"context"
	"io/fs"
	"time"
)

// FileInfo describes a virtual file or directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool { return fi.Mode.IsDir() }

// Handler serves every path under one registered prefix.
type Handler interface {
	// Open opens path with an fopen-style mode string.
	Open(ctx context.Context, path, mode string) (Handle, error)

	// Stat describes path. Returns ErrNotFound if it does not exist.
	Stat(ctx context.Context, path string) (FileInfo, error)

	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Mkdir(ctx context.Context, path string, perm fs.FileMode) error
	Rmdir(ctx context.Context, path string) error

	// ReadDir lists the immediate children of a directory.
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
}

// Opener opens virtual paths.
type Opener interface {
	Open(ctx context.Context, path, mode string) (Handle, error)
}

// FileWriter is implemented by handlers that can replace a whole file in one
// step (used for small metadata such as sidecars).
type FileWriter interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Unimplemented can be embedded by handlers to get ErrNotSupported defaults
// for every operation except Open.
type Unimplemented struct{}

func (Unimplemented) Stat(context.Context, string) (FileInfo, error) {
	return FileInfo{}, ErrNotSupported
}

func (Unimplemented) Unlink(context.Context, string) error { return ErrNotSupported }

func (Unimplemented) Rename(context.Context, string, string) error { return ErrNotSupported }

func (Unimplemented) Mkdir(context.Context, string, fs.FileMode) error { return ErrNotSupported }

func (Unimplemented) Rmdir(context.Context, string) error { return ErrNotSupported }

func (Unimplemented) ReadDir(context.Context, string) ([]FileInfo, error) {
	return nil, ErrNotSupported
}

// missingHandler is the fallback when no default handler was configured.
type missingHandler struct {
	Unimplemented
}

func (missingHandler) Open(context.Context, string, string) (Handle, error) {
	return nil, ErrNotFound
}

func (missingHandler) Stat(context.Context, string) (FileInfo, error) {
	return FileInfo{}, ErrNotFound
}
