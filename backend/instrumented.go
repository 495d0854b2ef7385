package backend

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// Instrumented wraps a Handler with metrics recording.
type Instrumented struct {
	handler vfscache.Handler
	prefix  string
}

// NewInstrumented creates a new instrumented handler wrapper for the handler
// registered under prefix.
func NewInstrumented(h vfscache.Handler, prefix string) *Instrumented {
	return &Instrumented{handler: h, prefix: prefix}
}

func (ih *Instrumented) Open(ctx context.Context, path, mode string) (vfscache.Handle, error) {
	start := time.Now()
	h, err := ih.handler.Open(ctx, path, mode)
	telemetry.RecordHandleOp(ctx, ih.prefix, "open", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedHandle{Handle: h, ctx: context.WithoutCancel(ctx), prefix: ih.prefix, opened: time.Now()}, nil
}

func (ih *Instrumented) Stat(ctx context.Context, path string) (vfscache.FileInfo, error) {
	start := time.Now()
	fi, err := ih.handler.Stat(ctx, path)
	telemetry.RecordHandleOp(ctx, ih.prefix, "stat", outcomeFromError(err), time.Since(start), 0)
	return fi, err
}

func (ih *Instrumented) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	err := ih.handler.Unlink(ctx, path)
	telemetry.RecordHandleOp(ctx, ih.prefix, "unlink", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ih *Instrumented) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	err := ih.handler.Rename(ctx, oldPath, newPath)
	telemetry.RecordHandleOp(ctx, ih.prefix, "rename", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ih *Instrumented) Mkdir(ctx context.Context, path string, perm fs.FileMode) error {
	start := time.Now()
	err := ih.handler.Mkdir(ctx, path, perm)
	telemetry.RecordHandleOp(ctx, ih.prefix, "mkdir", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ih *Instrumented) Rmdir(ctx context.Context, path string) error {
	start := time.Now()
	err := ih.handler.Rmdir(ctx, path)
	telemetry.RecordHandleOp(ctx, ih.prefix, "rmdir", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ih *Instrumented) ReadDir(ctx context.Context, path string) ([]vfscache.FileInfo, error) {
	start := time.Now()
	entries, err := ih.handler.ReadDir(ctx, path)
	telemetry.RecordHandleOp(ctx, ih.prefix, "readdir", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

// WriteFile delegates to the underlying handler if it implements FileWriter,
// falling back to an open-write-close sequence.
func (ih *Instrumented) WriteFile(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	var err error
	if fw, ok := ih.handler.(vfscache.FileWriter); ok {
		err = fw.WriteFile(ctx, path, data)
	} else {
		err = writeViaOpen(ctx, ih.handler, path, data)
	}
	telemetry.RecordHandleOp(ctx, ih.prefix, "write_file", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func writeViaOpen(ctx context.Context, h vfscache.Handler, path string, data []byte) error {
	f, err := h.Open(ctx, path, "wb")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close closes the underlying handler if it holds resources.
func (ih *Instrumented) Close() error {
	if c, ok := ih.handler.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Unwrap returns the underlying handler.
func (ih *Instrumented) Unwrap() vfscache.Handler {
	return ih.handler
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, vfscache.ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, vfscache.ErrNotSupported) {
		return "not_supported"
	}
	return "error"
}

// instrumentedHandle counts bytes moved through a handle and records them
// when it is closed.
type instrumentedHandle struct {
	vfscache.Handle
	ctx     context.Context
	prefix  string
	opened  time.Time
	read    int64
	written int64
	failed  error
}

func (h *instrumentedHandle) Read(p []byte) (int, error) {
	n, err := h.Handle.Read(p)
	h.read += int64(n)
	if err != nil && err != io.EOF && h.failed == nil {
		h.failed = err
	}
	return n, err
}

func (h *instrumentedHandle) Write(p []byte) (int, error) {
	n, err := h.Handle.Write(p)
	h.written += int64(n)
	if err != nil && h.failed == nil {
		h.failed = err
	}
	return n, err
}

// Size forwards to the wrapped handle.
func (h *instrumentedHandle) Size() (int64, error) {
	return vfscache.Size(h.Handle)
}

// Clone forwards to the wrapped handle when it supports duplication.
func (h *instrumentedHandle) Clone(ctx context.Context) (vfscache.Handle, error) {
	c, ok := h.Handle.(vfscache.Cloner)
	if !ok {
		return nil, vfscache.ErrNotSupported
	}
	dup, err := c.Clone(ctx)
	if err != nil {
		return nil, err
	}
	return &instrumentedHandle{Handle: dup, ctx: context.WithoutCancel(ctx), prefix: h.prefix, opened: time.Now()}, nil
}

func (h *instrumentedHandle) Close() error {
	err := h.Handle.Close()
	lifetime := time.Since(h.opened)
	outcome := outcomeFromError(h.failed)
	if h.read > 0 {
		telemetry.RecordHandleOp(h.ctx, h.prefix, "read", outcome, lifetime, h.read)
	}
	if h.written > 0 {
		telemetry.RecordHandleOp(h.ctx, h.prefix, "write", outcome, lifetime, h.written)
	}
	telemetry.RecordHandleOp(h.ctx, h.prefix, "close", outcomeFromError(err), 0, 0)
	return err
}

// Compile-time interface checks
var (
	_ vfscache.Handler    = (*Instrumented)(nil)
	_ vfscache.FileWriter = (*Instrumented)(nil)
	_ vfscache.Handle     = (*instrumentedHandle)(nil)
	_ vfscache.Cloner     = (*instrumentedHandle)(nil)
)
