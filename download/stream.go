package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// CopyOptions configures a copy-through operation.
type CopyOptions struct {
	ExpectedSize int64       // -1 if unknown
	ExtraWriters []io.Writer // extra hashers (must not return errors)
	Logger       *slog.Logger
}

// CopyResult is returned after the copy completes.
type CopyResult struct {
	Digest vfscache.Digest // BLAKE3 content digest
	Size   int64           // total bytes transferred
}

// CopyThrough copies src to dst and digests the content in the same pass.
// dst may be nil when only the digest is wanted.
//
// The copy stops at the first read or write error, or when ctx is done.
// A known ExpectedSize that does not match the bytes copied is an
// ErrIntegrity.
func CopyThrough(ctx context.Context, dst io.Writer, src io.Reader, opts CopyOptions) (*CopyResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if dst == nil {
		dst = io.Discard
	}

	writers := make([]io.Writer, 0, 1+len(opts.ExtraWriters))
	writers = append(writers, dst)
	writers = append(writers, opts.ExtraWriters...)

	hr := vfscache.NewHashingReader(&contextReader{ctx: ctx, r: src})
	n, err := io.Copy(io.MultiWriter(writers...), hr)
	if err != nil {
		logger.Error("copy interrupted", "bytes_copied", n, "error", err)
		return nil, fmt.Errorf("copying: %w", err)
	}

	if opts.ExpectedSize >= 0 && n != opts.ExpectedSize {
		logger.Error("size mismatch", "expected", opts.ExpectedSize, "actual", n)
		return nil, fmt.Errorf("size mismatch: expected %d, got %d: %w", opts.ExpectedSize, n, vfscache.ErrIntegrity)
	}

	return &CopyResult{Digest: hr.Sum(), Size: n}, nil
}

// CopyFile copies the file at srcPath to dstPath through the registry and
// returns the digest of the copied content. The destination is created or
// truncated, and it is flushed and closed before CopyFile returns.
func CopyFile(ctx context.Context, reg *vfscache.Registry, srcPath, dstPath string, logger *slog.Logger) (*CopyResult, error) {
	src, err := reg.Open(ctx, srcPath, "rb")
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	expected := int64(-1)
	if fi, err := reg.Stat(ctx, srcPath); err == nil && !fi.IsDir() {
		expected = fi.Size
	}

	dst, err := reg.Open(ctx, dstPath, "wb")
	if err != nil {
		return nil, err
	}

	res, err := CopyThrough(ctx, dst, src, CopyOptions{ExpectedSize: expected, Logger: logger})
	if err != nil {
		_ = dst.Close()
		return nil, err
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", dstPath, err)
	}
	return res, nil
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
