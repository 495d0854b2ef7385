package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCopyThrough_HappyPath(t *testing.T) {
	content := []byte("hello world, this is a copy-through test")

	var dst bytes.Buffer
	res, err := CopyThrough(context.Background(), &dst, bytes.NewReader(content), CopyOptions{
		ExpectedSize: int64(len(content)),
		Logger:       testLogger(),
	})

	require.NoError(t, err)
	require.Equal(t, vfscache.DigestBytes(content), res.Digest)
	require.Equal(t, int64(len(content)), res.Size)
	require.Equal(t, content, dst.Bytes())
}

func TestCopyThrough_DigestOnly(t *testing.T) {
	content := []byte("nowhere to go")

	res, err := CopyThrough(context.Background(), nil, bytes.NewReader(content), CopyOptions{ExpectedSize: -1})
	require.NoError(t, err)
	require.Equal(t, vfscache.DigestBytes(content), res.Digest)
}

func TestCopyThrough_ExtraWriters(t *testing.T) {
	content := []byte("extra writer test content")
	sha256Hasher := sha256.New()

	_, err := CopyThrough(context.Background(), io.Discard, bytes.NewReader(content), CopyOptions{
		ExpectedSize: -1,
		ExtraWriters: []io.Writer{sha256Hasher},
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	expectedSHA := sha256.Sum256(content)
	require.Equal(t, expectedSHA[:], sha256Hasher.Sum(nil))
}

func TestCopyThrough_SourceErrorMidStream(t *testing.T) {
	src := io.MultiReader(
		bytes.NewReader([]byte("partial data")),
		&errorReader{err: errors.New("connection reset")},
	)

	var dst bytes.Buffer
	_, err := CopyThrough(context.Background(), &dst, src, CopyOptions{ExpectedSize: -1, Logger: testLogger()})
	require.Error(t, err)
	require.Equal(t, "partial data", dst.String())
}

func TestCopyThrough_SizeMismatch(t *testing.T) {
	_, err := CopyThrough(context.Background(), io.Discard, bytes.NewReader([]byte("short")), CopyOptions{
		ExpectedSize: 100,
		Logger:       testLogger(),
	})
	require.ErrorIs(t, err, vfscache.ErrIntegrity)
	require.Contains(t, err.Error(), "size mismatch")
}

func TestCopyThrough_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyThrough(ctx, io.Discard, bytes.NewReader([]byte("never read")), CopyOptions{
		ExpectedSize: -1,
		Logger:       testLogger(),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCopyFile(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	reg := vfscache.NewRegistry()
	reg.Register(backend.MemoryPrefix, mem)
	t.Cleanup(func() { _ = reg.Close() })

	content := bytes.Repeat([]byte("0123456789"), 1000)
	mem.SetBytes("/vsimem/src.bin", content)

	res, err := CopyFile(ctx, reg, "/vsimem/src.bin", "/vsimem/dst.bin", testLogger())
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), res.Size)
	require.Equal(t, vfscache.DigestBytes(content), res.Digest)

	got, err := mem.Bytes("/vsimem/dst.bin")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestCopyFile_MissingSource(t *testing.T) {
	reg := vfscache.NewRegistry()
	reg.Register(backend.MemoryPrefix, backend.NewMemory())

	_, err := CopyFile(context.Background(), reg, "/vsimem/missing", "/vsimem/dst", testLogger())
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

// errorReader is a reader that always returns an error.
type errorReader struct {
	err error
}

func (r *errorReader) Read([]byte) (int, error) {
	return 0, r.err
}
