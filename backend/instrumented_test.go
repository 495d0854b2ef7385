package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
)

func TestInstrumented_Passthrough(t *testing.T) {
	mem := newTestMemory()
	ih := NewInstrumented(mem, MemoryPrefix)
	ctx := context.Background()

	require.NoError(t, ih.WriteFile(ctx, "/vsimem/a", []byte("hello, instrumented handler")))

	h, err := ih.Open(ctx, "/vsimem/a", "rb")
	require.NoError(t, err)
	got, err := io.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, "hello, instrumented handler", string(got))

	size, err := vfscache.Size(h)
	require.NoError(t, err)
	require.EqualValues(t, len(got), size)

	// Close triggers metric recording and must not error
	require.NoError(t, h.Close())

	fi, err := ih.Stat(ctx, "/vsimem/a")
	require.NoError(t, err)
	require.EqualValues(t, len(got), fi.Size)

	entries, err := ih.ReadDir(ctx, "/vsimem")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, ih.Rename(ctx, "/vsimem/a", "/vsimem/b"))
	require.NoError(t, ih.Unlink(ctx, "/vsimem/b"))
	require.NoError(t, ih.Mkdir(ctx, "/vsimem/d", 0o755))
	require.NoError(t, ih.Rmdir(ctx, "/vsimem/d"))
	require.Same(t, mem, ih.Unwrap())
}

func TestInstrumented_OpenNotFound(t *testing.T) {
	ih := NewInstrumented(newTestMemory(), MemoryPrefix)
	_, err := ih.Open(context.Background(), "/vsimem/missing", "rb")
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func TestInstrumented_CloneUnsupported(t *testing.T) {
	mem := newTestMemory()
	mem.SetBytes("/vsimem/a", []byte("x"))
	ih := NewInstrumented(mem, MemoryPrefix)

	h, err := ih.Open(context.Background(), "/vsimem/a", "rb")
	require.NoError(t, err)
	_, err = h.(vfscache.Cloner).Clone(context.Background())
	require.ErrorIs(t, err, vfscache.ErrNotSupported)
}

func TestInstrumented_WriteFileWithoutFileWriter(t *testing.T) {
	mem := newTestMemory()
	ih := NewInstrumented(struct{ vfscache.Handler }{mem}, MemoryPrefix)

	require.NoError(t, ih.WriteFile(context.Background(), "/vsimem/w", []byte("via open")))
	data, err := mem.Bytes("/vsimem/w")
	require.NoError(t, err)
	require.Equal(t, "via open", string(data))
}

func TestOutcomeFromError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{vfscache.ErrNotFound, "not_found"},
		{fmt.Errorf("wrapped: %w", vfscache.ErrNotFound), "not_found"},
		{vfscache.ErrNotSupported, "not_supported"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, outcomeFromError(tt.err))
	}
}
