package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
)

func TestLocalWriteRead(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "data.txt")

	w, err := l.Open(ctx, name, "wb")
	require.NoError(t, err)
	n, err := w.Write([]byte("hello, world!"))
	require.NoError(t, err)
	require.Equal(t, 13, n)
	require.EqualValues(t, 13, w.Tell())
	require.NoError(t, w.Close())

	r, err := l.Open(ctx, name, "rb")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello, world!", string(got))
	require.True(t, r.EOF())

	size, err := vfscache.Size(r)
	require.NoError(t, err)
	require.EqualValues(t, 13, size)
}

func TestLocalOpenNotFound(t *testing.T) {
	_, err := NewLocal().Open(context.Background(), filepath.Join(t.TempDir(), "missing"), "rb")
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func TestLocalOpenDirectory(t *testing.T) {
	_, err := NewLocal().Open(context.Background(), t.TempDir(), "rb")
	require.ErrorIs(t, err, vfscache.ErrBadParameter)
}

func TestLocalReadOnlyRejectsWrite(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ro.txt")
	require.NoError(t, os.WriteFile(name, []byte("abc"), 0o644))

	h, err := NewLocal().Open(context.Background(), name, "rb")
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	_, err = h.Write([]byte("x"))
	require.ErrorIs(t, err, vfscache.ErrNotSupported)
	require.ErrorIs(t, h.Truncate(0), vfscache.ErrNotSupported)
}

func TestLocalAppend(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(name, []byte("one\n"), 0o644))

	h, err := l.Open(ctx, name, "a")
	require.NoError(t, err)
	_, err = h.Write([]byte("two\n"))
	require.NoError(t, err)
	require.EqualValues(t, 8, h.Tell())
	require.NoError(t, h.Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(data))
}

func TestLocalSeekAndTruncate(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "rw.bin")
	require.NoError(t, os.WriteFile(name, []byte("0123456789"), 0o644))

	h, err := l.Open(ctx, name, "r+b")
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	pos, err := h.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	require.EqualValues(t, 7, pos)

	buf := make([]byte, 3)
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)
	require.Equal(t, "789", string(buf))

	_, err = h.Seek(-1, io.SeekStart)
	require.ErrorIs(t, err, vfscache.ErrBadParameter)

	require.NoError(t, h.Truncate(4))
	size, err := vfscache.Size(h)
	require.NoError(t, err)
	require.EqualValues(t, 4, size)
}

func TestLocalStatAndReadDir(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, l.Mkdir(ctx, filepath.Join(dir, "sub"), 0o755))

	fi, err := l.Stat(ctx, filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.EqualValues(t, 3, fi.Size)
	require.False(t, fi.IsDir())

	entries, err := l.ReadDir(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := []string{entries[0].Name, entries[1].Name}
	require.ElementsMatch(t, []string{"a.txt", "sub"}, names)

	_, err = l.Stat(ctx, filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func TestLocalUnlinkRmdirRename(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	sub := filepath.Join(dir, "d")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(sub, 0o755))

	require.ErrorIs(t, l.Unlink(ctx, sub), vfscache.ErrBadParameter)
	require.ErrorIs(t, l.Rmdir(ctx, file), vfscache.ErrBadParameter)

	moved := filepath.Join(dir, "g")
	require.NoError(t, l.Rename(ctx, file, moved))
	require.NoError(t, l.Unlink(ctx, moved))
	require.NoError(t, l.Rmdir(ctx, sub))
	require.ErrorIs(t, l.Unlink(ctx, moved), vfscache.ErrNotFound)
}

func TestLocalWriteFileAtomic(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "nested", "side.properties")

	require.NoError(t, l.WriteFile(ctx, name, []byte("compressed_size=1\n")))
	require.NoError(t, l.WriteFile(ctx, name, []byte("compressed_size=2\n")))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Equal(t, "compressed_size=2\n", string(data))

	// No temporary files left behind.
	entries, err := os.ReadDir(filepath.Dir(name))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
