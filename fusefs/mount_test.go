package fusefs

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
)

type fixture struct {
	reg    *vfscache.Registry
	mem    *backend.Memory
	shared *vfscache.SharedFiles
	state  *state
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reg: vfscache.NewRegistry(), mem: backend.NewMemory()}
	f.reg.Register(backend.MemoryPrefix, f.mem)
	f.shared = vfscache.NewSharedFiles(f.reg)
	f.state = &state{files: f.reg, shared: f.shared, logger: slog.Default(), locks: make(map[string]*pathLock)}
	f.mem.SetBytes("/vsimem/data/a.txt", []byte("alpha"))
	f.mem.SetBytes("/vsimem/data/sub/b.txt", []byte("bravo"))
	t.Cleanup(func() {
		_ = f.shared.Close()
		_ = f.reg.Close()
	})
	return f
}

func names(t *testing.T, ds gofuse.DirStream) map[string]uint32 {
	t.Helper()
	out := make(map[string]uint32)
	for ds.HasNext() {
		e, errno := ds.Next()
		require.Zero(t, errno)
		out[e.Name] = e.Mode
	}
	ds.Close()
	return out
}

func TestDirNode_Readdir(t *testing.T) {
	f := newFixture(t)
	d := &dirNode{state: f.state, path: "/vsimem/data"}

	ds, errno := d.Readdir(context.Background())
	require.Zero(t, errno)
	require.Equal(t, map[string]uint32{
		"a.txt": syscall.S_IFREG,
		"sub":   syscall.S_IFDIR,
	}, names(t, ds))

	missing := &dirNode{state: f.state, path: "/vsimem/nope"}
	_, errno = missing.Readdir(context.Background())
	require.Equal(t, syscall.ENOENT, errno)
}

func TestFileNode_OpenReadRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fi, err := f.reg.Stat(ctx, "/vsimem/data/a.txt")
	require.NoError(t, err)
	n := &fileNode{state: f.state, path: "/vsimem/data/a.txt", info: fi}

	var attr fuse.AttrOut
	require.Zero(t, n.Getattr(ctx, nil, &attr))
	require.EqualValues(t, 5, attr.Size)
	require.EqualValues(t, syscall.S_IFREG|0o444, attr.Mode)

	_, _, errno := n.Open(ctx, syscall.O_RDWR)
	require.Equal(t, syscall.EROFS, errno)

	fh1, flags, errno := n.Open(ctx, syscall.O_RDONLY)
	require.Zero(t, errno)
	require.EqualValues(t, fuse.FOPEN_KEEP_CACHE, flags)
	fh2, _, errno := n.Open(ctx, syscall.O_RDONLY)
	require.Zero(t, errno)
	require.Equal(t, 2, f.shared.Refs("/vsimem/data/a.txt", "rb", false))

	buf := make([]byte, 3)
	res, errno := n.Read(ctx, fh1, buf, 2)
	require.Zero(t, errno)
	data, _ := res.Bytes(nil)
	require.Equal(t, "pha", string(data))

	// Reading past the end is a short read, not an error.
	buf = make([]byte, 10)
	res, errno = n.Read(ctx, fh2, buf, 3)
	require.Zero(t, errno)
	data, _ = res.Bytes(nil)
	require.Equal(t, "ha", string(data))

	require.Zero(t, fh1.(*fileHandle).Release(ctx))
	require.Zero(t, fh2.(*fileHandle).Release(ctx))
	require.Equal(t, 0, f.shared.Len())
	require.Empty(t, f.state.locks)
}

func TestFileHandle_ConcurrentReadsKeepOffsets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	content := make([]byte, 1<<16)
	for i := range content {
		content[i] = byte(i % 251)
	}
	f.mem.SetBytes("/vsimem/big.bin", content)
	fi, err := f.reg.Stat(ctx, "/vsimem/big.bin")
	require.NoError(t, err)
	n := &fileNode{state: f.state, path: "/vsimem/big.bin", info: fi}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fh, _, errno := n.Open(ctx, syscall.O_RDONLY)
			assert.Zero(t, errno)
			defer fh.(*fileHandle).Release(ctx)
			for i := range 32 {
				off := int64((w*32 + i) * 256 % len(content))
				buf := make([]byte, 256)
				res, errno := n.Read(ctx, fh, buf, off)
				if !assert.Zero(t, errno) {
					return
				}
				data, _ := res.Bytes(nil)
				assert.Equal(t, content[off:off+256], data)
			}
		}()
	}
	wg.Wait()
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{vfscache.ErrNotFound, syscall.ENOENT},
		{&vfscache.PathError{Op: "stat", Path: "x", Err: fs.ErrNotExist}, syscall.ENOENT},
		{vfscache.ErrNotSupported, syscall.ENOTSUP},
		{vfscache.ErrBadParameter, syscall.EINVAL},
		{vfscache.ErrClosed, syscall.EBADF},
		{vfscache.ErrResourceExhausted, syscall.ENOMEM},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toErrno(tt.err), "%v", tt.err)
	}
}

func TestMount_Validates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := Mount(ctx, Options{Files: f.reg, Shared: f.shared})
	require.ErrorIs(t, err, vfscache.ErrBadParameter)

	_, err = Mount(ctx, Options{Mountpoint: t.TempDir(), Files: f.reg, Shared: f.shared, Root: "/vsimem/data/a.txt"})
	require.ErrorIs(t, err, vfscache.ErrBadParameter)

	_, err = Mount(ctx, Options{Mountpoint: t.TempDir(), Files: f.reg, Shared: f.shared, Root: "/vsimem/missing"})
	require.ErrorIs(t, err, vfscache.ErrNotFound)
}

func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
	if _, err := exec.LookPath("fusermount3"); err != nil {
		if _, err := exec.LookPath("fusermount"); err != nil {
			t.Skip("skipping: fusermount not installed")
		}
	}
}

func TestMount_ReadsThroughKernel(t *testing.T) {
	fuseAvailable(t)
	f := newFixture(t)
	mountpoint := filepath.Join(t.TempDir(), "mnt")

	server, err := Mount(context.Background(), Options{
		Mountpoint: mountpoint,
		Root:       "/vsimem/data",
		Files:      f.reg,
		Shared:     f.shared,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Unmount() })

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	data, err := os.ReadFile(filepath.Join(mountpoint, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bravo", string(data))

	err = os.WriteFile(filepath.Join(mountpoint, "a.txt"), []byte("x"), 0o644)
	require.Error(t, err)
}
