// Package fusefs exposes a virtual directory as a read-only FUSE mount.
// Files opened through the mount share one underlying handle per path.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	vfscache "github.com/wolfeidau/vfs-cache"
)

// Filesystem is the view of the registry the mount needs.
type Filesystem interface {
	Stat(ctx context.Context, path string) (vfscache.FileInfo, error)
	ReadDir(ctx context.Context, path string) ([]vfscache.FileInfo, error)
}

// Options configures the mount.
type Options struct {
	// Mountpoint is created when missing.
	Mountpoint string

	// Root is the virtual directory shown at the mountpoint, for example
	// "/vsizip//vsimem/data.zip".
	Root string

	Files  Filesystem
	Shared *vfscache.SharedFiles

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Timeout is how long the kernel caches entries and attributes.
	// Zero uses one second.
	Timeout time.Duration

	Logger *slog.Logger
}

// state is shared by every node of one mount.
type state struct {
	files  Filesystem
	shared *vfscache.SharedFiles
	logger *slog.Logger

	// Owners of a shared handle share its cursor, so reads of one path
	// are serialized.
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func (s *state) lock(p string) *pathLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[p]
	if !ok {
		l = &pathLock{}
		s.locks[p] = l
	}
	l.refs++
	return l
}

func (s *state) unlock(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[p]; ok {
		l.refs--
		if l.refs == 0 {
			delete(s.locks, p)
		}
	}
}

// Mount mounts opts.Root at opts.Mountpoint. The caller must call Unmount on
// the returned server.
func Mount(ctx context.Context, opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required: %w", vfscache.ErrBadParameter)
	}
	if opts.Files == nil || opts.Shared == nil {
		return nil, fmt.Errorf("files and shared handles are required: %w", vfscache.ErrBadParameter)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}

	root := strings.TrimSuffix(opts.Root, "/")
	fi, err := opts.Files.Stat(ctx, rootPath(root))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", opts.Root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", opts.Root, vfscache.ErrBadParameter)
	}

	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	st := &state{
		files:  opts.Files,
		shared: opts.Shared,
		logger: opts.Logger.With("root", opts.Root),
		locks:  make(map[string]*pathLock),
	}
	negative := opts.Timeout / 10
	server, err := gofuse.Mount(opts.Mountpoint, &dirNode{state: st, path: root}, &gofuse.Options{
		EntryTimeout:    &opts.Timeout,
		AttrTimeout:     &opts.Timeout,
		NegativeTimeout: &negative,
		MountOptions: fuse.MountOptions{
			FsName:     "vfscache",
			Name:       "vfscache",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting %s at %s: %w", opts.Root, opts.Mountpoint, err)
	}
	opts.Logger.Info("mount started", "root", opts.Root, "mountpoint", opts.Mountpoint)
	return server, nil
}

// rootPath keeps the trailing slash an archive root needs to stat as a
// directory.
func rootPath(p string) string {
	if p == "" {
		return "/"
	}
	return p + "/"
}

// child joins without cleaning so nested virtual paths keep their "//".
func child(dir, name string) string {
	return dir + "/" + name
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfscache.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, vfscache.ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, vfscache.ErrBadParameter):
		return syscall.EINVAL
	case errors.Is(err, vfscache.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, vfscache.ErrResourceExhausted):
		return syscall.ENOMEM
	default:
		return syscall.EIO
	}
}

func fillAttr(fi vfscache.FileInfo, out *fuse.Attr) {
	if fi.IsDir() {
		out.Mode = syscall.S_IFDIR | 0o555
	} else {
		out.Mode = syscall.S_IFREG | 0o444
		out.Size = uint64(max(fi.Size, 0))
		out.Blocks = (out.Size + 511) / 512
	}
	if !fi.ModTime.IsZero() {
		out.SetTimes(nil, &fi.ModTime, &fi.ModTime)
	}
}

// dirNode is a virtual directory.
type dirNode struct {
	gofuse.Inode
	state *state
	path  string
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o555
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := child(d.path, name)
	fi, err := d.state.files.Stat(ctx, p)
	if err != nil {
		if errno := toErrno(err); errno != syscall.ENOENT {
			d.state.logger.Warn("lookup failed", "path", p, "error", err)
			return nil, errno
		}
		return nil, syscall.ENOENT
	}
	fillAttr(fi, &out.Attr)
	if fi.IsDir() {
		return d.NewInode(ctx, &dirNode{state: d.state, path: p}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return d.NewInode(ctx, &fileNode{state: d.state, path: p, info: fi}, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.state.files.ReadDir(ctx, rootPath(d.path))
	if err != nil {
		d.state.logger.Warn("readdir failed", "path", d.path, "error", err)
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return gofuse.NewListDirStream(out), 0
}

// fileNode is a read-only virtual file.
type fileNode struct {
	gofuse.Inode
	state *state
	path  string
	info  vfscache.FileInfo
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.info, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	h, err := f.state.shared.Acquire(ctx, f.path, "rb", false)
	if err != nil {
		f.state.logger.Warn("open failed", "path", f.path, "error", err)
		return nil, 0, toErrno(err)
	}
	return &fileHandle{state: f.state, path: f.path, h: h, lock: f.state.lock(f.path)}, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return h.Read(ctx, dest, off)
}

// fileHandle is one open of a fileNode.
type fileHandle struct {
	state *state
	path  string
	h     vfscache.Handle
	lock  *pathLock
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (fh *fileHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	if _, err := fh.h.Seek(off, io.SeekStart); err != nil {
		return nil, toErrno(err)
	}
	n, err := io.ReadFull(fh.h, dest)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		fh.state.logger.Warn("read failed", "path", fh.path, "offset", off, "error", err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Release(context.Context) syscall.Errno {
	fh.state.unlock(fh.path)
	if err := fh.h.Close(); err != nil {
		fh.state.logger.Warn("release failed", "path", fh.path, "error", err)
		return toErrno(err)
	}
	return 0
}
