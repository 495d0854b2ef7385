package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	vfscache "github.com/wolfeidau/vfs-cache"
)

// WritableFiles is the filesystem zip archives are written to.
// *vfscache.Registry satisfies it.
type WritableFiles interface {
	Files
	Rename(ctx context.Context, oldPath, newPath string) error
	Unlink(ctx context.Context, path string) error
}

// ZipHandler reads zip archives and writes new ones.
//
// Opening the archive path itself for writing starts an archive that stays
// open until that handle is closed, and members opened for writing are added
// to it. Opening a member for writing with no archive open starts one that is
// finished when the member is closed, appending to the archive if it already
// exists. Only one member per archive may be open for writing, and an
// archive cannot be read while it is being written.
type ZipHandler struct {
	*Handler

	files WritableFiles
	now   func() time.Time

	mu      sync.Mutex
	writers map[string]*zipWriter
}

type zipWriter struct {
	archive string
	target  string
	out     vfscache.Handle
	zw      *zip.Writer

	// finishWithChild is set when the archive was started implicitly by a
	// member open.
	finishWithChild bool
	child           *memberWriter
}

func (z *ZipHandler) writing(archivePath string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.writers[archivePath]
	return ok
}

func (z *ZipHandler) busy(archivePath string) error {
	if z.writing(archivePath) {
		return fmt.Errorf("%s is being written: %w", archivePath, vfscache.ErrConcurrency)
	}
	return nil
}

// Open opens a member for reading, or an archive or member for writing.
func (z *ZipHandler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if md.ReadOnly() {
		archivePath, name, err := z.split(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := z.busy(archivePath); err != nil {
			return nil, err
		}
		return z.openMember(ctx, archivePath, name)
	}
	if md.Read {
		return nil, fmt.Errorf("mode %q on zip archive: %w", mode, vfscache.ErrNotSupported)
	}
	rest, err := z.trim(p)
	if err != nil {
		return nil, err
	}
	archivePath, name, err := Split(rest, z.format.Extensions(), nil)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(rest, "/") && name != "" {
		name += "/"
	}
	return z.create(ctx, archivePath, name, md.Append)
}

func (z *ZipHandler) create(ctx context.Context, archivePath, name string, appendArchive bool) (vfscache.Handle, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	w, ok := z.writers[archivePath]
	if name == "" {
		if ok {
			return nil, fmt.Errorf("%s is already being written: %w", archivePath, vfscache.ErrConcurrency)
		}
		w, err := z.startLocked(ctx, archivePath, appendArchive)
		if err != nil {
			return nil, err
		}
		return &archiveWriter{z: z, w: w}, nil
	}

	if !ok {
		var err error
		if w, err = z.startLocked(ctx, archivePath, true); err != nil {
			return nil, err
		}
		w.finishWithChild = true
	} else if w.child != nil {
		return nil, fmt.Errorf("%s is still being written in %s: %w", w.child.name, archivePath, vfscache.ErrConcurrency)
	}

	fh := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: z.now()}
	if strings.HasSuffix(name, "/") {
		fh.Method = zip.Store
	}
	dst, err := w.zw.CreateHeader(fh)
	if err != nil {
		if w.finishWithChild {
			_ = z.finishLocked(ctx, w)
		}
		return nil, fmt.Errorf("adding %s to %s: %w", name, archivePath, err)
	}
	w.child = &memberWriter{z: z, w: w, name: name, dst: dst}
	return w.child, nil
}

// startLocked begins writing archivePath. When appending to an existing
// archive, its members are copied into a temporary file that replaces the
// archive once writing finishes.
func (z *ZipHandler) startLocked(ctx context.Context, archivePath string, appendArchive bool) (*zipWriter, error) {
	z.index.Invalidate(archivePath)
	w := &zipWriter{archive: archivePath, target: archivePath}

	var existing *zip.Reader
	if appendArchive {
		if fi, err := z.files.Stat(ctx, archivePath); err == nil && !fi.IsDir() && fi.Size > 0 {
			src, err := z.files.Open(ctx, archivePath, "rb")
			if err != nil {
				return nil, err
			}
			defer func() { _ = src.Close() }()
			if existing, err = zip.NewReader(vfscache.NewReaderAt(src), fi.Size); err != nil {
				return nil, fmt.Errorf("reading %s for append: %v: %w", archivePath, err, vfscache.ErrIntegrity)
			}
			w.target = archivePath + ".tmp-" + uuid.NewString()
		}
	}

	out, err := z.files.Open(ctx, w.target, "wb")
	if err != nil {
		return nil, err
	}
	w.out = out
	w.zw = zip.NewWriter(out)
	if existing != nil {
		for _, f := range existing.File {
			if err := w.zw.Copy(f); err != nil {
				_ = out.Close()
				_ = z.files.Unlink(ctx, w.target)
				return nil, fmt.Errorf("copying %s into %s: %w", f.Name, w.target, err)
			}
		}
		z.logger.Debug("appending to zip archive", "path", archivePath, "members", len(existing.File))
	}
	z.writers[archivePath] = w
	return w, nil
}

// finishLocked writes the central directory and moves a rewritten archive into
// place.
func (z *ZipHandler) finishLocked(ctx context.Context, w *zipWriter) error {
	delete(z.writers, w.archive)
	defer z.index.Invalidate(w.archive)
	if w.child != nil {
		w.child.closed = true
		w.child = nil
	}
	if err := errors.Join(w.zw.Close(), w.out.Close()); err != nil {
		if w.target != w.archive {
			_ = z.files.Unlink(ctx, w.target)
		}
		return fmt.Errorf("finishing %s: %w", w.archive, err)
	}
	if w.target != w.archive {
		if err := z.files.Rename(ctx, w.target, w.archive); err != nil {
			return fmt.Errorf("replacing %s: %w", w.archive, err)
		}
	}
	return nil
}

// Stat fails while the archive is being written.
func (z *ZipHandler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	archivePath, _, err := z.split(ctx, p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	if err := z.busy(archivePath); err != nil {
		return vfscache.FileInfo{}, err
	}
	return z.Handler.Stat(ctx, p)
}

// ReadDir fails while the archive is being written.
func (z *ZipHandler) ReadDir(ctx context.Context, p string) ([]vfscache.FileInfo, error) {
	archivePath, _, err := z.split(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := z.busy(archivePath); err != nil {
		return nil, err
	}
	return z.Handler.ReadDir(ctx, p)
}

// Mkdir adds a directory entry to an archive.
func (z *ZipHandler) Mkdir(ctx context.Context, p string, _ fs.FileMode) error {
	h, err := z.Open(ctx, strings.TrimSuffix(p, "/")+"/", "wb")
	if err != nil {
		return err
	}
	return h.Close()
}

// archiveWriter is the handle of an explicitly opened archive. Closing it
// finishes the archive.
type archiveWriter struct {
	vfscache.ReadOnly
	z      *ZipHandler
	w      *zipWriter
	closed bool
}

func (a *archiveWriter) Read([]byte) (int, error) { return 0, vfscache.ErrNotSupported }

func (a *archiveWriter) Seek(int64, int) (int64, error) { return 0, vfscache.ErrNotSupported }

func (a *archiveWriter) Tell() int64 { return 0 }

func (a *archiveWriter) EOF() bool { return false }

func (a *archiveWriter) Close() error {
	if a.closed {
		return vfscache.ErrClosed
	}
	a.closed = true
	a.z.mu.Lock()
	defer a.z.mu.Unlock()
	return a.z.finishLocked(context.Background(), a.w)
}

// memberWriter writes the content of one archive member.
type memberWriter struct {
	vfscache.ReadOnly
	z      *ZipHandler
	w      *zipWriter
	name   string
	dst    io.Writer
	pos    int64
	closed bool
}

func (m *memberWriter) Read([]byte) (int, error) { return 0, vfscache.ErrNotSupported }

func (m *memberWriter) Write(p []byte) (int, error) {
	if m.closed {
		return 0, vfscache.ErrClosed
	}
	n, err := m.dst.Write(p)
	m.pos += int64(n)
	return n, err
}

func (m *memberWriter) Seek(offset int64, whence int) (int64, error) {
	pos, err := vfscache.SeekPosition(m.pos, m.pos, offset, whence)
	if err != nil {
		return 0, err
	}
	if pos != m.pos {
		return 0, fmt.Errorf("seeking in zip member %s: %w", m.name, vfscache.ErrNotSupported)
	}
	return pos, nil
}

func (m *memberWriter) Tell() int64 { return m.pos }

func (m *memberWriter) EOF() bool { return false }

func (m *memberWriter) Flush() error { return nil }

// Close ends the member. The member data is completed when the next member
// starts or the archive is finished.
func (m *memberWriter) Close() error {
	m.z.mu.Lock()
	defer m.z.mu.Unlock()
	if m.closed {
		return vfscache.ErrClosed
	}
	m.closed = true
	m.w.child = nil
	if m.w.finishWithChild {
		return m.z.finishLocked(context.Background(), m.w)
	}
	return nil
}

var (
	_ vfscache.Handler = (*ZipHandler)(nil)
	_ vfscache.Handle  = (*archiveWriter)(nil)
	_ vfscache.Handle  = (*memberWriter)(nil)
)
