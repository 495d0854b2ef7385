// Package gzipfs serves /vsigzip/: random-access reads of gzip files through
// periodic decoder snapshots, and gzip or zlib writing.
package gzipfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/cache"
)

// Prefix is the prefix the gzip handler is registered under.
const Prefix = "/vsigzip/"

// Files is the filesystem the handler reads compressed files from and writes
// sidecars to. *vfscache.Registry satisfies it.
type Files interface {
	vfscache.Opener
	vfscache.FileWriter
	Stat(ctx context.Context, path string) (vfscache.FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Handler opens gzip files. It remembers the state of the most recently
// closed reader so that reopening the same file resumes with its snapshots
// and known size instead of scanning again.
type Handler struct {
	vfscache.Unimplemented

	files    Files
	logger   *slog.Logger
	sidecar  bool
	interval int64

	mu        sync.Mutex
	lastPath  string
	lastState *state
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSidecar enables or disables writing size sidecars after a full
// decompression pass. Enabled by default.
func WithSidecar(enabled bool) Option {
	return func(h *Handler) {
		h.sidecar = enabled
	}
}

// WithSnapshotInterval fixes the compressed distance between snapshots.
func WithSnapshotInterval(n int64) Option {
	return func(h *Handler) {
		h.interval = n
	}
}

// New creates a gzip handler over files.
func New(files Files, opts ...Option) *Handler {
	h := &Handler{
		files:   files,
		logger:  slog.Default(),
		sidecar: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Path returns the /vsigzip/ path of name.
func Path(name string) string { return Prefix + name }

func underlying(p string) (string, error) {
	name, ok := strings.CutPrefix(strings.ReplaceAll(p, "\\", "/"), Prefix)
	if !ok || name == "" {
		return "", fmt.Errorf("%s is not a gzip path: %w", p, vfscache.ErrBadParameter)
	}
	return name, nil
}

// Open opens a gzip file for reading, or creates one for writing. The 'z'
// mode flag writes a zlib stream instead of gzip.
func (h *Handler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	name, err := underlying(p)
	if err != nil {
		return nil, err
	}
	switch {
	case md.Read && md.Write:
		return nil, fmt.Errorf("mode %q on %s: %w", mode, p, vfscache.ErrBadParameter)
	case md.Append:
		return nil, fmt.Errorf("appending to %s: %w", p, vfscache.ErrNotSupported)
	case md.Write:
		h.forget(name)
		return h.create(ctx, name, md)
	}

	r, err := h.openReader(ctx, name)
	if err != nil {
		return nil, err
	}
	return cache.NewBuffered(ctx, r, cache.WithBufferedName("gzip")), nil
}

func (h *Handler) openReader(ctx context.Context, name string) (*Reader, error) {
	base, err := h.files.Open(ctx, name, "rb")
	if err != nil {
		return nil, err
	}
	r, err := h.resume(ctx, base, name)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	if r == nil {
		if r, err = openReader(ctx, base, name, h.interval, h.logger); err != nil {
			_ = base.Close()
			return nil, err
		}
		if r.st.size < 0 {
			if sc, ok := h.readSidecar(ctx, name, r.st.end); ok {
				r.st.size = sc.UncompressedSize
			}
		}
	}
	h.hook(r, name)
	r.reopen = func(ctx context.Context) (vfscache.Handle, error) {
		return h.files.Open(ctx, name, "rb")
	}
	return r, nil
}

// resume returns a reader continuing from the remembered state of name, or
// nil when there is none or the file has changed size since.
func (h *Handler) resume(ctx context.Context, base vfscache.Handle, name string) (*Reader, error) {
	h.mu.Lock()
	var st *state
	if h.lastPath == name && h.lastState != nil {
		st = h.lastState.clone()
	}
	h.mu.Unlock()
	if st == nil {
		return nil, nil
	}
	size, err := vfscache.Size(base)
	if err != nil {
		return nil, err
	}
	if size != st.end {
		h.forget(name)
		return nil, nil
	}
	if err := attach(base, st); err != nil {
		return nil, err
	}
	h.logger.Debug("resuming gzip reader", "path", name, "snapshots", countSnapshots(st), "size", st.size)
	return newReader(ctx, base, st, h.logger, nil), nil
}

func countSnapshots(st *state) int {
	n := 0
	for _, s := range st.snapshots {
		if s != nil {
			n++
		}
	}
	return n
}

func (h *Handler) hook(r *Reader, name string) {
	r.onClose = func(st *state) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lastPath, h.lastState = name, st.clone()
	}
	r.onSize = func(st *state) {
		if !h.sidecar || st.transparent || st.raw || strings.HasPrefix(name, "/vsicurl/") {
			return
		}
		sc := Sidecar{CompressedSize: st.end, UncompressedSize: st.size}
		if err := h.files.WriteFile(r.ctx, name+SidecarSuffix, sc.Marshal()); err != nil {
			h.logger.Warn("writing gzip sidecar failed", "path", name, "error", err)
		}
	}
}

func (h *Handler) forget(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastPath == name {
		h.lastPath, h.lastState = "", nil
	}
}

// readSidecar returns the sidecar of name when its compressed size matches.
func (h *Handler) readSidecar(ctx context.Context, name string, compressed int64) (Sidecar, bool) {
	data, err := h.files.ReadFile(ctx, name+SidecarSuffix)
	if err != nil {
		return Sidecar{}, false
	}
	sc, err := ParseSidecar(data)
	if err != nil {
		h.logger.Warn("ignoring malformed gzip sidecar", "path", name, "error", err)
		return Sidecar{}, false
	}
	if sc.CompressedSize != compressed {
		h.logger.Debug("stale gzip sidecar", "path", name, "recorded", sc.CompressedSize, "actual", compressed)
		return Sidecar{}, false
	}
	return sc, true
}

// Stat reports the uncompressed size. It is taken from the remembered reader,
// then from a sidecar, and only then by decompressing the whole file.
func (h *Handler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	name, err := underlying(p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi, err := h.files.Stat(ctx, name)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	if fi.IsDir() {
		return fi, nil
	}

	h.mu.Lock()
	if h.lastPath == name && h.lastState != nil && h.lastState.end == fi.Size && h.lastState.size >= 0 {
		fi.Size = h.lastState.size
		h.mu.Unlock()
		return fi, nil
	}
	h.mu.Unlock()

	if sc, ok := h.readSidecar(ctx, name, fi.Size); ok {
		fi.Size = sc.UncompressedSize
		return fi, nil
	}

	r, err := h.openReader(ctx, name)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	size, err := r.Size()
	err = errors.Join(err, r.Close())
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi.Size = size
	return fi, nil
}

var _ vfscache.Handler = (*Handler)(nil)
