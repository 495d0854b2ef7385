// Package archive serves members of zip and tar archives as handles, with
// archive paths nested and chained through the registry.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
)

// Source opens the container of an archive for reading.
type Source func(ctx context.Context) (vfscache.Handle, error)

// Format knows how to list and open the members of one kind of archive.
type Format interface {
	Name() string

	// Extensions are the lower-case suffixes that mark an archive boundary in
	// a path.
	Extensions() []string

	// SourcePath maps an archive path to the path its container is read
	// from.
	SourcePath(archivePath string) string

	// Scan lists the members of the archive read through h.
	Scan(ctx context.Context, h vfscache.Handle) ([]Entry, error)

	// OpenEntry returns a read handle over the content of e.
	OpenEntry(ctx context.Context, src Source, e Entry) (vfscache.Handle, error)
}

// Files is the filesystem archives are read from. *vfscache.Registry
// satisfies it.
type Files interface {
	vfscache.Opener
	Stat(ctx context.Context, path string) (vfscache.FileInfo, error)
}

// Handler serves the members of archives of one format under a prefix.
// Listings come from a memoized Index and are never rescanned while the
// container is unchanged.
type Handler struct {
	vfscache.Unimplemented

	prefix string
	format Format
	files  Files
	index  *Index
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithIndex shares an index between handlers.
func WithIndex(ix *Index) Option {
	return func(h *Handler) {
		h.index = ix
	}
}

// NewHandler creates a handler for format registered under prefix.
func NewHandler(prefix string, format Format, files Files, opts ...Option) *Handler {
	h := &Handler{
		prefix: prefix,
		format: format,
		files:  files,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.index == nil {
		h.index = NewIndex()
	}
	return h
}

// Index returns the listing cache of the handler.
func (h *Handler) Index() *Index { return h.index }

func (h *Handler) trim(p string) (string, error) {
	rest, ok := strings.CutPrefix(strings.ReplaceAll(p, "\\", "/"), h.prefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%s is not a %s path: %w", p, h.format.Name(), vfscache.ErrBadParameter)
	}
	return rest, nil
}

// split resolves p to an existing archive and a member name.
func (h *Handler) split(ctx context.Context, p string) (string, string, error) {
	rest, err := h.trim(p)
	if err != nil {
		return "", "", err
	}
	return Split(rest, h.format.Extensions(), func(candidate string) bool {
		if h.index.Has(candidate) {
			return true
		}
		fi, err := h.files.Stat(ctx, candidate)
		return err == nil && !fi.IsDir()
	})
}

func (h *Handler) source(archivePath string) Source {
	src := h.format.SourcePath(archivePath)
	return func(ctx context.Context) (vfscache.Handle, error) {
		return h.files.Open(ctx, src, "rb")
	}
}

// content returns the memoized listing of archivePath and the container's
// file info.
func (h *Handler) content(ctx context.Context, archivePath string) (*Content, vfscache.FileInfo, error) {
	fi, err := h.files.Stat(ctx, archivePath)
	if err != nil {
		return nil, fi, err
	}
	if fi.IsDir() {
		return nil, fi, fmt.Errorf("%s is a directory: %w", archivePath, vfscache.ErrNotFound)
	}
	c, err := h.index.Get(ctx, archivePath, Stamp{Size: fi.Size, ModTime: fi.ModTime}, func(ctx context.Context) ([]Entry, error) {
		h.logger.Debug("scanning archive", "format", h.format.Name(), "path", archivePath)
		src, err := h.source(archivePath)(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = src.Close() }()
		return h.format.Scan(ctx, src)
	})
	return c, fi, err
}

// member finds the entry to open for name, picking the only top-level entry
// when name is empty.
func (h *Handler) member(archivePath string, c *Content, name string) (Entry, error) {
	if name == "" {
		top := c.TopLevel()
		switch len(top) {
		case 0:
			return Entry{}, fmt.Errorf("%s is empty: %w", archivePath, vfscache.ErrNotFound)
		case 1:
			name = top[0].Name
		default:
			names := make([]string, len(top))
			for i, e := range top {
				names[i] = e.Name
			}
			return Entry{}, &vfscache.AmbiguousMemberError{Archive: archivePath, Members: names}
		}
	}
	e, ok := c.Lookup(name)
	if !ok {
		return Entry{}, fmt.Errorf("%s in %s: %w", name, archivePath, vfscache.ErrNotFound)
	}
	if e.IsDir {
		return Entry{}, fmt.Errorf("%s in %s is a directory: %w", name, archivePath, vfscache.ErrBadParameter)
	}
	return e, nil
}

// Open opens an archive member for reading.
func (h *Handler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if !md.ReadOnly() {
		return nil, fmt.Errorf("mode %q on %s archive: %w", mode, h.format.Name(), vfscache.ErrNotSupported)
	}
	archivePath, name, err := h.split(ctx, p)
	if err != nil {
		return nil, err
	}
	return h.openMember(ctx, archivePath, name)
}

func (h *Handler) openMember(ctx context.Context, archivePath, name string) (vfscache.Handle, error) {
	c, _, err := h.content(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	e, err := h.member(archivePath, c, name)
	if err != nil {
		return nil, err
	}
	if e.Encrypted {
		return nil, fmt.Errorf("encrypted member %s: %w", e.Name, vfscache.ErrNotSupported)
	}
	if e.Size == 0 {
		return emptyHandle(), nil
	}
	return h.format.OpenEntry(ctx, h.source(archivePath), e)
}

// Stat describes a member, or the archive itself as a directory.
func (h *Handler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	archivePath, name, err := h.split(ctx, p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	c, fi, err := h.content(ctx, archivePath)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	if name == "" {
		return vfscache.FileInfo{
			Name:    path.Base(archivePath),
			ModTime: fi.ModTime,
			Mode:    fs.ModeDir | 0o555,
		}, nil
	}
	e, ok := c.Lookup(name)
	if !ok {
		return vfscache.FileInfo{}, fmt.Errorf("%s in %s: %w", name, archivePath, vfscache.ErrNotFound)
	}
	return fileInfo(e), nil
}

// ReadDir lists a directory inside an archive from the memoized listing.
func (h *Handler) ReadDir(ctx context.Context, p string) ([]vfscache.FileInfo, error) {
	archivePath, name, err := h.split(ctx, p)
	if err != nil {
		return nil, err
	}
	c, _, err := h.content(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	if name != "" {
		e, ok := c.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%s in %s: %w", name, archivePath, vfscache.ErrNotFound)
		}
		if !e.IsDir {
			return nil, fmt.Errorf("%s in %s is not a directory: %w", name, archivePath, vfscache.ErrBadParameter)
		}
	}
	children := c.Children(name)
	out := make([]vfscache.FileInfo, len(children))
	for i, e := range children {
		out[i] = fileInfo(e)
	}
	return out, nil
}

func emptyHandle() vfscache.Handle { return backend.NewBytesHandle(nil) }

func fileInfo(e Entry) vfscache.FileInfo {
	fi := vfscache.FileInfo{
		Name:    path.Base(e.Name),
		Size:    e.Size,
		ModTime: e.ModTime,
		Mode:    0o444,
	}
	if e.IsDir {
		fi.Size = 0
		fi.Mode = fs.ModeDir | 0o555
	}
	return fi
}

var _ vfscache.Handler = (*Handler)(nil)
