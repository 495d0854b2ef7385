package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
	"github.com/wolfeidau/vfs-cache/gzipfs"
)

// TarPrefix is the prefix the tar handler is registered under.
const TarPrefix = "/vsitar/"

// Tar reads tar archives, gzip compressed ones through the random-access gzip
// handler so member reads seek through decoder snapshots.
type Tar struct{}

func (Tar) Name() string { return "tar" }

func (Tar) Extensions() []string { return []string{".tar", ".tgz", ".tar.gz"} }

// SourcePath reads compressed archives through /vsigzip/.
func (Tar) SourcePath(archivePath string) string {
	lower := strings.ToLower(archivePath)
	if strings.HasSuffix(lower, ".tgz") || strings.HasSuffix(lower, ".tar.gz") {
		return gzipfs.Path(archivePath)
	}
	return archivePath
}

// Scan walks the headers. The handle is passed to the tar reader directly so
// member data is skipped by seeking, and the handle position after each
// header is the offset of that member's data.
func (Tar) Scan(_ context.Context, h vfscache.Handle) ([]Entry, error) {
	tr := tar.NewReader(h)
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar header: %v: %w", err, vfscache.ErrIntegrity)
		}
		e := Entry{
			Name:    strings.TrimPrefix(strings.ReplaceAll(hdr.Name, "\\", "/"), "./"),
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
			Offset:  h.Tell(),
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			e.IsDir, e.Size = true, 0
		case tar.TypeReg, '\x00':
		default:
			continue
		}
		entries = append(entries, e)
	}
}

// OpenEntry exposes a member as a sub-range of the container.
func (Tar) OpenEntry(ctx context.Context, src Source, e Entry) (vfscache.Handle, error) {
	base, err := src(ctx)
	if err != nil {
		return nil, err
	}
	return backend.NewSubfileHandle(base, e.Offset, e.Size), nil
}

// NewTar creates a read-only tar handler over files.
func NewTar(files Files, opts ...Option) *Handler {
	return NewHandler(TarPrefix, Tar{}, files, opts...)
}
