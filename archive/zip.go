package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/backend"
	"github.com/wolfeidau/vfs-cache/cache"
	"github.com/wolfeidau/vfs-cache/decompress"
	"github.com/wolfeidau/vfs-cache/gzipfs"
)

// ZipPrefix is the prefix the zip handler is registered under.
const ZipPrefix = "/vsizip/"

// Zip reads zip archives. Stored members are plain sub-ranges of the
// container, deflated members go through the random-access gzip reader in raw
// mode and zstd members through a forward-only decoder.
type Zip struct {
	Logger *slog.Logger
}

func (Zip) Name() string { return "zip" }

func (Zip) Extensions() []string {
	return []string{".zip", ".kmz", ".dwf", ".ods", ".xlsx", ".xlsm"}
}

func (Zip) SourcePath(archivePath string) string { return archivePath }

// Scan reads the central directory.
func (Zip) Scan(ctx context.Context, h vfscache.Handle) ([]Entry, error) {
	size, err := vfscache.Size(h)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(vfscache.NewReaderAt(h), size)
	if err != nil {
		return nil, fmt.Errorf("reading zip directory: %v: %w", err, vfscache.ErrIntegrity)
	}
	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "./")
		e := Entry{
			Name:           name,
			Size:           int64(f.UncompressedSize64),
			ModTime:        f.Modified,
			IsDir:          strings.HasSuffix(name, "/") || f.Mode().IsDir(),
			CompressedSize: int64(f.CompressedSize64),
			Method:         f.Method,
			CRC32:          f.CRC32,
			Encrypted:      f.Flags&0x1 != 0,
		}
		if !e.IsDir {
			if e.Offset, err = f.DataOffset(); err != nil {
				return nil, fmt.Errorf("locating %s: %v: %w", f.Name, err, vfscache.ErrIntegrity)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// OpenEntry opens a zip member.
func (z Zip) OpenEntry(ctx context.Context, src Source, e Entry) (vfscache.Handle, error) {
	switch e.Method {
	case zip.Store:
		base, err := src(ctx)
		if err != nil {
			return nil, err
		}
		return backend.NewSubfileHandle(base, e.Offset, e.Size), nil
	case zip.Deflate:
		base, err := src(ctx)
		if err != nil {
			return nil, err
		}
		r, err := gzipfs.NewRawReader(ctx, base, gzipfs.RawConfig{
			Offset:           e.Offset,
			CompressedSize:   e.CompressedSize,
			UncompressedSize: e.Size,
			CRC32:            e.CRC32,
			HasCRC:           true,
			Reopen:           src,
			Logger:           z.Logger,
		})
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		return cache.NewBuffered(ctx, r, cache.WithBufferedName("zip")), nil
	case zstd.ZipMethodWinZip:
		return decompress.NewHandle(ctx, decompress.Config{
			Open: func(ctx context.Context) (vfscache.Handle, error) {
				base, err := src(ctx)
				if err != nil {
					return nil, err
				}
				return backend.NewSubfileHandle(base, e.Offset, e.CompressedSize), nil
			},
			Decoder: zstd.ZipDecompressor(),
			Size:    e.Size,
			CRC32:   e.CRC32,
			HasCRC:  true,
		}), nil
	}
	return nil, fmt.Errorf("zip method %d of %s: %w", e.Method, e.Name, vfscache.ErrNotSupported)
}

// NewZip creates a read-write zip handler over files.
func NewZip(files WritableFiles, opts ...Option) *ZipHandler {
	h := NewHandler(ZipPrefix, Zip{}, files, opts...)
	h.format = Zip{Logger: h.logger}
	return &ZipHandler{
		Handler: h,
		files:   files,
		now:     time.Now,
		writers: make(map[string]*zipWriter),
	}
}
