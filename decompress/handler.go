package decompress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	vfscache "github.com/wolfeidau/vfs-cache"
)

const (
	// ZstdPrefix is the prefix of the zstd handler.
	ZstdPrefix = "/vsizstd/"
	// LZ4Prefix is the prefix of the lz4 frame handler.
	LZ4Prefix = "/vsilz4/"
)

// Codec pairs a decoder with the matching encoder.
type Codec struct {
	Name    string
	Decoder Decoder
	Encoder func(w io.Writer) (io.WriteCloser, error)
}

// Zstd is the zstd codec.
var Zstd = Codec{
	Name:    "zstd",
	Decoder: zstd.ZipDecompressor(),
	Encoder: func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	},
}

// LZ4 is the lz4 frame codec.
var LZ4 = Codec{
	Name: "lz4",
	Decoder: func(r io.Reader) io.ReadCloser {
		return io.NopCloser(lz4.NewReader(r))
	},
	Encoder: func(w io.Writer) (io.WriteCloser, error) {
		return lz4.NewWriter(w), nil
	},
}

// Files is what the handler needs from the filesystem holding the
// compressed files.
type Files interface {
	vfscache.Opener
	Stat(ctx context.Context, path string) (vfscache.FileInfo, error)
}

// Handler serves compressed files under a prefix, decompressing on read and
// compressing on write.
type Handler struct {
	vfscache.Unimplemented

	prefix string
	codec  Codec
	files  Files
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

// New creates a handler for codec registered under prefix.
func New(prefix string, codec Codec, files Files, opts ...Option) *Handler {
	h := &Handler{
		prefix: prefix,
		codec:  codec,
		files:  files,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) underlying(p string) (string, error) {
	name, ok := strings.CutPrefix(strings.ReplaceAll(p, "\\", "/"), h.prefix)
	if !ok || name == "" {
		return "", fmt.Errorf("%s is not a %s path: %w", p, h.codec.Name, vfscache.ErrBadParameter)
	}
	return name, nil
}

// Open opens a compressed file for sequential reading or writing.
func (h *Handler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	md, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	name, err := h.underlying(p)
	if err != nil {
		return nil, err
	}
	switch {
	case md.Read && md.Write, md.Append:
		return nil, fmt.Errorf("mode %q on %s stream: %w", mode, h.codec.Name, vfscache.ErrNotSupported)
	case md.Write:
		base, err := h.files.Open(ctx, name, "wb")
		if err != nil {
			return nil, err
		}
		w, err := h.codec.Encoder(base)
		if err != nil {
			_ = base.Close()
			return nil, fmt.Errorf("creating %s encoder: %w", h.codec.Name, err)
		}
		return &writeHandle{base: base, w: w}, nil
	}

	// Open once up front so a missing file fails here rather than on first read.
	base, err := h.files.Open(ctx, name, "rb")
	if err != nil {
		return nil, err
	}
	if err := base.Close(); err != nil {
		return nil, err
	}
	h.logger.Debug("opening compressed stream", "codec", h.codec.Name, "path", name)
	return NewHandle(ctx, Config{
		Open: func(ctx context.Context) (vfscache.Handle, error) {
			return h.files.Open(ctx, name, "rb")
		},
		Decoder: h.codec.Decoder,
		Size:    -1,
	}), nil
}

// Stat reports the decompressed size, which takes a full decoding pass.
func (h *Handler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	name, err := h.underlying(p)
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	fi, err := h.files.Stat(ctx, name)
	if err != nil || fi.IsDir() {
		return fi, err
	}
	r, err := h.Open(ctx, p, "rb")
	if err != nil {
		return vfscache.FileInfo{}, err
	}
	size, err := vfscache.Size(r)
	if err = errors.Join(err, r.Close()); err != nil {
		return vfscache.FileInfo{}, err
	}
	fi.Size = size
	return fi, nil
}

// writeHandle compresses sequential writes into a base handle.
type writeHandle struct {
	vfscache.ReadOnly
	base vfscache.Handle
	w    io.WriteCloser
	pos  int64
}

func (w *writeHandle) Read([]byte) (int, error) { return 0, vfscache.ErrNotSupported }

func (w *writeHandle) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *writeHandle) Seek(offset int64, whence int) (int64, error) {
	pos, err := vfscache.SeekPosition(w.pos, w.pos, offset, whence)
	if err != nil {
		return 0, err
	}
	if pos != w.pos {
		return 0, fmt.Errorf("seeking compressed output: %w", vfscache.ErrNotSupported)
	}
	return pos, nil
}

func (w *writeHandle) Tell() int64 { return w.pos }

func (w *writeHandle) EOF() bool { return false }

func (w *writeHandle) Flush() error {
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (w *writeHandle) Close() error {
	return errors.Join(w.w.Close(), w.base.Close())
}

var (
	_ vfscache.Handler = (*Handler)(nil)
	_ vfscache.Handle  = (*writeHandle)(nil)
)
