package netfs

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/cache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// StreamingHandler is the "/vsicurl_streaming/" handler. It shares the
// client and property cache of a Handler.
type StreamingHandler struct {
	vfscache.Unimplemented

	h        *Handler
	ringSize int
}

// StreamingOption configures a StreamingHandler.
type StreamingOption func(*StreamingHandler)

// WithStreamingRingSize sets the ring capacity of each open stream.
func WithStreamingRingSize(n int) StreamingOption {
	return func(s *StreamingHandler) {
		s.ringSize = n
	}
}

// NewStreaming creates the streaming handler on top of h.
func NewStreaming(h *Handler, opts ...StreamingOption) *StreamingHandler {
	s := &StreamingHandler{h: h}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts nothing: the first Read issues the GET.
func (s *StreamingHandler) Open(ctx context.Context, p, mode string) (vfscache.Handle, error) {
	m, err := vfscache.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if !m.ReadOnly() {
		return nil, fmt.Errorf("opening %s for writing: %w", p, vfscache.ErrNotSupported)
	}
	rawURL, props, err := s.h.stat(ctx, p, StreamingPrefix)
	if err != nil {
		return nil, err
	}
	if props.IsDir {
		return nil, fmt.Errorf("%s is a directory: %w", p, vfscache.ErrBadParameter)
	}

	id := uuid.NewString()
	ctx = telemetry.WithRequestID(telemetry.WithHandler(ctx, StreamingPrefix), id)
	logger := s.h.logger.With("request_id", id, "url", rawURL)
	logger.Debug("opening stream", "size", props.Size)

	opts := []cache.StreamOption{cache.WithStreamLogger(logger)}
	if props.Size >= 0 {
		opts = append(opts, cache.WithStreamSize(props.Size))
	}
	if s.ringSize > 0 {
		opts = append(opts, cache.WithRingSize(s.ringSize))
	}
	return cache.NewStream(ctx, &httpSource{h: s.h, url: rawURL}, opts...), nil
}

// Stat describes a remote file or directory.
func (s *StreamingHandler) Stat(ctx context.Context, p string) (vfscache.FileInfo, error) {
	return s.h.statInfo(ctx, p, StreamingPrefix)
}

// ReadDir lists a directory from its HTML index page.
func (s *StreamingHandler) ReadDir(ctx context.Context, p string) ([]vfscache.FileInfo, error) {
	return s.h.readDir(ctx, p, StreamingPrefix)
}

// httpSource streams a resource from its first byte.
type httpSource struct {
	h   *Handler
	url string
}

func (src *httpSource) Stream(ctx context.Context) (io.ReadCloser, error) {
	resp, err := src.h.client.get(ctx, src.url, 0, -1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d for GET %s", resp.StatusCode, src.url)
	}
	return resp.Body, nil
}

func (src *httpSource) Size(ctx context.Context) (int64, error) {
	props, err := src.h.properties(ctx, src.url)
	if err != nil {
		return 0, err
	}
	if !props.Exists {
		return 0, vfscache.ErrNotFound
	}
	if props.Size < 0 {
		return 0, fmt.Errorf("size of %s unknown: %w", src.url, vfscache.ErrNotSupported)
	}
	return props.Size, nil
}

var _ cache.SizedSource = (*httpSource)(nil)
