package netfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// rangeHandle reads a remote resource with one Range request per Read. It
// sits under a block cache, which turns small reads into block-sized ones.
type rangeHandle struct {
	vfscache.ReadOnly

	ctx    context.Context
	client *client
	url    string
	logger *slog.Logger

	// size is -1 when the server did not report it.
	size   int64
	etag   string
	ranges bool

	pos    int64
	eof    bool
	closed bool
}

func (h *rangeHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.size >= 0 && h.pos >= h.size {
		h.eof = true
		return 0, io.EOF
	}
	end := h.pos + int64(len(p)) - 1
	if h.size >= 0 {
		end = min(end, h.size-1)
	}

	resp, err := h.client.get(h.ctx, h.url, h.pos, end)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if etag := resp.Header.Get("ETag"); h.etag != "" && etag != "" && etag != h.etag {
		return 0, fmt.Errorf("%s changed while open (etag %s, was %s): %w", h.url, etag, h.etag, vfscache.ErrIntegrity)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range and sent the whole resource.
		if h.ranges || h.pos > 0 {
			h.logger.Warn("server ignored range request", "url", h.url, "offset", h.pos)
		}
		h.ranges = false
		if _, err := io.CopyN(io.Discard, resp.Body, h.pos); err != nil {
			if errors.Is(err, io.EOF) {
				h.eof = true
				return 0, io.EOF
			}
			return 0, fmt.Errorf("skipping to %d: %w", h.pos, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		h.eof = true
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("upstream returned %d for range %d-%d of %s", resp.StatusCode, h.pos, end, h.url)
	}

	n, err := io.ReadFull(resp.Body, p[:end-h.pos+1])
	h.pos += int64(n)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		h.eof = true
		if n == 0 {
			return 0, io.EOF
		}
	case err != nil:
		return n, fmt.Errorf("reading %s: %w", h.url, err)
	}
	return n, nil
}

func (h *rangeHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, vfscache.ErrClosed
	}
	if whence == io.SeekEnd && h.size < 0 {
		return 0, fmt.Errorf("size of %s unknown: %w", h.url, vfscache.ErrNotSupported)
	}
	pos, err := vfscache.SeekPosition(h.pos, h.size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos = pos
	h.eof = false
	return pos, nil
}

func (h *rangeHandle) Size() (int64, error) {
	if h.size < 0 {
		return 0, fmt.Errorf("size of %s unknown: %w", h.url, vfscache.ErrNotSupported)
	}
	return h.size, nil
}

func (h *rangeHandle) Tell() int64 { return h.pos }

func (h *rangeHandle) EOF() bool { return h.eof }

func (h *rangeHandle) Close() error {
	h.closed = true
	return nil
}

var (
	_ vfscache.Handle = (*rangeHandle)(nil)
	_ vfscache.Sizer  = (*rangeHandle)(nil)
)
