package netfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/cache"
	"github.com/wolfeidau/vfs-cache/store/blockstore"
	"github.com/wolfeidau/vfs-cache/store/propcache"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

// validator identifies one version of a resource. It is empty when the
// server gave nothing that would reveal a change.
func validator(props *propcache.Properties) string {
	if props.ETag != "" {
		return "etag:" + props.ETag
	}
	if props.ModTime.IsZero() || props.Size < 0 {
		return ""
	}
	return "size:" + strconv.FormatInt(props.Size, 10) + ":mtime:" + strconv.FormatInt(props.ModTime.Unix(), 10)
}

// diskHandle serves blocks from the persistent block store and fills the
// store from the network on a miss, so a block is fetched once across opens
// and restarts. It sits between the in-memory block cache and the range
// handle and uses the same block size.
type diskHandle struct {
	vfscache.ReadOnly

	ctx       context.Context
	base      vfscache.Handle
	store     *blockstore.Store
	url       string
	validator string
	size      int64
	blockSize int64
	maxLoad   int64
	logger    *slog.Logger

	pos int64
	eof bool
}

func newDiskHandle(ctx context.Context, base vfscache.Handle, store *blockstore.Store, url, validator string, size int64, logger *slog.Logger) *diskHandle {
	return &diskHandle{
		ctx:       ctx,
		base:      base,
		store:     store,
		url:       url,
		validator: validator,
		size:      size,
		blockSize: cache.DefaultBlockSize,
		maxLoad:   cache.DefaultMaxLoad,
		logger:    logger,
	}
}

func (h *diskHandle) key(index int64) string {
	return blockstore.Key(h.url, h.validator, index, int(h.blockSize))
}

func (h *diskHandle) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if h.pos >= h.size {
		h.eof = true
		return 0, io.EOF
	}
	end := min(h.pos+int64(len(p)), h.size)
	last := (end - 1) / h.blockSize

	n := 0
	for h.pos < end {
		idx := h.pos / h.blockSize
		data, err := h.block(idx, last)
		if err != nil {
			return n, err
		}
		off := h.pos - idx*h.blockSize
		if off >= int64(len(data)) {
			// The server sent less than it advertised.
			break
		}
		k := copy(p[n:n+int(end-h.pos)], data[off:])
		n += k
		h.pos += int64(k)
	}
	if n < len(p) {
		h.eof = true
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// block returns block index from disk, or fetches it together with the
// blocks after it up to last that are not on disk either.
func (h *diskHandle) block(index, last int64) ([]byte, error) {
	_, data, err := h.store.Get(h.ctx, h.key(index))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blockstore.ErrNotFound) {
		h.logger.Warn("disk block unusable, refetching", "url", h.url, "block", index, "error", err)
	}

	count := int64(1)
	for i := index + 1; i <= last && (count+1)*h.blockSize <= h.maxLoad; i++ {
		if h.store.Contains(h.key(i)) {
			break
		}
		count++
	}

	start := index * h.blockSize
	buf := make([]byte, min(count*h.blockSize, h.size-start))
	if _, err := h.base.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to block %d: %w", index, err)
	}
	got, err := io.ReadFull(h.base, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		buf = buf[:got]
	case err != nil:
		return nil, fmt.Errorf("fetching blocks %d+%d: %w", index, count, err)
	}
	telemetry.RecordCacheLoad(h.ctx, "disk", int64(got))

	for i := int64(0); i*h.blockSize < int64(got); i++ {
		chunk := buf[i*h.blockSize : min((i+1)*h.blockSize, int64(got))]
		off := start + i*h.blockSize
		// Only whole blocks, or the true final block, are worth keeping.
		if int64(len(chunk)) < h.blockSize && off+int64(len(chunk)) != h.size {
			continue
		}
		err := h.store.Put(h.ctx, blockstore.Header{
			Key:       h.key(index + i),
			URL:       h.url,
			Validator: h.validator,
			Index:     index + i,
			Offset:    off,
		}, chunk)
		if err != nil {
			h.logger.Warn("storing block on disk failed", "url", h.url, "block", index+i, "error", err)
		}
	}
	return buf[:min(h.blockSize, int64(got))], nil
}

func (h *diskHandle) Seek(offset int64, whence int) (int64, error) {
	pos, err := vfscache.SeekPosition(h.pos, h.size, offset, whence)
	if err != nil {
		return 0, err
	}
	h.pos = pos
	h.eof = false
	return pos, nil
}

func (h *diskHandle) Size() (int64, error) { return h.size, nil }

func (h *diskHandle) Tell() int64 { return h.pos }

func (h *diskHandle) EOF() bool { return h.eof }

func (h *diskHandle) Close() error { return h.base.Close() }

var (
	_ vfscache.Handle = (*diskHandle)(nil)
	_ vfscache.Sizer  = (*diskHandle)(nil)
)
