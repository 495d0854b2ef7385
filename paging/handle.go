package paging

import (
	"errors"
	"fmt"
	"io"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// NewHandleRegion creates a region on the process-wide manager that pages
// length bytes of h starting at offset.
func NewHandleRegion(h vfscache.Handle, offset, length int64, cfg RegionConfig) (*Region, error) {
	return Default().NewHandleRegion(h, offset, length, cfg)
}

// NewHandleRegion pages length bytes of h starting at offset. A length of
// zero or less maps to the end of the handle. Pages are filled with
// positioned reads, and in ReadWrite mode written back with positioned
// writes. cfg.Size, cfg.Fill and cfg.Evict are set from the handle. The
// caller must not use h while the region is open, and closes it after.
func (m *Manager) NewHandleRegion(h vfscache.Handle, offset, length int64, cfg RegionConfig) (*Region, error) {
	if offset < 0 {
		return nil, fmt.Errorf("region offset %d: %w", offset, vfscache.ErrBadParameter)
	}
	if length <= 0 {
		size, err := vfscache.Size(h)
		if err != nil {
			return nil, fmt.Errorf("sizing handle: %w", err)
		}
		length = size - offset
	}

	cfg.Size = length
	cfg.Fill = func(off int64, page []byte) error {
		err := vfscache.ReadAtFull(h, page, offset+off)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return err
	}
	cfg.Evict = nil
	if cfg.Mode == ReadWrite {
		cfg.Evict = func(off int64, page []byte) error {
			if _, err := h.Seek(offset+off, io.SeekStart); err != nil {
				return err
			}
			_, err := h.Write(page)
			return err
		}
	}
	return m.NewRegion(cfg)
}
