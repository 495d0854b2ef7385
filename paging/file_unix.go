//go:build linux || darwin || freebsd || netbsd || openbsd

package paging

import (
	"fmt"

	vfscache "github.com/wolfeidau/vfs-cache"
	"golang.org/x/sys/unix"
)

type fder interface {
	Fd() uintptr
}

// NewFileRegion maps length bytes of a local file at offset directly. The
// kernel pages the file, so no fill or evict functions run. In ReadWrite
// mode stores reach the file, which is extended if it is too short.
func NewFileRegion(h vfscache.Handle, offset, length int64, mode AccessMode) (*Region, error) {
	f, ok := h.(fder)
	if !ok {
		return nil, fmt.Errorf("handle has no file descriptor: %w", vfscache.ErrNotSupported)
	}
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("file region %d+%d: %w", offset, length, vfscache.ErrBadParameter)
	}
	size, err := vfscache.Size(h)
	if err != nil {
		return nil, err
	}
	if offset+length > size {
		if mode != ReadWrite {
			return nil, fmt.Errorf("file region ends at %d, file has %d bytes: %w", offset+length, size, vfscache.ErrBadParameter)
		}
		if err := h.Truncate(offset + length); err != nil {
			return nil, fmt.Errorf("extending file to %d: %w", offset+length, err)
		}
	}

	ps := int64(unix.Getpagesize())
	delta := offset % ps
	prot := unix.PROT_READ
	if mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	mapping, err := unix.Mmap(int(f.Fd()), offset-delta, int(length+delta), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping file: %w", err)
	}
	mem := mapping[delta : delta+length : delta+length]
	return &Region{
		cfg:         RegionConfig{Size: length, Mode: mode},
		reservation: mapping,
		full:        mem,
		mem:         mem,
		pageSize:    int(ps),
		npages:      int((length + ps - 1) / ps),
		file:        true,
	}, nil
}

// Msync flushes stores to a file region's file.
func (r *Region) Msync() error {
	if !r.file {
		return fmt.Errorf("msync on a paged region: %w", vfscache.ErrNotSupported)
	}
	if r.isClosed() {
		return vfscache.ErrClosed
	}
	if err := unix.Msync(r.reservation, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func (r *Region) closeFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return vfscache.ErrClosed
	}
	r.closed = true
	return unix.Munmap(r.reservation)
}
