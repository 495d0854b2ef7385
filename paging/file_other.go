//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package paging

import (
	"fmt"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// NewFileRegion is not available without mmap.
func NewFileRegion(vfscache.Handle, int64, int64, AccessMode) (*Region, error) {
	return nil, fmt.Errorf("file mapping: %w", vfscache.ErrNotSupported)
}

// Msync is not available without mmap.
func (r *Region) Msync() error {
	return fmt.Errorf("msync: %w", vfscache.ErrNotSupported)
}

func (r *Region) closeFile() error { return vfscache.ErrNotSupported }
