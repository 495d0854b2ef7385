//go:build linux || darwin || freebsd || netbsd || openbsd

package paging

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixMemory implements the parts of platform shared by every unix.
type unixMemory struct{}

func (unixMemory) pageSize() int { return unix.Getpagesize() }

func (unixMemory) reserve(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("reserving %d bytes: %w", size, err)
	}
	return mem, nil
}

func (unixMemory) release(mem []byte) error {
	return unix.Munmap(mem)
}

func (unixMemory) protect(mem []byte, prot protection) error {
	if err := unix.Mprotect(mem, unixProt(prot)); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

func (u unixMemory) discard(page []byte) error {
	if err := u.protect(page, protNone); err != nil {
		return err
	}
	// The page is inaccessible either way; failing to return it to the
	// kernel only costs memory.
	_ = unix.Madvise(page, unix.MADV_DONTNEED)
	return nil
}

func (unixMemory) transparent() bool { return true }

func unixProt(prot protection) int {
	switch prot {
	case protRead:
		return unix.PROT_READ
	case protReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}
