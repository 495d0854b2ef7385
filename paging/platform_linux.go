//go:build linux && (amd64 || arm64)

package paging

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

const defaultMaxMapCount = 65530

// linuxMemory fills pages in a private mapping and moves it over the target
// with mremap, so other goroutines never observe a partly filled page.
type linuxMemory struct {
	unixMemory
}

func newPlatform() platform { return linuxMemory{} }

func (linuxMemory) scratch(size int) ([]byte, error) {
	// The mapping is moved by install, so it is created with MmapPtr rather
	// than unix.Mmap, which tracks its mappings for Munmap.
	addr, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping scratch page: %w", err)
	}
	return unsafe.Slice((*byte)(addr), size), nil
}

func (linuxMemory) dropScratch(buf []byte) {
	_, _, _ = unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
}

func (l linuxMemory) install(target, scratch []byte, prot protection) error {
	if err := l.protect(scratch, prot); err != nil {
		l.dropScratch(scratch)
		return err
	}
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP,
		uintptr(unsafe.Pointer(&scratch[0])), uintptr(len(scratch)), uintptr(len(target)),
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, uintptr(unsafe.Pointer(&target[0])), 0)
	if errno != 0 {
		l.dropScratch(scratch)
		return fmt.Errorf("mremap: %w", errno)
	}
	return nil
}

func (linuxMemory) atomic() bool { return true }

// mappingBudget keeps a tenth of vm.max_map_count spare for the rest of
// the process.
func (linuxMemory) mappingBudget() int {
	limit := defaultMaxMapCount
	if b, err := os.ReadFile("/proc/sys/vm/max_map_count"); err == nil {
		if n, err := strconv.Atoi(string(bytes.TrimSpace(b))); err == nil && n > 0 {
			limit = n
		}
	}
	return max(limit*9/10-currentMappings(), 0)
}

func currentMappings() int {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}
