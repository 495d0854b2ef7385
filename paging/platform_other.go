//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package paging

import "os"

// heapMemory backs regions with ordinary memory. Nothing faults, so only
// the explicit access path is available.
type heapMemory struct{}

func newPlatform() platform { return heapMemory{} }

func (heapMemory) pageSize() int { return os.Getpagesize() }

func (heapMemory) reserve(size int) ([]byte, error) { return make([]byte, size), nil }

func (heapMemory) release([]byte) error { return nil }

func (heapMemory) protect([]byte, protection) error { return nil }

func (heapMemory) scratch(size int) ([]byte, error) { return make([]byte, size), nil }

func (heapMemory) dropScratch([]byte) {}

func (heapMemory) install(target, scratch []byte, _ protection) error {
	copy(target, scratch)
	return nil
}

func (heapMemory) atomic() bool { return false }

func (heapMemory) discard(page []byte) error {
	clear(page)
	return nil
}

func (heapMemory) transparent() bool { return false }

func (heapMemory) mappingBudget() int { return 1 << 30 }
