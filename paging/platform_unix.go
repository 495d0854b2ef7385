//go:build darwin || freebsd || netbsd || openbsd || (linux && !amd64 && !arm64)

package paging

const defaultMappingLimit = 65536

// copyMemory fills pages in a heap buffer and copies them into place while
// the region's accessors are stopped.
type copyMemory struct {
	unixMemory
}

func newPlatform() platform { return copyMemory{} }

func (copyMemory) scratch(size int) ([]byte, error) { return make([]byte, size), nil }

func (copyMemory) dropScratch([]byte) {}

func (c copyMemory) install(target, scratch []byte, prot protection) error {
	if err := c.protect(target, protReadWrite); err != nil {
		return err
	}
	copy(target, scratch)
	if prot == protReadWrite {
		return nil
	}
	return c.protect(target, prot)
}

func (copyMemory) atomic() bool { return false }

func (copyMemory) mappingBudget() int { return defaultMappingLimit * 9 / 10 }
