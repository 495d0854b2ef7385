package paging

type protection int

const (
	protNone protection = iota
	protRead
	protReadWrite
)

// platform is the memory capability layer a Manager runs on.
type platform interface {
	// pageSize is the system page size.
	pageSize() int

	// reserve returns size bytes of address space with no access rights.
	reserve(size int) ([]byte, error)
	release(mem []byte) error
	protect(mem []byte, prot protection) error

	// scratch returns a writable page to fill before install.
	scratch(size int) ([]byte, error)
	dropScratch(buf []byte)

	// install makes target hold the bytes of scratch with prot. scratch is
	// consumed. When atomic reports false the caller must stop every other
	// accessor of the region for the duration of the call.
	install(target, scratch []byte, prot protection) error
	atomic() bool

	// discard drops a page's content and access rights.
	discard(page []byte) error

	// transparent reports whether faults on reserved memory can be trapped.
	transparent() bool

	// mappingBudget is how many more mappings the process may create.
	mappingBudget() int
}
