//go:build !amd64 && !arm64

package paging

// classifyAt cannot decode this architecture. Unknown faults are mapped
// read-only first and upgraded if they fault again.
func classifyAt(uintptr) Op { return OpUnknown }
