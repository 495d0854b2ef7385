package paging

import "unsafe"

func classifyAt(pc uintptr) Op {
	if pc == 0 || pc%4 != 0 {
		return OpUnknown
	}
	return classifyARM64(*(*uint32)(unsafe.Add(unsafe.Pointer(nil), pc)))
}
