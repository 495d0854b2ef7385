package paging

import "unsafe"

// maxInstructionLen is the longest x86-64 instruction.
const maxInstructionLen = 15

func classifyAt(pc uintptr) Op {
	if pc == 0 {
		return OpUnknown
	}
	// pc is the faulting instruction in mapped program text, which the
	// garbage collector never moves or frees.
	return classifyAMD64(unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(nil), pc)), maxInstructionLen))
}
