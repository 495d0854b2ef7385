package paging

// classifyAMD64 decodes the access class of the x86-64 instruction at the
// start of code. Instructions that both read and write memory count as
// stores; string moves, which may fault on either operand, are unknown.
func classifyAMD64(code []byte) Op {
	i := 0
prefixes:
	for i < len(code) {
		switch code[i] {
		case 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0x66, 0x67:
			i++
		default:
			break prefixes
		}
	}
	if i < len(code) && code[i]&0xF0 == 0x40 {
		i++ // REX
	}
	if i >= len(code) {
		return OpUnknown
	}
	at := func(j int) (byte, bool) {
		if i+j >= len(code) {
			return 0, false
		}
		return code[i+j], true
	}

	switch op := code[i]; op {
	case 0xC5: // two byte VEX, always the 0F map
		if b, ok := at(2); ok {
			return classifyVEX(b)
		}
		return OpUnknown
	case 0xC4: // three byte VEX
		m, ok1 := at(1)
		b, ok2 := at(3)
		if ok1 && ok2 && m&0x1F == 1 {
			return classifyVEX(b)
		}
		return OpUnknown
	case 0x62: // EVEX
		m, ok1 := at(1)
		b, ok2 := at(4)
		if ok1 && ok2 && m&0x03 == 1 {
			return classifyVEX(b)
		}
		return OpUnknown
	case 0x0F:
		if b, ok := at(1); ok {
			return classifyTwoByte(b)
		}
		return OpUnknown
	case 0x80, 0x81, 0x83:
		if modrm, ok := at(1); ok {
			if (modrm>>3)&7 == 7 { // CMP
				return OpLoad
			}
			return OpStore
		}
		return OpUnknown
	case 0xF6, 0xF7:
		if modrm, ok := at(1); ok {
			if reg := (modrm >> 3) & 7; reg == 2 || reg == 3 { // NOT, NEG
				return OpStore
			}
			return OpLoad
		}
		return OpUnknown
	case 0xFE, 0xFF:
		if modrm, ok := at(1); ok {
			if reg := (modrm >> 3) & 7; reg <= 1 { // INC, DEC
				return OpStore
			}
			return OpLoad
		}
		return OpUnknown
	case 0x00, 0x01, 0x08, 0x09, 0x10, 0x11, 0x18, 0x19,
		0x20, 0x21, 0x28, 0x29, 0x30, 0x31,
		0x86, 0x87, 0x88, 0x89, 0xC6, 0xC7, 0xAA, 0xAB,
		0xD0, 0xD1, 0xD2, 0xD3, 0xC0, 0xC1:
		return OpStore
	case 0x02, 0x03, 0x0A, 0x0B, 0x12, 0x13, 0x1A, 0x1B,
		0x22, 0x23, 0x2A, 0x2B, 0x32, 0x33, 0x38, 0x39, 0x3A, 0x3B,
		0x63, 0x84, 0x85, 0x8A, 0x8B, 0xA6, 0xA7, 0xAC, 0xAD, 0xAE, 0xAF:
		return OpLoad
	default:
		return OpUnknown
	}
}

func classifyTwoByte(op byte) Op {
	switch op {
	case 0x11, 0x13, 0x17, 0x29, 0x2B, 0x7F, 0xD6, 0xE7, 0xC3,
		0xB0, 0xB1, 0xC0, 0xC1:
		return OpStore
	case 0x10, 0x12, 0x16, 0x28, 0x6E, 0x6F, 0xB6, 0xB7, 0xBE, 0xBF,
		0x18, 0xAF, 0x2E, 0x2F:
		return OpLoad
	}
	if op >= 0x40 && op <= 0x4F { // CMOVcc
		return OpLoad
	}
	return OpUnknown
}

func classifyVEX(op byte) Op {
	switch op {
	case 0x11, 0x13, 0x17, 0x29, 0x2B, 0x7F, 0xE7, 0xD6:
		return OpStore
	case 0x10, 0x12, 0x16, 0x28, 0x6F, 0x6E, 0x74, 0x75, 0x76, 0xD7, 0xDA, 0xDE, 0xEB, 0xEF:
		return OpLoad
	default:
		return OpUnknown
	}
}

// classifyARM64 decodes the access class of one AArch64 instruction.
func classifyARM64(ins uint32) Op {
	// Loads and stores have op0 = x1x0 in bits 28:25.
	if ins&(1<<27) == 0 || ins&(1<<25) != 0 {
		return OpUnknown
	}
	load := ins&(1<<22) != 0
	switch (ins >> 27) & 7 {
	case 0b001: // exclusive and ordered
		if (ins>>24)&7 != 0 {
			return OpUnknown
		}
		if load {
			return OpLoad
		}
		return OpStore
	case 0b011: // literal
		return OpLoad
	case 0b101: // pairs
		if load {
			return OpLoad
		}
		return OpStore
	case 0b111: // single register
		if (ins>>24)&3 == 0 && ins&(1<<21) != 0 && (ins>>10)&3 == 0 {
			return OpStore // atomic read-modify-write
		}
		opc := (ins >> 22) & 3
		if ins&(1<<26) != 0 { // SIMD and floating point
			if opc&1 == 0 {
				return OpStore
			}
			return OpLoad
		}
		if opc == 0 {
			return OpStore
		}
		return OpLoad
	default:
		return OpUnknown
	}
}
