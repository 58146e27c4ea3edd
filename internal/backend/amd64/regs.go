// Package amd64 is backend G: concrete lowering of IR opcodes to x86-64
// machine code. Its encoding helpers follow the REX/ModRM construction
// style of the teacher's backend/isa/amd64/instr_encoding.go (instruction
// kinds switch on a small opcode enum, opcodes pick /r forms and build the
// REX byte from a `w/r/x/b` tuple) rather than driving an external
// assembler.
package amd64

import "github.com/FEX-Emu/FEX-sub010/internal/regoracle"

// reg is the numeric x86-64 register encoding, 0-15, RAX..R15 in hardware
// order (same order frame.CpuStateFrame.GPRegs uses).
type reg uint8

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

// framePtrReg is the callee-saved register pinned to the CpuStateFrame
// pointer for the duration of any JIT run (spec.md §3), chosen the way
// wazero's amd64 backend reserves a register for its module-context
// pointer.
const framePtrReg = r15

// scratchReg is a general scratch register free for intra-op use by the
// backend's own sequences (never assigned to guest values by the RA
// oracle).
const scratchReg = rax

func gpReg(pr regoracle.PhysicalRegister) reg {
	return reg(pr.Index & 0xf)
}

// rexBit reports the high bit (8-15) that must fold into REX.R/X/B.
func (r reg) rexBit() byte {
	if r >= r8 {
		return 1
	}
	return 0
}

// low3 is the 3-bit field ModRM/REX use for register selection.
func (r reg) low3() byte { return byte(r) & 0x7 }
