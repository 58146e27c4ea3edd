// Package arm64 is backend H: concrete lowering of IR opcodes to
// fixed-width AArch64 machine code. Its encoding helpers build each
// 32-bit instruction word from its field layout directly, the way the
// teacher's backend/isa/arm64/instr_encoding.go constructs AArch64 words
// from named bitfields rather than driving an external assembler.
package arm64

import "github.com/FEX-Emu/FEX-sub010/internal/regoracle"

// xreg is a 64-bit general-purpose register encoding, 0-30, with 31
// meaning the zero register or SP depending on instruction class.
type xreg uint8

const (
	x0 xreg = iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	fp  // x29, frame pointer
	lr  // x30, link register
	xzr // 31 in most contexts, sp in load/store base position
)

// framePtrReg is pinned to the CpuStateFrame pointer for the duration of
// any JIT run (spec.md §3), the arm64 analogue of amd64's r15.
const framePtrReg = x28

// scratchReg is free for intra-op use; never assigned to guest values by
// the RA oracle.
const scratchReg = x16

func gpReg(pr regoracle.PhysicalRegister) xreg {
	return xreg(pr.Index & 0x1f)
}

// vreg is an Advanced SIMD/SVE vector register encoding, 0-31.
type vreg uint8

func vecReg(pr regoracle.PhysicalRegister) vreg {
	return vreg(pr.Index & 0x1f)
}
