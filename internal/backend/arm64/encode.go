package arm64

import (
	"encoding/binary"

	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
)

// emitWord appends one little-endian 32-bit instruction.
func emitWord(em irdispatch.Emitter, w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	em.EmitBytes(b[:])
}

// movz/movk load a 16-bit chunk at bit position hw*16 into Xd, the
// standard 4-instruction sequence for a 64-bit immediate (no AArch64
// encoding holds a full 64-bit literal inline).
func movz(rd xreg, imm16 uint16, hw uint8) uint32 {
	return 0xD2800000 | (uint32(hw) << 21) | (uint32(imm16) << 5) | uint32(rd)
}

func movk(rd xreg, imm16 uint16, hw uint8) uint32 {
	return 0xF2800000 | (uint32(hw) << 21) | (uint32(imm16) << 5) | uint32(rd)
}

func emitMovImm64(em irdispatch.Emitter, rd xreg, v uint64) {
	emitWord(em, movz(rd, uint16(v), 0))
	if v>>16 != 0 {
		emitWord(em, movk(rd, uint16(v>>16), 1))
	}
	if v>>32 != 0 {
		emitWord(em, movk(rd, uint16(v>>32), 2))
	}
	if v>>48 != 0 {
		emitWord(em, movk(rd, uint16(v>>48), 3))
	}
}

// movReg is the MOV Xd, Xm pseudo-instruction (ORR Xd, XZR, Xm).
func movReg(rd, rm xreg) uint32 {
	return 0xAA0003E0 | (uint32(rm) << 16) | uint32(rd)
}

// addSubShifted encodes ADD/SUB (shifted register), 64-bit, no shift.
func addSubShifted(sub bool, rd, rn, rm xreg) uint32 {
	op := uint32(0)
	if sub {
		op = 1
	}
	return 0x8B000000 | (op << 30) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
}

// logicalShifted encodes AND(0)/ORR(1)/EOR(2) (shifted register), 64-bit.
func logicalShifted(opc uint32, rd, rn, rm xreg) uint32 {
	return 0x8A000000 | (opc << 29) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
}

// subsZero encodes CMP Xn, Xm (alias for SUBS XZR, Xn, Xm).
func subsZero(rn, rm xreg) uint32 {
	return 0xEB00001F | (uint32(rm) << 16) | (uint32(rn) << 5)
}

// ldrImm/strImm encode LDR/STR Xt, [Xn, #imm] with imm a multiple of 8,
// 0..32760 (unsigned 12-bit scaled immediate, 64-bit variant).
func ldrImm(rt, rn xreg, imm uint16) uint32 {
	return 0xF9400000 | (uint32(imm/8) << 10) | (uint32(rn) << 5) | uint32(rt)
}

func strImm(rt, rn xreg, imm uint16) uint32 {
	return 0xF9000000 | (uint32(imm/8) << 10) | (uint32(rn) << 5) | uint32(rt)
}

// ldaxr/stlxr/ldar/stlr are the exclusive/ordered load-store forms used
// for CAS and Acquire/Release ops (spec.md §4.H).
func ldaxr(rt, rn xreg) uint32 { return 0xC85FFC00 | (uint32(rn) << 5) | uint32(rt) }
func stlxr(rs, rt, rn xreg) uint32 {
	return 0xC800FC00 | (uint32(rs) << 16) | (uint32(rn) << 5) | uint32(rt)
}
func ldar(rt, rn xreg) uint32 { return 0xC8DFFC00 | (uint32(rn) << 5) | uint32(rt) }
func stlr(rt, rn xreg) uint32 { return 0xC89FFC00 | (uint32(rn) << 5) | uint32(rt) }

// cbnz encodes CBNZ Xt, #imm19words (word-granular signed branch offset).
func cbnz(rt xreg, imm19 int32) uint32 {
	return 0xB5000000 | ((uint32(imm19) & 0x7ffff) << 5) | uint32(rt)
}

// bCond encodes B.cond #imm19words.
func bCond(cond uint8, imm19 int32) uint32 {
	return 0x54000000 | ((uint32(imm19) & 0x7ffff) << 5) | uint32(cond&0xf)
}

// b/bl encode unconditional branch / branch-with-link, #imm26words.
func b(imm26 int32) uint32  { return 0x14000000 | (uint32(imm26) & 0x3ffffff) }
func bl(imm26 int32) uint32 { return 0x94000000 | (uint32(imm26) & 0x3ffffff) }

// blr/br/ret are register-indirect branch forms.
func blr(rn xreg) uint32 { return 0xD63F0000 | (uint32(rn) << 5) }
func br(rn xreg) uint32  { return 0xD61F0000 | (uint32(rn) << 5) }
func ret(rn xreg) uint32 { return 0xD65F0000 | (uint32(rn) << 5) }

// subImmSP adjusts the stack pointer down by a 12-bit unsigned immediate
// (no shift), the prologue spill-reservation form.
func subImmSP(imm12 uint16) uint32 {
	return 0xD1000000 | (uint32(imm12&0xfff) << 10) | (uint32(xzr) << 5) | uint32(xzr)
}

// vecAddSub encodes Advanced SIMD three-same ADD/SUB over a 128-bit (Q=1)
// vector, lane width selected by size (0=B,1=H,2=S,3=D).
func vecAddSub(sub bool, size uint8, rd, rn, rm vreg) uint32 {
	u := uint32(0)
	if sub {
		u = 1
	}
	return 0x4E208400 | (u << 29) | (uint32(size) << 22) | (uint32(rm) << 16) | (uint32(rn) << 5) | uint32(rd)
}

// vmov is the MOV Vd.16B,Vn.16B pseudo-instruction (ORR Vd.16B,Vn.16B,Vn.16B),
// a whole-register 128-bit vector move.
func vmov(rd, rn vreg) uint32 {
	return 0x4EA01C00 | (uint32(rn) << 16) | (uint32(rn) << 5) | uint32(rd)
}

func sizeForElementSize(elemSize uint8) (uint8, bool) {
	switch elemSize {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	case 8:
		return 3, true
	default:
		return 0, false
	}
}
