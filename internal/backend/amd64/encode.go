package amd64

import (
	"encoding/binary"

	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
)

// rexPrefix builds the REX byte (0x40 base) for a 64-bit operation
// touching the given dst/src/index registers. w selects the 64-bit operand
// size; REX is omitted entirely when w is false and neither register needs
// an extension bit, matching real encoders' "don't emit REX unless
// required" behaviour.
func rexPrefix(w bool, r, x, b reg) (byte, bool) {
	var rexByte byte = 0x40
	needed := w
	if w {
		rexByte |= 0x08
	}
	if r.rexBit() == 1 {
		rexByte |= 0x04
		needed = true
	}
	if x.rexBit() == 1 {
		rexByte |= 0x02
		needed = true
	}
	if b.rexBit() == 1 {
		rexByte |= 0x01
		needed = true
	}
	return rexByte, needed
}

func emitREX(em irdispatch.Emitter, w bool, r, x, b reg) {
	if rex, needed := rexPrefix(w, r, x, b); needed {
		em.EmitBytes([]byte{rex})
	}
}

// modRMReg encodes the register-direct (mod=11) ModRM byte for
// `op reg, rm` instruction forms.
func modRMReg(regField, rm reg) byte {
	return 0xC0 | (regField.low3() << 3) | rm.low3()
}

// modRMMemDisp32 encodes `[base+disp32]` addressing (mod=10), avoiding the
// SIB-required encodings for RSP/R12 bases — this backend never assigns
// those as a memory base, a restriction documented here rather than
// handled generically, matching the scope of the op set SPEC_FULL.md
// lists.
func modRMMemDisp32(regField, base reg) byte {
	return 0x80 | (regField.low3() << 3) | base.low3()
}

func emitImm32(em irdispatch.Emitter, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	em.EmitBytes(b[:])
}

func emitImm64(em irdispatch.Emitter, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	em.EmitBytes(b[:])
}
