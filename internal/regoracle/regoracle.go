// Package regoracle defines the read-only interface the JIT emitter
// consumes to turn an IR node id into a concrete host register or stack
// slot. The register-allocation pass itself — which produces the
// Allocation this package describes — is out of scope (spec.md §1); this
// package only states the oracle's shape, mirroring how wazero's backend
// consumes backend/regalloc's output (VReg/RealReg) without ever
// re-deriving it.
package regoracle

import "github.com/FEX-Emu/FEX-sub010/internal/ir"

// Class is the register file a PhysicalRegister belongs to.
type Class uint8

const (
	ClassGPR Class = iota
	ClassFPR
	ClassGPRPair
)

// PhysicalRegister is the RA pass's concrete assignment for one value.
// (class, index) exactly as spec.md §3 defines it.
type PhysicalRegister struct {
	Class Class
	Index uint8
}

// Width is the access width a handler requests from the oracle: GPR
// helpers are templated on 8/16/32/64 bits, FPR helpers on one of several
// vector views.
type Width uint8

const (
	Width8 Width = iota
	Width16
	Width32
	Width64
	WidthVec128
	WidthVec256
)

// Location is either a PhysicalRegister or a spill-slot offset from the
// frame base; SpillSlot < 0 means "not spilled".
type Location struct {
	Reg       PhysicalRegister
	InReg     bool
	SpillSlot int32 // byte offset from the reserved spill area, valid when !InReg
}

// Allocation is the read-only oracle the JIT emitter walks IR through.
// SpillSlots is the count `compile` reserves on the host stack
// (spec.md §4.F step 3: "RA_data.spill_slots * slot_size").
type Allocation interface {
	Location(node ir.NodeID, width Width) Location
	SpillSlots() int
}

// SlotSize is the fixed per-slot size (bytes) the emitter reserves for
// spill slots; 16 covers the widest GPR-pair/vector spill on both ISAs.
const SlotSize = 16
