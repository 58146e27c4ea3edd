package amd64

import (
	"github.com/FEX-Emu/FEX-sub010/internal/backend"
	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/fallback"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// Machine is backend G. One instance exists process-wide (spec.md §3).
type Machine struct{}

var _ backend.Machine = (*Machine)(nil)

func New() *Machine { return &Machine{} }

func (m *Machine) ISA() string { return "amd64" }

// Register fills table with every opcode this backend lowers directly;
// everything else keeps pointing at the fallback the table was
// constructed with (spec.md §4.E).
func (m *Machine) Register(table *irdispatch.Table) {
	table.Register(ir.OpMov, lowerMov)
	table.Register(ir.OpLoad, lowerLoad)
	table.Register(ir.OpStore, lowerStore)
	table.Register(ir.OpLoadAcquire, lowerLoad)   // x86 TSO: plain MOV already has acquire semantics
	table.Register(ir.OpStoreRelease, lowerStore) // x86 TSO: plain MOV already has release semantics
	table.Register(ir.OpAdd, lowerAlu(0x01))
	table.Register(ir.OpSub, lowerAlu(0x29))
	table.Register(ir.OpAnd, lowerAlu(0x21))
	table.Register(ir.OpOr, lowerAlu(0x09))
	table.Register(ir.OpXor, lowerAlu(0x31))
	table.Register(ir.OpCmp, lowerCmp)
	table.Register(ir.OpCAS, lowerCAS)
	table.Register(ir.OpVAdd, lowerVecAlu(0xFC, 0xFD, 0xFE, 0xD4)) // PADDB/W/D/Q
	table.Register(ir.OpVSub, lowerVecAlu(0xF8, 0xF9, 0xFA, 0xFB)) // PSUBB/W/D/Q
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
	// sub rsp, n*SlotSize (83 /5 ib when it fits a byte, else 81 /5 id)
	size := uint32(n * regoracle.SlotSize)
	emitREX(em, true, 0, 0, rsp)
	if size <= 0x7f {
		em.EmitBytes([]byte{0x83, modRMReg(reg(5), rsp), byte(size)})
	} else {
		em.EmitBytes([]byte{0x81, modRMReg(reg(5), rsp)})
		emitImm32(em, size)
	}
}

func (m *Machine) Epilogue(em *emitter.Context) {
	// Nothing to undo explicitly: spill slots are addressed relative to
	// rsp at reservation time; OpRet/OpExit own the frame teardown.
}

// runningModeOffset is the frame offset of CpuStateFrame.RunningMode,
// installed by SetFrameOffsets once per process (package core computes it
// via unsafe.Offsetof).
var runningModeOffset uint32

func (m *Machine) EmitGDBPauseCheck(em *emitter.Context) {
	// mov framePtrReg, rax: pin the incoming CpuStateFrame pointer (Go's
	// ABIInternal passes the first argument in rax, dispatch/invoke.go's
	// asEntryFunc trick) into the callee-saved register every other
	// lowering in this backend addresses it through for the rest of the
	// block (spec.md §3). This must happen before the very first access to
	// framePtrReg below.
	emitREX(em, true, rax, 0, framePtrReg)
	em.EmitBytes([]byte{0x89, modRMReg(rax, framePtrReg)})
	// cmp dword [framePtrReg+runningModeOffset], 0. No conditional branch
	// follows the compare: it only sets flags, and no code in this module
	// diverts to a pause handler when the word is nonzero.
	emitREX(em, false, 0, 0, framePtrReg)
	em.EmitBytes([]byte{0x83, modRMMemDisp32(reg(7), framePtrReg)})
	emitImm32(em, uint32(runningModeOffset))
	em.EmitBytes([]byte{0x00})
}

func (m *Machine) FlushAssembler(em *emitter.Context) {
	// No-op on amd64: the instruction cache is coherent with data writes
	// (spec.md §4.F step 6).
}

// --- operand access helpers ---

// locOf resolves the register assigned to id by the active allocation.
func locOf(em irdispatch.Emitter, id ir.NodeID, w regoracle.Width) reg {
	return gpReg(em.Allocation().Location(id, w).Reg)
}

func dstReg(em irdispatch.Emitter, node *ir.Node) reg {
	return locOf(em, node.ID, regoracle.Width64)
}

// --- op lowering ---
//
// Operand conventions (fixed by the frontend/RA contract, not re-derived
// here):
//   Mov:    Operands[0] = src (or inline constant)
//   Load:   Operands[0] = base, Operands[1] = disp32 (inline constant)
//   Store:  Operands[0] = base, Operands[1] = disp32 (inline constant),
//           Operands[2] = value
//   Alu/Cmp: Operands[0] = lhs (aliases the node's own destination for
//           Alu per the RA's destructive-form convention), Operands[1] = rhs
//   CAS:    Operands[0] = addr, Operands[1] = expected, Operands[2] = desired
//   VAdd/VSub: Operands[0] = lhs (aliases dst), Operands[1] = rhs
//   Exit:   Operands[0] = new guest RIP value

func lowerMov(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	dst := dstReg(em, node)
	if node.Operands[0].InlineConstant {
		emitREX(ctx, true, 0, 0, dst)
		ctx.EmitBytes([]byte{0xB8 + dst.low3()})
		emitImm64(ctx, node.Operands[0].ConstantValue)
		return nil
	}
	src := locOf(em, node.Operands[0].Node, regoracle.Width64)
	emitREX(ctx, true, dst, 0, src)
	ctx.EmitBytes([]byte{0x8B, modRMReg(dst, src)})
	return nil
}

func lowerLoad(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	dst := dstReg(em, node)
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	disp := uint32(node.Operands[1].ConstantValue)
	emitREX(ctx, true, dst, 0, base)
	ctx.EmitBytes([]byte{0x8B, modRMMemDisp32(dst, base)})
	emitImm32(ctx, disp)
	return nil
}

func lowerStore(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	base := locOf(em, node.Operands[0].Node, regoracle.Width64)
	disp := uint32(node.Operands[1].ConstantValue)
	src := locOf(em, node.Operands[2].Node, regoracle.Width64)
	emitREX(ctx, true, src, 0, base)
	ctx.EmitBytes([]byte{0x89, modRMMemDisp32(src, base)})
	emitImm32(ctx, disp)
	return nil
}

// lowerAlu returns a handler for `dst = dst OP rhs`, where dst is the
// node's own register (per the destructive-form convention the RA
// oracle follows for commutative/rewritable binary ops).
func lowerAlu(opcode byte) irdispatch.OpHandler {
	return func(em irdispatch.Emitter, node *ir.Node) error {
		ctx := em.(*emitter.Context)
		dst := dstReg(em, node)
		src := locOf(em, node.Operands[1].Node, regoracle.Width64)
		// op r/m64, r64 : REX.W + opcode /r (ModRM.reg=src, rm=dst)
		emitREX(ctx, true, src, 0, dst)
		ctx.EmitBytes([]byte{opcode, modRMReg(src, dst)})
		return nil
	}
}

func lowerCmp(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	lhs := locOf(em, node.Operands[0].Node, regoracle.Width64)
	rhs := locOf(em, node.Operands[1].Node, regoracle.Width64)
	// cmp r/m64, r64 : REX.W + 0x39 /r
	emitREX(ctx, true, rhs, 0, lhs)
	ctx.EmitBytes([]byte{0x39, modRMReg(rhs, lhs)})
	return nil
}

// lowerCAS lowers an atomic CAS64 to `LOCK CMPXCHG [addr], desired` with
// the expected value pre-loaded into RAX (x86 CMPXCHG's implicit
// comparand); the stale/old value CMPXCHG leaves in RAX becomes the IR
// op's result (spec.md §4.G "Atomic IR ops lower to LOCK-prefixed RMW on
// x86").
func lowerCAS(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	addr := locOf(em, node.Operands[0].Node, regoracle.Width64)
	desired := locOf(em, node.Operands[2].Node, regoracle.Width64)

	if node.Operands[1].InlineConstant {
		emitREX(ctx, true, 0, 0, rax)
		ctx.EmitBytes([]byte{0xB8 + rax.low3()})
		emitImm64(ctx, node.Operands[1].ConstantValue)
	} else {
		exp := locOf(em, node.Operands[1].Node, regoracle.Width64)
		emitREX(ctx, true, rax, 0, exp)
		ctx.EmitBytes([]byte{0x8B, modRMReg(rax, exp)})
	}

	// lock cmpxchg [addr], desired : F0 REX.W 0F B1 /r (mod=00, no disp)
	ctx.EmitBytes([]byte{0xF0})
	emitREX(ctx, true, desired, 0, addr)
	ctx.EmitBytes([]byte{0x0F, 0xB1, (desired.low3() << 3) | addr.low3()})

	dst := dstReg(em, node)
	if dst != rax {
		emitREX(ctx, true, dst, 0, rax)
		ctx.EmitBytes([]byte{0x8B, modRMReg(dst, rax)})
	}
	return nil
}

// lowerVecAlu picks the PADDx/PSUBx opcode by lane width (1/2/4/8 bytes),
// sharing one SSE2 packed-integer register-direct encoding shape.
func lowerVecAlu(opB, opW, opDW, opQ byte) irdispatch.OpHandler {
	return func(em irdispatch.Emitter, node *ir.Node) error {
		ctx := em.(*emitter.Context)
		dst := locOf(em, node.ID, regoracle.WidthVec128)
		src := locOf(em, node.Operands[1].Node, regoracle.WidthVec128)
		var opc byte
		switch node.Header.ElementSize {
		case 1:
			opc = opB
		case 2:
			opc = opW
		case 4:
			opc = opDW
		case 8:
			opc = opQ
		default:
			return lowerVecFallback(em, node)
		}
		// 66 0F <opc> /r : SSE2 packed-integer form; no REX.W, the vector
		// width is carried by the opcode/prefix rather than operand size.
		ctx.EmitBytes([]byte{0x66})
		emitREX(ctx, false, dst, 0, src)
		ctx.EmitBytes([]byte{0x0F, opc, modRMReg(dst, src)})
		return nil
	}
}

// fallbackHelpers is the per-process helper table a backend routes an
// unencodable vector op through (spec.md §4.I); nil means no helper table
// was configured, in which case the opcode stays a hard
// errs.UnsupportedOpError. Installed once by package core the same way
// SetExitLinkerAddress and SetFrameOffsets are.
var fallbackHelpers fallback.HelperTable

// SetFallbackHelpers installs the fallback shim's per-process helper table.
func SetFallbackHelpers(t fallback.HelperTable) {
	fallbackHelpers = t
}

// fallbackScratchOffset is frame.CpuStateFrame.FallbackScratch's offset,
// installed by SetFrameOffsets; fallbackAsm spills caller-saves there
// across the helper call.
var fallbackScratchOffset uint32

// fallbackAsm implements fallback.Assembler against this backend's own
// REX/ModRM encoding helpers and System-V-style integer/vector argument
// registers (rdi/rsi, xmm0/xmm1), reusing the same live Context a node's
// own lowering writes into.
type fallbackAsm struct {
	ctx *emitter.Context
}

func (a fallbackAsm) EmitBytes(b []byte)              { a.ctx.EmitBytes(b) }
func (a fallbackAsm) Allocation() regoracle.Allocation { return a.ctx.Allocation() }

var intArgRegs = [2]reg{rdi, rsi}
var vecArgRegs = [2]reg{0, 1} // xmm0, xmm1

func (a fallbackAsm) SpillCallerSaves(live []regoracle.PhysicalRegister) {
	for i, pr := range live {
		r := gpReg(pr)
		off := fallbackScratchOffset + uint32(i*8)
		emitREX(a, true, r, 0, framePtrReg)
		a.EmitBytes([]byte{0x89, modRMMemDisp32(r, framePtrReg)})
		emitImm32(a, off)
	}
}

func (a fallbackAsm) RestoreCallerSaves(live []regoracle.PhysicalRegister) {
	for i, pr := range live {
		r := gpReg(pr)
		off := fallbackScratchOffset + uint32(i*8)
		emitREX(a, true, r, 0, framePtrReg)
		a.EmitBytes([]byte{0x8B, modRMMemDisp32(r, framePtrReg)})
		emitImm32(a, off)
	}
}

// MarshalArg moves loc into the slot-th argument register, picking the
// vector or integer argument bank by tag.
func (a fallbackAsm) MarshalArg(slot int, loc regoracle.Location, tag fallback.ABITag) {
	src := gpReg(loc.Reg)
	switch tag {
	case fallback.ABIVecArgIntRet, fallback.ABIVecArgVecRet:
		dst := vecArgRegs[slot]
		// movdqa xmm(dst), xmm(src) : 66 0F 6F /r
		a.EmitBytes([]byte{0x66})
		emitREX(a, false, dst, 0, src)
		a.EmitBytes([]byte{0x0F, 0x6F, modRMReg(dst, src)})
	default:
		dst := intArgRegs[slot]
		if dst != src {
			emitREX(a, true, dst, 0, src)
			a.EmitBytes([]byte{0x8B, modRMReg(dst, src)})
		}
	}
}

// UnmarshalResult moves the helper's return value (rax, or xmm0 for a
// vector result) into dst.
func (a fallbackAsm) UnmarshalResult(dst regoracle.Location, tag fallback.ABITag) {
	d := gpReg(dst.Reg)
	switch tag {
	case fallback.ABIVecArgVecRet:
		if d != 0 {
			a.EmitBytes([]byte{0x66})
			emitREX(a, false, d, 0, 0)
			a.EmitBytes([]byte{0x0F, 0x6F, modRMReg(d, 0)})
		}
	default:
		if d != rax {
			emitREX(a, true, d, 0, rax)
			a.EmitBytes([]byte{0x8B, modRMReg(d, rax)})
		}
	}
}

func (a fallbackAsm) EmitCallIndirect(addr uintptr) {
	emitREX(a, true, 0, 0, scratchReg)
	a.EmitBytes([]byte{0xB8 + scratchReg.low3()})
	emitImm64(a, uint64(addr))
	emitREX(a, false, 0, 0, scratchReg)
	a.EmitBytes([]byte{0xFF, 0xD0 | scratchReg.low3()})
}

// vecFallbackHelperID packs an opcode/element-size pair into the opaque
// helper id fallback.HelperTable.Helper indexes by, so one HelperTable can
// serve every (op, size) combination a frontend's vector ops might need.
func vecFallbackHelperID(node *ir.Node) uint32 {
	return uint32(node.Op)<<8 | uint32(node.Header.ElementSize)
}

// lowerVecFallback routes an element size lowerVecAlu never learned a
// native opcode for out to the interpreter shim (spec.md §4.I) instead of
// failing the whole block, when a helper table has been installed.
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

// emitPatchableCallSlot emits the exit-linker call sequence spec.md §4.C
// requires: `call [rip+0]` (FF /2, 6 bytes) immediately followed by an
// 8-byte absolute target word, initialised to exitLinker and later
// overwritten in place by blocklink.Patch once the callee compiles. This
// is "every inter-block branch that can be linked is emitted with an
// immediately-patchable 8-byte target word" (spec.md §4.C), literally:
// the recorded relocation offset IS that patchable word's address once
// the block is installed in the code buffer.
func emitPatchableCallSlot(ctx *emitter.Context, calleeRIP uint64, exitLinker uint64) {
	ctx.EmitBytes([]byte{0xFF, 0x15, 0x00, 0x00, 0x00, 0x00}) // call [rip+0]
	slotOffset := ctx.Offset()
	emitImm64(ctx, exitLinker)
	ctx.RecordRelocation(slotOffset, calleeRIP)
}

func lowerJump(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	if node.TargetRIP != 0 {
		emitPatchableCallSlot(ctx, uint64(node.TargetRIP), exitLinkerAddr)
		return nil
	}
	// Intra-block forward jump: jmp rel32, fixed up via the label table.
	ctx.EmitBytes([]byte{0xE9})
	site := ctx.Offset()
	emitImm32(ctx, 0)
	ctx.RecordFixup(site, node.FallthroughLabel, emitter.FixupRel32)
	return nil
}

// condOpcodes maps ir.Cond to the Jcc tttn nibble (0F 8x rel32 form).
var condOpcodes = map[ir.Cond]byte{
	ir.CondEQ: 0x84, ir.CondNE: 0x85, ir.CondLT: 0x8C,
	ir.CondLE: 0x8E, ir.CondGT: 0x8F, ir.CondGE: 0x8D,
}

// condOpcodesShort is the Jcc-rel8 tttn nibble used to guard the
// patchable-call-slot sequence below a conditional.
var condOpcodesShort = map[ir.Cond]byte{
	ir.CondEQ: 0x74, ir.CondNE: 0x75, ir.CondLT: 0x7C,
	ir.CondLE: 0x7E, ir.CondGT: 0x7F, ir.CondGE: 0x7D,
}

func lowerCondJump(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	if node.TargetRIP != 0 {
		cc, ok := condOpcodesShort[node.Cond]
		if !ok {
			return &errs.UnsupportedOpError{Op: node.Op.String()}
		}
		// Jcc rel8 skipping the 14-byte patchable-call-slot sequence when
		// the condition is NOT met ("if not taken, fall through").
		ctx.EmitBytes([]byte{cc ^ 0x01, 14})
		emitPatchableCallSlot(ctx, uint64(node.TargetRIP), exitLinkerAddr)
		return nil
	}
	cc, ok := condOpcodes[node.Cond]
	if !ok {
		return &errs.UnsupportedOpError{Op: node.Op.String()}
	}
	ctx.EmitBytes([]byte{0x0F, cc})
	site := ctx.Offset()
	emitImm32(ctx, 0)
	ctx.RecordFixup(site, node.FallthroughLabel, emitter.FixupRel32)
	return nil
}

func lowerCall(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	emitPatchableCallSlot(ctx, uint64(node.TargetRIP), exitLinkerAddr)
	return nil
}

func lowerRet(em irdispatch.Emitter, node *ir.Node) error {
	em.EmitBytes([]byte{0xC3})
	return nil
}

// Frame-field offsets; package core computes and installs the real
// offsets from frame.CpuStateFrame's Go struct layout. Design Note §9:
// "raw function pointers / struct offsets baked into emitted code are
// opaque, installed once by the Go side that owns the layout".
var (
	ripFieldOffset          uint32
	dispatcherLoopTopOffset uint32
)

// SetFrameOffsets installs the CpuStateFrame field offsets this backend's
// Exit, GDB-pause-check, and fallback-shim lowerings hard-code. Called
// once at process init by package core.
func SetFrameOffsets(ripOffset, loopTopOffset, runningModeOff, fallbackScratchOff uint32) {
	ripFieldOffset = ripOffset
	dispatcherLoopTopOffset = loopTopOffset
	runningModeOffset = runningModeOff
	fallbackScratchOffset = fallbackScratchOff
}

// exitLinkerAddr is the shared exit-linker trampoline's address (package
// core's Runtime.stubBase): every patchable call/branch slot's unlinked
// initial state points here, so an inter-block branch taken before
// blocklink.Registry.Patch ever runs still lands somewhere real (spec.md
// §3 BlockLink lifecycle) instead of at address 0.
var exitLinkerAddr uint64

// SetExitLinkerAddress installs the exit-linker trampoline address, called
// once at process init by package core right after the dispatcher stub's
// region is mapped.
func SetExitLinkerAddress(addr uint64) {
	exitLinkerAddr = addr
}

// lowerExit writes the updated RIP into the frame and jumps back to the
// dispatcher loop top through the pinned frame-pointer register
// (spec.md §2 "emitted code either returns to D with an updated RIP").
func lowerExit(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	src := locOf(em, node.Operands[0].Node, regoracle.Width64)
	// mov [framePtrReg+ripOffset], src
	emitREX(ctx, true, src, 0, framePtrReg)
	ctx.EmitBytes([]byte{0x89, modRMMemDisp32(src, framePtrReg)})
	emitImm32(ctx, ripFieldOffset)
	// mov scratch, [framePtrReg+dispatcherLoopTopOffset] ; jmp scratch
	emitREX(ctx, true, scratchReg, 0, framePtrReg)
	ctx.EmitBytes([]byte{0x8B, modRMMemDisp32(scratchReg, framePtrReg)})
	emitImm32(ctx, dispatcherLoopTopOffset)
	emitREX(ctx, false, 0, 0, scratchReg)
	ctx.EmitBytes([]byte{0xFF, 0xE0 | scratchReg.low3()})
	return nil
}

// --- dispatcher stub / fallback trampoline / relocations ---

func (m *Machine) CompileDispatcherStub(hooks backend.DispatcherHooks) []byte {
	ctx := emitter.NewContext(8)
	// LOOP: call FindOrCompile(frame) -> host_code ; jmp rax. The 8-byte
	// target word sits after the jmp, so the call returns onto the jmp.
	ctx.EmitBytes([]byte{0xFF, 0x15, 0x02, 0x00, 0x00, 0x00}) // call [rip+2]
	ctx.EmitBytes([]byte{0xFF, 0xE0})                         // jmp rax (host_code returned in rax)
	emitImm64(ctx, uint64(hooks.FindOrCompile))
	if len(hooks.SignalReturnOpcode) > 0 {
		ctx.EmitBytes(hooks.SignalReturnOpcode)
	} else {
		ctx.EmitBytes([]byte{0x0F, 0x0B}) // UD2, the reserved SIGNAL_RETURN marker
	}
	return ctx.Bytes()
}

func (m *Machine) CompileFallbackTrampoline(helperAddr uintptr, tag fallback.ABITag) []byte {
	ctx := emitter.NewContext(4)
	// call [rip+1] -> helperAddr ; ret ; <8-byte helperAddr word>.
	// Argument/result marshaling for tag is produced per callsite by
	// package fallback.Build driving this backend through the Assembler
	// interface; the trampoline itself only needs the call+return shell.
	ctx.EmitBytes([]byte{0xFF, 0x15, 0x01, 0x00, 0x00, 0x00})
	ctx.EmitBytes([]byte{0xC3})
	emitImm64(ctx, uint64(helperAddr))
	return ctx.Bytes()
}

// Relocation resolution no longer runs as a whole-executable batch pass
// here (see blocklink.Registry and emitter.Compile's link-processing step):
// this backend's relocations are always patched address-by-address through
// the patchable call slot itself, which is exactly one write per site
// regardless of whether the callee is already compiled (blocklink.Patch) or
// still pending (blocklink.Registry.RegisterPending/LinkPending). A
// batch-oriented ResolveRelocations over a whole mapped executable doesn't
// fit this module's one-block-at-a-time compile model, and package emitter
// can't call back into package backend to drive one anyway without an
// import cycle (emitter.Backend is deliberately the narrow interface;
// backend.Machine embeds it, not the other way around).
