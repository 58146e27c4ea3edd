// Package backend declares the shared contract both concrete ISA backends
// (package backend/amd64, backend/arm64) satisfy, mirrored directly off
// backend.Machine in the teacher's internal/engine/wazevo/backend/machine.go
// — its LowerInstr/Encode/CompileGoFunctionTrampoline/CompileEntryPreamble
// methods map respectively onto Register (bulk registration replaces
// per-call LowerInstr dispatch, since this module's IR is fixed-shape
// rather than SSA) and CompileFallbackTrampoline/CompileDispatcherStub
// below. RegAlloc itself has no counterpart: the RA pass is an external
// read-only oracle here (spec.md §1), never run by this module.
//
// Unlike the teacher, this package has no ResolveRelocations method: the
// teacher's batch pass patches every relocation in a whole compiled module
// at once, but this module compiles and installs one block at a time
// (package emitter's Compile), so relocations are resolved address-by-
// address through package blocklink's Registry instead, using the
// narrower emitter.Backend write surface rather than a full backend.Machine
// (see emitter.Compile's doc comment for the import-cycle reason
// blocklink's resolution path can't go through this interface at all).
package backend

import (
	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
	"github.com/FEX-Emu/FEX-sub010/internal/fallback"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
)

// DispatcherHooks are the addresses the hand-assembled dispatcher stub
// (spec.md §4.D) needs baked in at emission time: where to call back into
// Go to find-or-compile, and the frame layout offsets it indexes through.
type DispatcherHooks struct {
	// FindOrCompile is the address of the Go-side trampoline entry the
	// stub calls at LOOP (spec.md §4.D): `call FindOrCompile(frame) ->
	// host_code`.
	FindOrCompile uintptr
	// SignalReturnOpcode is the reserved illegal-instruction encoding the
	// stub emits at SIGNAL_RETURN so the signal framework can identify the
	// return site (spec.md §4.D).
	SignalReturnOpcode []byte
}

// Machine is the contract a concrete ISA backend satisfies. Two instances
// exist process-wide (spec.md §3 DispatchTable: "one instance per
// backend"), each owning its own irdispatch.Table built by Register.
type Machine interface {
	emitter.Backend

	ISA() string

	// Register fills table with this backend's opcode lowerings,
	// overriding the fallback default the table was constructed with
	// (spec.md §4.E).
	Register(table *irdispatch.Table)

	// CompileDispatcherStub assembles the fixed per-process dispatcher
	// routine of spec.md §4.D using this backend's own instruction
	// encoder — "modelled as a small, fixed sequence emitted at process
	// init by the same assembler used by the JIT backend" (Design Note
	// §9), never hand-written inline asm.
	CompileDispatcherStub(hooks DispatcherHooks) []byte

	// CompileFallbackTrampoline assembles the call-and-return shell for
	// one fallback helper (spec.md §4.I). Neither backend uses tag here:
	// the spill/marshal/call/unmarshal/restore sequence is emitted per
	// callsite by package fallback's Build instead.
	CompileFallbackTrampoline(helperAddr uintptr, tag fallback.ABITag) []byte
}
