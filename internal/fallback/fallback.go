// Package fallback is the interpreter shim (spec.md §4.I): for any IR op
// with no backend handler, it classifies the op by a hand-maintained ABI
// tag, spills live caller-saves, marshals the arguments into the host
// ABI, and calls a pre-registered C-ABI helper the interpreter
// implementation provides. Grounded on Design Note §9 ("encode fallback
// ABI tags as a sum type describing the argument/return shape of each
// helper; the shim matches on the tag to generate the correct
// spill/marshal/return sequence") and on the teacher's own
// CompileGoFunctionTrampoline/ExitCode mechanism (call_engine.go,
// wazevoapi/exitcode.go), which is the same idea — route an unhandled op
// out to a tabulated external routine rather than lower it directly.
package fallback

import (
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// ABITag is the sum type describing one helper's argument/return shape.
type ABITag uint8

const (
	ABIIntArgIntRet   ABITag = iota // (uint64) -> uint64
	ABIIntArgNoRet                  // (uint64, uint64) -> ()
	ABIVecArgIntRet                 // (128-bit vector) -> uint64
	ABIVecArgVecRet                 // (128-bit vector, 128-bit vector) -> 128-bit vector
	ABIIntIntArgIntRet              // (uint64, uint64) -> uint64, used by CAS-style helpers
)

// HelperTable is the per-process table of pre-registered C-ABI helper
// addresses the interpreter implementation provides, indexed by opaque
// helper id (spec.md §6 CpuStateFrame "fallback-helper table").
type HelperTable interface {
	Helper(id uint32) (addr uintptr, tag ABITag)
}

// Assembler is the architecture-specific code-emission surface the shim
// needs: move a value into/out of the ABI's argument/return registers,
// spill/restore caller-saves, and emit a call through a register holding
// the helper address.
type Assembler interface {
	irdispatch.Emitter
	SpillCallerSaves(live []regoracle.PhysicalRegister)
	RestoreCallerSaves(live []regoracle.PhysicalRegister)
	MarshalArg(slot int, loc regoracle.Location, tag ABITag)
	UnmarshalResult(dst regoracle.Location, tag ABITag)
	EmitCallIndirect(addr uintptr)
}

// Build builds an irdispatch.OpHandler that routes an unhandled IR op to
// helperID via table, using asm to do the architecture-specific part.
// Each backend's vector lowering calls Build every time it routes a node
// to the shim (lowerVecFallback); the returned handler closes over immutable ids and
// slices only, never mutable backend state, matching Design Note §9's
// "Opcode-to-handler tables filled via member-function pointers →
// represent as arrays of function pointers... (or equivalent closure-free
// dispatch)".
func Build(table HelperTable, helperID uint32, asm Assembler, live []regoracle.PhysicalRegister, argLocs []regoracle.Location, dst regoracle.Location) irdispatch.OpHandler {
	addr, tag := table.Helper(helperID)
	return func(em irdispatch.Emitter, node *ir.Node) error {
		asm.SpillCallerSaves(live)
		for slot, loc := range argLocs {
			asm.MarshalArg(slot, loc, tag)
		}
		asm.EmitCallIndirect(addr)
		asm.UnmarshalResult(dst, tag)
		asm.RestoreCallerSaves(live)
		return nil
	}
}
