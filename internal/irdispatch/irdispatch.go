// Package irdispatch is the IR op dispatch machinery shared by both JITs
// (spec.md §4.E): a fixed-size array indexed by IR opcode, each slot a
// handler for that opcode. Mirrored off the teacher's per-backend
// dispatch built once at process start (backend.Machine.LowerInstr is
// driven by exactly this kind of table in spirit, switching on
// ssa.Instruction.Opcode()); unfilled slots resolve to the fallback
// handler the table was built with rather than being null. Package core
// builds its table with a handler that returns errs.UnsupportedOpError, so
// an unregistered opcode is not routed through package fallback's shim.
package irdispatch

import (
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// Emitter is the subset of the shared JIT emitter (package emitter) a
// handler needs: emit raw bytes and consult the register-allocation
// oracle for a node's assigned location. Kept as an interface here so
// irdispatch never imports emitter (emitter imports irdispatch).
type Emitter interface {
	EmitBytes(b []byte)
	Allocation() regoracle.Allocation
}

// OpHandler lowers one IR node. A backend that recognizes the opcode but
// refuses a particular size/element-size combination returns
// *errs.UnsupportedOpError; this is distinct from "opcode never
// registered", which always falls through to the table's fallback handler.
type OpHandler func(em Emitter, node *ir.Node) error

// Table is one instance of the per-opcode handler array. Two instances
// exist process-wide, one per backend, both initialized once (spec.md
// §4.E "Two instances exist... both are initialised once per process").
type Table struct {
	handlers [ir.OpcodeCount]OpHandler
	fallback OpHandler
}

// NewTable builds a Table whose every slot starts out pointed at
// fallback, so Register only needs to override what a backend actually
// implements.
func NewTable(fallback OpHandler) *Table {
	t := &Table{fallback: fallback}
	for i := range t.handlers {
		t.handlers[i] = fallback
	}
	return t
}

// Register installs handler for op, overriding the fallback.
func (t *Table) Register(op ir.Opcode, handler OpHandler) {
	t.handlers[op] = handler
}

// Dispatch emits node via its registered handler, or the generic fallback
// if op was never registered by this backend.
func (t *Table) Dispatch(em Emitter, node *ir.Node) error {
	h := t.handlers[node.Op]
	if h == nil {
		return &errs.UnsupportedOpError{Op: node.Op.String(), Size: node.Header.Size}
	}
	return h(em, node)
}
