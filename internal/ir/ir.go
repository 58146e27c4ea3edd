// Package ir defines the intermediate representation the out-of-scope x86
// decoder/frontend and IR optimiser hand to this module. It mirrors the
// shape of wazero's SSA package (internal/engine/wazevo/ssa): a flat,
// dense-id node array closed under a single entry per block, each node
// carrying a fixed header (size/element-size/flags) plus operand
// references, consumed read-only by the JIT's op-dispatch machinery
// (package irdispatch) and the two backends.
package ir

import "github.com/FEX-Emu/FEX-sub010/internal/frame"

// NodeID is a dense integer identifying one IR node within a Block.
type NodeID uint32

// Opcode enumerates IR operations. The zero value is intentionally invalid
// so a zeroed Node can never be silently treated as a real op.
type Opcode uint16

const (
	OpInvalid Opcode = iota

	OpMov
	OpLoad
	OpStore
	OpLoadAcquire  // arm64 LDAR / amd64 plain MOV (TSO already gives acquire semantics)
	OpStoreRelease // arm64 STLR / amd64 plain MOV

	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpCmp

	OpCAS // atomic compare-and-swap; LOCK CMPXCHG on amd64, LDAXR/STLXR loop on arm64

	OpVAdd // SIMD lane-wise add
	OpVSub

	OpJump
	OpCondJump
	OpCall   // direct inter-block call site, back-patchable via blocklink
	OpRet
	OpExit   // block exit back to the dispatcher with an updated RIP

	opcodeCount
)

// OpcodeCount is the fixed size every DispatchTable is built with.
const OpcodeCount = int(opcodeCount)

func (op Opcode) String() string {
	switch op {
	case OpMov:
		return "mov"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpLoadAcquire:
		return "load.acquire"
	case OpStoreRelease:
		return "store.release"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpCmp:
		return "cmp"
	case OpCAS:
		return "cas"
	case OpVAdd:
		return "vadd"
	case OpVSub:
		return "vsub"
	case OpJump:
		return "jump"
	case OpCondJump:
		return "condjump"
	case OpCall:
		return "call"
	case OpRet:
		return "ret"
	case OpExit:
		return "exit"
	default:
		return "invalid"
	}
}

// Cond is a condition code for OpCondJump and OpCmp consumers, kept
// architecture-neutral; backends translate it to their own condition
// encoding (see backend/amd64 and backend/arm64's cond.go-equivalents).
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondAlways
)

// Operand is a reference to either another node's result (by NodeID) or an
// inline constant. IR values tagged InlineConstant never occupy a
// register; emitters fold them into an immediate form when the target ISA
// permits (spec.md §4.F "Inline constants").
type Operand struct {
	Node            NodeID
	InlineConstant  bool
	ConstantValue   uint64
}

// Header is the fixed-size per-node metadata spec.md §3 requires: total
// size in bytes and, for SIMD lanes, the element size. Handlers switch on
// both to pick the machine encoding.
type Header struct {
	Size        uint8 // total width in bytes: 1,2,4,8,16,32
	ElementSize uint8 // SIMD lane width in bytes; 0 for scalar ops
	Flags       uint8
}

// Node is one IR instruction. Operands is variable-length (0..N).
type Node struct {
	ID       NodeID
	Op       Opcode
	Header   Header
	Operands []Operand
	Cond     Cond

	// GuestRIP is the guest instruction address that produced this node,
	// used to build the block's RIP map (spec.md §4.F step 5, §6): a
	// block can decode more than one guest instruction before its first
	// control transfer, so nodes from different guest instructions need
	// their own entries rather than all sharing Block.EntryRIP. Zero
	// means "same guest instruction as the previous node" (the frontend
	// only sets it at each instruction boundary, not on every node).
	GuestRIP frame.GuestRIP

	// TargetRIP is valid for OpJump/OpCondJump/OpCall: the guest RIP of
	// the callee block (resolved lazily through blocklink for OpCall/taken
	// OpJump targets that leave the block).
	TargetRIP frame.GuestRIP
	// FallthroughLabel is the intra-block label index for forward jumps
	// that stay inside the same Block (spec.md §4.F branch policy).
	FallthroughLabel int
}

// Block is a single-entry IR region: the guest-code span from EntryRIP to
// the first control-transfer instruction.
type Block struct {
	EntryRIP frame.GuestRIP
	Nodes    []Node
	// Labels maps a FallthroughLabel index to the Node index it targets,
	// filled in as the frontend discovers intra-block branch targets.
	Labels []int
}

// The external decoder/optimiser/RA Frontend interface lives in package
// frontend rather than here: it returns a regoracle.Allocation alongside
// a *Block, and regoracle already imports ir, so defining it in this
// package would be an import cycle.
