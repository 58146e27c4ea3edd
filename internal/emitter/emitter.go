// Package emitter is the shared JIT emitter (spec.md §4.F): it drives the
// lowering of one IR block through a backend's per-opcode dispatch table,
// handling the parts that are the same for every ISA — buffer-overrun
// checks, the code-header marker, spill-slot reservation, branch label
// bookkeeping, and the block-trailer RIP map. Grounded on the teacher's
// compileLocalWasmFunction (internal/engine/wazevo/engine.go), which
// drives exactly this "frontend IR -> optimise -> backend.Compile -> copy
// into executable" pipeline once per function; here it runs once per
// guest block instead, and the stages spec.md §4.F lists map onto
// Compile's numbered steps below.
package emitter

import (
	"encoding/binary"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/FEX-Emu/FEX-sub010/internal/blocklink"
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/lookupcache"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// trailerByteSize is the exact wire size of an encoded BlockTrailer.
const trailerByteSize = 8 + 4 + 4 + 4

// headerSize is the fixed 16-byte code-header marker every emitted block
// begins with (spec.md §6).
const headerSize = 16

// BlockHeader is the fixed leading marker: a back-offset to the trailing
// BlockTrailer, read by the signal adapter to reconstruct a guest RIP from
// a host PC (spec.md §6).
type BlockHeader struct {
	BackOffsetToTrailer int64
}

// RIPMapEntry correlates one host-code offset with the guest RIP whose
// translation produced it, enabling property 5 of spec.md §8 ("a signal
// delivered at any host PC inside emitted code maps back to a guest RIP
// recorded in that block's RIP map").
type RIPMapEntry struct {
	HostOffset int32
	GuestRIP   uint64
}

// BlockTrailer is the trailing record the BlockHeader's back-offset points
// at (spec.md §6).
type BlockTrailer struct {
	GuestRIP      uint64
	Size          int32
	RIPMapOffset  int32
	RIPMapEntries int32
}

// RelocationInfo records one not-yet-resolvable inter-block branch so a
// later pass (or blocklink, lazily) can patch it once the callee is known.
type RelocationInfo struct {
	Offset int // byte offset within the emitted block
	Callee uint64
}

// DebugSink receives the fully-encoded bytes of a just-emitted block, used
// for the optional disassembly dump described in SPEC_FULL.md's emitter
// section (golang.org/x/arch-backed, wired by package core).
type DebugSink interface {
	EmittedBlock(hdr BlockHeader, bytes []byte)
}

type noopSink struct{}

func (noopSink) EmittedBlock(BlockHeader, []byte) {}

// NoopDebugSink is used when no disassembly is requested.
var NoopDebugSink DebugSink = noopSink{}

// label is an intra-block forward-jump target not yet known when the
// branch referencing it was emitted.
type label struct {
	resolved bool
	offset   int
}

// Context is the per-compile emission buffer and label table; it
// implements irdispatch.Emitter so backend op handlers can append bytes
// directly. Each compile gets its own Context — Design Note §9 ("give each
// emission context its own assembler instance; thread-local state is
// avoided").
type Context struct {
	buf         []byte
	labels      []label
	fixups      []struct {
		offset int
		label  int
		kind   FixupKind
	}
	relocations []RelocationInfo
	ripMap      []RIPMapEntry
	alloc       regoracle.Allocation
}

// NewContext returns an empty emission context sized for estNodes IR
// nodes, matching the ≈16B/node pessimistic estimate spec.md §4.F step 1
// uses for the overrun check.
func NewContext(estNodes int) *Context {
	return &Context{buf: make([]byte, 0, estNodes*16+headerSize)}
}

// EmitBytes implements irdispatch.Emitter.
func (c *Context) EmitBytes(b []byte) { c.buf = append(c.buf, b...) }

// Allocation implements irdispatch.Emitter, handing op handlers the same
// read-only RA oracle Compile was given.
func (c *Context) Allocation() regoracle.Allocation { return c.alloc }

// Bytes returns the emitted byte stream so far. Used by callers that
// build a one-shot Context directly (dispatcher stub, fallback
// trampolines) rather than going through Compile.
func (c *Context) Bytes() []byte { return c.buf }

// Offset returns the current write offset.
func (c *Context) Offset() int { return len(c.buf) }

// NewLabel allocates a forward-jump label, returning its id.
func (c *Context) NewLabel() int {
	c.labels = append(c.labels, label{})
	return len(c.labels) - 1
}

// BindLabel marks the label as resolved at the current offset — called
// when the emitter reaches the IR node the label refers to (spec.md §4.F
// step 4 "handle any pending fall-through branch target").
func (c *Context) BindLabel(id int) {
	c.labels[id] = label{resolved: true, offset: len(c.buf)}
}

// FixupKind distinguishes the branch-immediate encodings the two
// backends' intra-block forward jumps use: amd64's rel32 occupies a
// whole 4-byte field, while arm64's B/B.cond immediates are word-granular
// and packed into specific bits of an otherwise fixed instruction word.
type FixupKind uint8

const (
	// FixupRel32 is amd64's E9/0F8x rel32: a raw little-endian 32-bit
	// byte displacement overwriting the full 4 bytes at the site.
	FixupRel32 FixupKind = iota
	// FixupB26 is arm64's unconditional B: a signed word-granular
	// displacement in bits [25:0], opcode bits preserved.
	FixupB26
	// FixupCond19 is arm64's B.cond: a signed word-granular displacement
	// in bits [23:5], opcode/condition bits preserved.
	FixupCond19
)

// RecordFixup remembers that the instruction at offset needs its branch
// displacement patched to label once it is bound (spec.md §4.F branch
// policy: "forward intra-block jumps use label fix-ups resolved by the
// assembler"). kind selects how the displacement is encoded into the
// bytes already emitted at offset.
func (c *Context) RecordFixup(offset, labelID int, kind FixupKind) {
	c.fixups = append(c.fixups, struct {
		offset int
		label  int
		kind   FixupKind
	}{offset, labelID, kind})
}

// RecordRelocation remembers an inter-block branch whose target is another
// guest block, resolved lazily through blocklink rather than at emit time
// (spec.md §4.F branch policy: "inter-block jumps emit the exit-linker
// call sequence").
func (c *Context) RecordRelocation(offset int, callee uint64) {
	c.relocations = append(c.relocations, RelocationInfo{Offset: offset, Callee: callee})
}

// RecordRIP correlates the current offset with a guest RIP, building the
// block's RIP map (spec.md §4.F step 5, §6).
func (c *Context) RecordRIP(rip uint64) {
	c.ripMap = append(c.ripMap, RIPMapEntry{HostOffset: int32(len(c.buf)), GuestRIP: rip})
}

// PatchRel32 writes a little-endian 32-bit PC-relative displacement
// (target - (siteOffset+4)) at siteOffset, the fixup form amd64 uses for
// its rel32 branch immediates (arm64 branches go through patchWordImm).
func (c *Context) PatchRel32(siteOffset, target int) {
	disp := int32(target - (siteOffset + 4))
	binary.LittleEndian.PutUint32(c.buf[siteOffset:], uint32(disp))
}

// ResolveLabels walks every recorded fixup and patches it now that all
// labels in the block have been bound (spec.md §4.F step 5: "fix up any
// unresolved branch label").
func (c *Context) ResolveLabels() error {
	for _, fx := range c.fixups {
		l := c.labels[fx.label]
		if !l.resolved {
			return &errs.HostBugError{Detail: "unresolved intra-block label at end of emission"}
		}
		switch fx.kind {
		case FixupRel32:
			c.PatchRel32(fx.offset, l.offset)
		case FixupB26:
			c.patchWordImm(fx.offset, l.offset, 0x3ffffff, 0)
		case FixupCond19:
			c.patchWordImm(fx.offset, l.offset, 0x7ffff, 5)
		}
	}
	return nil
}

// patchWordImm ORs a signed word-granular displacement into the mask-wide
// field starting at bit shift of the 32-bit instruction word at
// siteOffset, leaving every other bit (opcode, condition) untouched —
// the arm64 counterpart to PatchRel32's byte-granular rel32 overwrite.
func (c *Context) patchWordImm(siteOffset, target int, mask uint32, shift uint) {
	wordDisp := uint32(int32(target-siteOffset) / 4)
	word := binary.LittleEndian.Uint32(c.buf[siteOffset:])
	word &^= mask << shift
	word |= (wordDisp & mask) << shift
	binary.LittleEndian.PutUint32(c.buf[siteOffset:], word)
}

// Backend is the subset of a concrete backend (package backend/amd64,
// backend/arm64) the shared emitter drives directly, independent of any
// specific IR opcode — prologue/epilogue and the two backend-wide
// ceremonies spec.md §4.F names explicitly.
type Backend interface {
	// Prologue reserves ra.SpillSlots()*regoracle.SlotSize bytes on the
	// host stack and emits any fixed frame setup (spec.md §4.F step 3).
	Prologue(em *Context, ra regoracle.Allocation)
	Epilogue(em *Context)
	// EmitGDBPauseCheck emits the fixed prologue sequence comparing the
	// thread's CpuStateFrame.RunningMode copy of the running-mode word
	// against zero (spec.md §4.D).
	EmitGDBPauseCheck(em *Context)
	// FlushAssembler performs icache maintenance on arm64; a no-op on
	// amd64 (spec.md §4.F step 6).
	FlushAssembler(em *Context)
}

// Compile lowers block into machine code following spec.md §4.F's
// numbered steps and installs the result into cb/cache. links is the
// thread's block-link registry (package blocklink, spec.md §4.C):
// every relocation the backend recorded while lowering an inter-block
// branch (RecordRelocation) is resolved here, either immediately against
// an already-compiled callee or deferred via RegisterPending until that
// callee compiles. write performs the actual store into the code buffer's
// live memory (package dispatch supplies the real implementation; emitter
// never does unsafe pointer arithmetic of its own, same pattern as
// lookupcache.Cache.Clear).
//
// links can't be resolved by asking the backend to patch a whole
// executable in one pass (the teacher's ResolveRelocations shape): be's
// type here is the narrow emitter.Backend interface specifically so this
// package never imports package backend, and backend.Machine (the type
// that embeds emitter.Backend) can't be passed down through it without a
// cycle. Resolving address-by-address through blocklink avoids needing
// the wider interface at all.
func Compile(
	cb *codebuf.CodeBuffer,
	cache *lookupcache.Cache,
	links *blocklink.Registry,
	table *irdispatch.Table,
	be Backend,
	entryRIP frame.GuestRIP,
	block *ir.Block,
	ra regoracle.Allocation,
	write func(addr, value uintptr),
	sink DebugSink,
	log *logrus.Logger,
) (codebuf.HostCode, int, error) {
	if sink == nil {
		sink = NoopDebugSink
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	// Step 1: pessimistic estimate ≈16B per IR node plus optional
	// GDB-pause header; if the buffer can't hold it, surface
	// OutOfCodeSpaceError so the caller (package dispatch) clears the
	// cache and retries.
	estimate := len(block.Nodes)*16 + headerSize
	if estimate > cb.Remaining() {
		return 0, 0, &errs.OutOfCodeSpaceError{Requested: estimate, Available: cb.Remaining()}
	}

	em := NewContext(len(block.Nodes))
	em.alloc = ra

	// Step 2: code-header marker placeholder (patched once the trailer
	// offset is known) plus the GDB-pause sequence.
	headerOffset := em.Offset()
	em.EmitBytes(make([]byte, headerSize))
	be.EmitGDBPauseCheck(em)

	// Step 3: reserve spill slots.
	be.Prologue(em, ra)

	// Step 4: walk IR nodes in frontend order, binding any label that
	// targets this position and dispatching every op through the shared
	// table.
	currentRIP := entryRIP
	for i := range block.Nodes {
		for labelID, target := range block.Labels {
			if target == i {
				em.BindLabel(labelID)
			}
		}
		node := &block.Nodes[i]
		if node.GuestRIP != 0 {
			currentRIP = node.GuestRIP
		}
		em.RecordRIP(uint64(currentRIP))
		if err := table.Dispatch(em, node); err != nil {
			return 0, 0, err
		}
	}
	be.Epilogue(em)

	// Step 5: fix up unresolved branch labels, then append the block
	// trailer describing the RIP<->host-PC map.
	if err := em.ResolveLabels(); err != nil {
		return 0, 0, err
	}
	trailerOffset := em.Offset()
	ripMapOffset := trailerOffset + trailerByteSize
	for _, e := range em.ripMap {
		var tmp [12]byte
		binary.LittleEndian.PutUint64(tmp[0:8], e.GuestRIP)
		binary.LittleEndian.PutUint32(tmp[8:12], uint32(e.HostOffset))
		em.EmitBytes(tmp[:])
	}
	trailer := BlockTrailer{
		GuestRIP:      uint64(entryRIP),
		Size:          int32(em.Offset()),
		RIPMapOffset:  int32(ripMapOffset),
		RIPMapEntries: int32(len(em.ripMap)),
	}
	trailerBytes := encodeTrailer(trailer)
	// Splice the trailer in right after the node stream, before the RIP
	// map bytes already appended above.
	before := append([]byte{}, em.buf[:trailerOffset]...)
	after := append([]byte{}, em.buf[trailerOffset:]...)
	em.buf = append(before, append(trailerBytes, after...)...)

	hdr := BlockHeader{BackOffsetToTrailer: int64(trailerOffset - headerOffset)}
	binary.LittleEndian.PutUint64(em.buf[headerOffset:], uint64(hdr.BackOffsetToTrailer))

	// Step 6: flush the assembler (icache maintenance on arm64).
	be.FlushAssembler(em)

	sink.EmittedBlock(hdr, em.buf)

	// Step 7: install into the code buffer and the lookup cache.
	code, err := cb.Append(em.buf)
	if err != nil {
		return 0, 0, err
	}
	cache.Install(entryRIP, code)

	// Resolve every inter-block relocation this block's own branches
	// recorded: patch immediately if the callee is already compiled,
	// otherwise register the site as pending until it is (spec.md §4.C).
	linkPatches := 0
	for _, rel := range em.relocations {
		siteAddr := uintptr(code) + uintptr(rel.Offset)
		calleeRIP := frame.GuestRIP(rel.Callee)
		previousValue := uintptr(binary.LittleEndian.Uint64(em.buf[rel.Offset:]))
		if calleeCode, ok := cache.Find(calleeRIP); ok && write != nil {
			links.Patch(siteAddr, calleeRIP, calleeCode, previousValue, write)
			cache.RegisterLink(calleeRIP, lookupcache.UndoThunk{PatchAddress: siteAddr, OriginalValue: previousValue})
			linkPatches++
		} else if write != nil {
			links.RegisterPending(siteAddr, calleeRIP, previousValue)
		}
	}
	// This block may itself be the callee other, already-compiled blocks
	// are still waiting to link to.
	if write != nil {
		for _, rec := range links.LinkPending(entryRIP, code, write) {
			cache.RegisterLink(rec.CalleeGuestRIP, rec.Undo)
			linkPatches++
		}
	}

	log.WithField("rip", entryRIP).Debug("emitter: compiled block")
	return code, linkPatches, nil
}

func encodeTrailer(t BlockTrailer) []byte {
	b := make([]byte, 8+4+4+4)
	binary.LittleEndian.PutUint64(b[0:8], t.GuestRIP)
	binary.LittleEndian.PutUint32(b[8:12], uint32(t.Size))
	binary.LittleEndian.PutUint32(b[12:16], uint32(t.RIPMapOffset))
	binary.LittleEndian.PutUint32(b[16:20], uint32(t.RIPMapEntries))
	return b
}

// unsafeReadBytes views n bytes of live installed code memory starting at
// addr, the same "read through the real mapping" approach lookupcache and
// dispatch use elsewhere for already-JITted blocks.
func unsafeReadBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// decodeTrailer is encodeTrailer's inverse.
func decodeTrailer(b []byte) BlockTrailer {
	return BlockTrailer{
		GuestRIP:      binary.LittleEndian.Uint64(b[0:8]),
		Size:          int32(binary.LittleEndian.Uint32(b[8:12])),
		RIPMapOffset:  int32(binary.LittleEndian.Uint32(b[12:16])),
		RIPMapEntries: int32(binary.LittleEndian.Uint32(b[16:20])),
	}
}

// ReconstructGuestRIP maps a host PC inside an already-installed block back
// to the guest RIP whose translation produced the code at that address
// (spec.md §8 property 5). blockBase is the block's code address as
// returned by Compile/codebuf; hostPC must lie within [blockBase,
// blockBase+blockSize). It follows the header's back-offset to the
// trailer, then linear-scans the trailer's RIP map for the entry with the
// greatest HostOffset <= hostPC-blockBase, the same "last instruction
// boundary at or before the fault" rule a line-table lookup uses.
func ReconstructGuestRIP(blockBase, hostPC uintptr) (frame.GuestRIP, bool) {
	if hostPC < blockBase {
		return 0, false
	}
	hdrBytes := unsafeReadBytes(blockBase, headerSize)
	backOffset := int64(binary.LittleEndian.Uint64(hdrBytes[0:8]))
	trailerAddr := blockBase + uintptr(backOffset)
	trailer := decodeTrailer(unsafeReadBytes(trailerAddr, trailerByteSize))

	target := int32(hostPC - blockBase)
	best, found := frame.GuestRIP(trailer.GuestRIP), false
	ripMapAddr := blockBase + uintptr(trailer.RIPMapOffset)
	for i := int32(0); i < trailer.RIPMapEntries; i++ {
		entry := unsafeReadBytes(ripMapAddr+uintptr(i)*12, 12)
		rip := binary.LittleEndian.Uint64(entry[0:8])
		hostOff := int32(binary.LittleEndian.Uint32(entry[8:12]))
		if hostOff <= target {
			best, found = frame.GuestRIP(rip), true
		} else {
			break
		}
	}
	if !found {
		return frame.GuestRIP(trailer.GuestRIP), true
	}
	return best, true
}
