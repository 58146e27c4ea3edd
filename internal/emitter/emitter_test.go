package emitter

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FEX-Emu/FEX-sub010/internal/blocklink"
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/lookupcache"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// noopBackend satisfies Backend with fixed, minimal byte sequences so
// tests can reason about exact offsets without depending on either
// concrete ISA backend.
type noopBackend struct{}

func (noopBackend) Prologue(em *Context, _ regoracle.Allocation) { em.EmitBytes([]byte{0xaa}) }
func (noopBackend) Epilogue(em *Context)                         { em.EmitBytes([]byte{0xbb}) }
func (noopBackend) EmitGDBPauseCheck(em *Context)                { em.EmitBytes([]byte{0xcc}) }
func (noopBackend) FlushAssembler(*Context)                      {}

type fixedAllocation struct{}

func (fixedAllocation) Location(ir.NodeID, regoracle.Width) regoracle.Location { return regoracle.Location{} }
func (fixedAllocation) SpillSlots() int                                        { return 0 }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func singleMovRetBlock(entry frame.GuestRIP) *ir.Block {
	return &ir.Block{
		EntryRIP: entry,
		Nodes: []ir.Node{
			{ID: 0, Op: ir.OpMov, Header: ir.Header{Size: 4}},
			{ID: 1, Op: ir.OpRet},
		},
	}
}

func newTable() *irdispatch.Table {
	table := irdispatch.NewTable(func(em irdispatch.Emitter, node *ir.Node) error {
		return &errs.UnsupportedOpError{Op: node.Op.String(), Size: node.Header.Size}
	})
	table.Register(ir.OpMov, func(em irdispatch.Emitter, node *ir.Node) error {
		em.EmitBytes([]byte{0x01})
		return nil
	})
	table.Register(ir.OpRet, func(em irdispatch.Emitter, node *ir.Node) error {
		em.EmitBytes([]byte{0xc3})
		return nil
	})
	return table
}

func TestCompileInstallsBlockAndWritesTrailer(t *testing.T) {
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newTable()

	const entry frame.GuestRIP = 0x401000
	code, _, err := Compile(cb, cache, links, table, noopBackend{}, entry, singleMovRetBlock(entry), fixedAllocation{}, nil, nil, nil)
	require.NoError(t, err)
	assert.NotZero(t, code)

	found, ok := cache.Find(entry)
	require.True(t, ok)
	assert.Equal(t, code, found)
}

func TestCompileReturnsOutOfCodeSpaceWhenBufferTooSmall(t *testing.T) {
	cb, err := codebuf.Acquire(8, testLogger()) // far smaller than the ~16B/node + header estimate
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newTable()

	_, _, err = Compile(cb, cache, links, table, noopBackend{}, 0x1000, singleMovRetBlock(0x1000), fixedAllocation{}, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrOutOfCodeSpace)
}

func TestCompilePropagatesUnsupportedOpError(t *testing.T) {
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newTable() // OpJump is never registered here

	block := &ir.Block{
		EntryRIP: 0x2000,
		Nodes:    []ir.Node{{Op: ir.OpJump}},
	}
	_, _, err = Compile(cb, cache, links, table, noopBackend{}, 0x2000, block, fixedAllocation{}, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnsupportedOp)
}

func TestDebugSinkReceivesEmittedBytes(t *testing.T) {
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newTable()

	var gotHeader BlockHeader
	var gotBytes []byte
	sink := recordingSink(func(hdr BlockHeader, b []byte) {
		gotHeader = hdr
		gotBytes = b
	})

	const entry frame.GuestRIP = 0x3000
	_, _, err = Compile(cb, cache, links, table, noopBackend{}, entry, singleMovRetBlock(entry), fixedAllocation{}, nil, sink, nil)
	require.NoError(t, err)

	require.NotEmpty(t, gotBytes)
	trailerStart := int(gotHeader.BackOffsetToTrailer)
	assert.Equal(t, entry, frame.GuestRIP(binary.LittleEndian.Uint64(gotBytes[trailerStart:])))
}

type recordingSink func(BlockHeader, []byte)

func (f recordingSink) EmittedBlock(hdr BlockHeader, b []byte) { f(hdr, b) }

// newCallTable is newTable plus an OpCall handler that emits a patchable
// 6-byte call prefix followed by an 8-byte target word, initialised to a
// recognisable placeholder and recorded as a relocation — a minimal stand-in
// for backend/amd64's emitPatchableCallSlot/backend/arm64's
// emitPatchableLiteralCall, enough to drive Compile's own relocation
// resolution without depending on a concrete ISA backend.
const placeholderExitLinker = uint64(0xDEADBEEF)

func newCallTable() *irdispatch.Table {
	table := newTable()
	table.Register(ir.OpCall, func(em irdispatch.Emitter, node *ir.Node) error {
		ctx := em.(*Context)
		ctx.EmitBytes([]byte{0xFF, 0x15, 0, 0, 0, 0})
		off := ctx.Offset()
		ctx.EmitBytes(make([]byte, 8))
		binary.LittleEndian.PutUint64(ctx.buf[off:], placeholderExitLinker)
		ctx.RecordRelocation(off, uint64(node.TargetRIP))
		return nil
	})
	return table
}

func callBlock(entry, targetRIP frame.GuestRIP) *ir.Block {
	return &ir.Block{
		EntryRIP: entry,
		Nodes: []ir.Node{
			{ID: 0, Op: ir.OpCall, TargetRIP: targetRIP},
			{ID: 1, Op: ir.OpRet},
		},
	}
}

// rawWrite is the test's stand-in for package dispatch's patchWrite: a
// direct store into the mmap'd code buffer's live memory.
func rawWrite(addr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}

// readCodeBytes reads back [start,end) of cb's live memory for assertions
// that a relocation site was actually patched.
func readCodeBytes(cb *codebuf.CodeBuffer, start, end int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(cb.Base()+uintptr(start))), end-start)
}

func TestCompileLinksRelocationImmediatelyWhenCalleeAlreadyCompiled(t *testing.T) {
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newCallTable()

	const calleeRIP frame.GuestRIP = 0x5000
	calleeCode, _, err := Compile(cb, cache, links, table, noopBackend{}, calleeRIP, singleMovRetBlock(calleeRIP), fixedAllocation{}, rawWrite, nil, nil)
	require.NoError(t, err)

	callerStart := cb.Cursor()
	const callerRIP frame.GuestRIP = 0x6000
	_, linkPatches, err := Compile(cb, cache, links, table, noopBackend{}, callerRIP, callBlock(callerRIP, calleeRIP), fixedAllocation{}, rawWrite, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, linkPatches, "callee was already compiled: the site should be patched immediately")

	raw := readCodeBytes(cb, callerStart, cb.Cursor())
	want := make([]byte, 8)
	binary.LittleEndian.PutUint64(want, uint64(calleeCode))
	assert.True(t, bytes.Contains(raw, want), "expected the callee's real host address to appear in the caller's emitted code")
	assert.False(t, bytes.Contains(raw, []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0}), "placeholder exit-linker value should have been overwritten")
}

func TestCompileRegistersPendingRelocationAndLinksOnceCalleeCompiles(t *testing.T) {
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	defer cb.Release()

	f := &frame.CpuStateFrame{}
	cache := lookupcache.New(f)
	links := blocklink.New()
	table := newCallTable()

	const calleeRIP frame.GuestRIP = 0x7000
	const callerRIP frame.GuestRIP = 0x8000

	callerStart := cb.Cursor()
	_, linkPatches, err := Compile(cb, cache, links, table, noopBackend{}, callerRIP, callBlock(callerRIP, calleeRIP), fixedAllocation{}, rawWrite, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, linkPatches, "callee isn't compiled yet: the site should only be registered as pending")
	callerEnd := cb.Cursor()

	raw := readCodeBytes(cb, callerStart, callerEnd)
	placeholder := make([]byte, 8)
	binary.LittleEndian.PutUint64(placeholder, placeholderExitLinker)
	assert.True(t, bytes.Contains(raw, placeholder), "unlinked site should still hold the exit-linker placeholder")

	calleeCode, linkPatches2, err := Compile(cb, cache, links, table, noopBackend{}, calleeRIP, singleMovRetBlock(calleeRIP), fixedAllocation{}, rawWrite, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, linkPatches2, "compiling the callee should drain the caller's pending site")

	raw = readCodeBytes(cb, callerStart, callerEnd)
	want := make([]byte, 8)
	binary.LittleEndian.PutUint64(want, uint64(calleeCode))
	assert.True(t, bytes.Contains(raw, want), "expected the pending site to be patched once its callee compiled")
}
