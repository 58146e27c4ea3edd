package amd64

import (
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FEX-Emu/FEX-sub010/internal/blocklink"
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/dispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/fekefrontend"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/lookupcache"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func unsupportedFallback(irdispatch.Emitter, *ir.Node) error {
	return &errs.UnsupportedOpError{Op: "unregistered"}
}

// compileBlock drives a real block through emitter.Compile against a real
// Machine, the same entry point package dispatch uses in production,
// so these tests see exactly the bytes a guest block would (spec.md §8's
// S1/S5/S6 scenarios), not a hand-assembled stand-in.
func compileBlock(t *testing.T, table *irdispatch.Table, be *Machine, block *ir.Block, alloc regoracle.Allocation) codebuf.HostCode {
	t.Helper()
	cb, err := codebuf.Acquire(4096, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cb.Release() })

	cache := lookupcache.New(&frame.CpuStateFrame{})
	links := blocklink.New()

	code, _, err := emitter.Compile(cb, cache, links, table, be, block.EntryRIP, block, alloc, nil, emitter.NoopDebugSink, testLogger())
	require.NoError(t, err)
	require.NoError(t, cb.Finalize())
	return code
}

// TestMachineMovImmThenRet covers spec.md §8 scenario S1: `mov eax, 1; ret`
// must leave 1 in rax, which Go's ABIInternal reports back as
// InvokeForResult's return value.
func TestMachineMovImmThenRet(t *testing.T) {
	block := &ir.Block{
		EntryRIP: 0x1000,
		Nodes: []ir.Node{
			{ID: 0, Op: ir.OpMov, Header: ir.Header{Size: 8}, Operands: []ir.Operand{{InlineConstant: true, ConstantValue: 1}}},
			{ID: 1, Op: ir.OpRet},
		},
	}
	alloc := fekefrontend.StaticAllocation{
		Locations: map[ir.NodeID]regoracle.Location{
			0: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassGPR, Index: uint8(rax)}},
		},
	}

	be := &Machine{}
	table := irdispatch.NewTable(unsupportedFallback)
	be.Register(table)

	code := compileBlock(t, table, be, block, alloc)

	result := dispatch.InvokeForResult(&frame.CpuStateFrame{}, code)
	assert.EqualValues(t, 1, result)
}

// TestMachineCAS64 covers spec.md §8 scenario S5: LOCK CMPXCHG against a
// real host memory cell, both the matching-expected and
// stale-expected cases, checking both the returned old value and the
// cell's post-condition contents.
func TestMachineCAS64(t *testing.T) {
	cell := new(uint64)
	addr := uint64(uintptr(unsafe.Pointer(cell)))

	// Node layout: mov rcx, addr ; mov rdx, 9 (desired) ;
	// cas [rcx], expected=7, rdx -> rax ; ret.
	block := &ir.Block{
		EntryRIP: 0x2000,
		Nodes: []ir.Node{
			{ID: 0, Op: ir.OpMov, Header: ir.Header{Size: 8}, Operands: []ir.Operand{{InlineConstant: true, ConstantValue: addr}}},
			{ID: 1, Op: ir.OpMov, Header: ir.Header{Size: 8}, Operands: []ir.Operand{{InlineConstant: true, ConstantValue: 9}}},
			{ID: 2, Op: ir.OpCAS, Header: ir.Header{Size: 8}, Operands: []ir.Operand{
				{Node: 0},
				{InlineConstant: true, ConstantValue: 7},
				{Node: 1},
			}},
			{ID: 3, Op: ir.OpRet},
		},
	}
	alloc := fekefrontend.StaticAllocation{
		Locations: map[ir.NodeID]regoracle.Location{
			0: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassGPR, Index: uint8(rcx)}},
			1: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassGPR, Index: uint8(rdx)}},
			2: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassGPR, Index: uint8(rax)}},
		},
	}

	be := &Machine{}
	table := irdispatch.NewTable(unsupportedFallback)
	be.Register(table)

	code := compileBlock(t, table, be, block, alloc)

	*cell = 7
	result := dispatch.InvokeForResult(&frame.CpuStateFrame{}, code)
	assert.EqualValues(t, 7, result, "CAS must report the pre-swap value")
	assert.Equal(t, uint64(9), *cell, "matching expected must swap the cell to desired")

	*cell = 5
	result = dispatch.InvokeForResult(&frame.CpuStateFrame{}, code)
	assert.EqualValues(t, 5, result, "CAS must report the stale value on mismatch")
	assert.Equal(t, uint64(5), *cell, "mismatched expected must leave the cell untouched")
}

// testVecLoadFromFrame and testVecStoreToFrame stand in for the real
// frontend's vector load/store lowering, which this module's IR/RA
// contract doesn't otherwise exercise from a hand-built test block: they
// reuse the OpLoad/OpStore opcode slots (otherwise idle in this test's
// table) to move a 128-bit lane vector between frame.CpuStateFrame.XMMRegs
// and the xmm register the allocation assigns, the same MOVDQU shape a
// real vector load/store lowering would use. Operands[0] (load) /
// Operands[1] (store) carry the frame byte offset as an inline constant.
func testVecLoadFromFrame(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	dst := locOf(em, node.ID, regoracle.WidthVec128)
	disp := uint32(node.Operands[0].ConstantValue)
	// movdqu xmm(dst), [framePtrReg+disp] : F3 0F 6F /r
	ctx.EmitBytes([]byte{0xF3})
	emitREX(ctx, false, dst, 0, framePtrReg)
	ctx.EmitBytes([]byte{0x0F, 0x6F, modRMMemDisp32(dst, framePtrReg)})
	emitImm32(ctx, disp)
	return nil
}

func testVecStoreToFrame(em irdispatch.Emitter, node *ir.Node) error {
	ctx := em.(*emitter.Context)
	src := locOf(em, node.Operands[0].Node, regoracle.WidthVec128)
	disp := uint32(node.Operands[1].ConstantValue)
	// movdqu [framePtrReg+disp], xmm(src) : F3 0F 7F /r
	ctx.EmitBytes([]byte{0xF3})
	emitREX(ctx, false, src, 0, framePtrReg)
	ctx.EmitBytes([]byte{0x0F, 0x7F, modRMMemDisp32(src, framePtrReg)})
	emitImm32(ctx, disp)
	return nil
}

func xmmFrameOffset(i int) uint64 {
	return uint64(unsafe.Offsetof(frame.CpuStateFrame{}.XMMRegs)) + uint64(i)*16
}

func packLanes(lanes [4]uint32) [2]uint64 {
	return [2]uint64{
		uint64(lanes[0]) | uint64(lanes[1])<<32,
		uint64(lanes[2]) | uint64(lanes[3])<<32,
	}
}

func unpackLanes(v [2]uint64) [4]uint32 {
	return [4]uint32{
		uint32(v[0]), uint32(v[0] >> 32),
		uint32(v[1]), uint32(v[1] >> 32),
	}
}

// TestMachineVAdd covers spec.md §8 scenario S6: a lane-wise 32-bit PADDD
// over two 128-bit vectors staged in thread.XMMRegs, read back the same
// way.
func TestMachineVAdd(t *testing.T) {
	const (
		lhsSlot = 0
		rhsSlot = 1
		dstSlot = 2
		lhsVReg = 1
		rhsVReg = 2
	)

	block := &ir.Block{
		EntryRIP: 0x3000,
		Nodes: []ir.Node{
			{ID: 0, Op: ir.OpLoad, Operands: []ir.Operand{{InlineConstant: true, ConstantValue: xmmFrameOffset(lhsSlot)}}},
			{ID: 1, Op: ir.OpLoad, Operands: []ir.Operand{{InlineConstant: true, ConstantValue: xmmFrameOffset(rhsSlot)}}},
			{ID: 2, Op: ir.OpVAdd, Header: ir.Header{ElementSize: 4}, Operands: []ir.Operand{{Node: 0}, {Node: 1}}},
			{ID: 3, Op: ir.OpStore, Operands: []ir.Operand{{Node: 2}, {InlineConstant: true, ConstantValue: xmmFrameOffset(dstSlot)}}},
			{ID: 4, Op: ir.OpRet},
		},
	}
	// Node 2 (the VAdd) must resolve to the SAME physical register as node
	// 0 (its lhs): lowerVecAlu's destructive PADDD form assumes its own
	// destination already holds the lhs value.
	alloc := fekefrontend.StaticAllocation{
		Locations: map[ir.NodeID]regoracle.Location{
			0: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassFPR, Index: lhsVReg}},
			1: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassFPR, Index: rhsVReg}},
			2: {InReg: true, Reg: regoracle.PhysicalRegister{Class: regoracle.ClassFPR, Index: lhsVReg}},
		},
	}

	be := &Machine{}
	table := irdispatch.NewTable(unsupportedFallback)
	be.Register(table)
	table.Register(ir.OpLoad, testVecLoadFromFrame)
	table.Register(ir.OpStore, testVecStoreToFrame)

	code := compileBlock(t, table, be, block, alloc)

	thread := &frame.CpuStateFrame{}
	thread.XMMRegs[lhsSlot] = packLanes([4]uint32{1, 2, 3, 4})
	thread.XMMRegs[rhsSlot] = packLanes([4]uint32{10, 20, 30, 40})

	dispatch.InvokeForResult(thread, code)

	assert.Equal(t, [4]uint32{11, 22, 33, 44}, unpackLanes(thread.XMMRegs[dstSlot]))
}
