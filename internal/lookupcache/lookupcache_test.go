package lookupcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
)

func TestFindMissThenL1HitAfterSecondaryRefill(t *testing.T) {
	f := &frame.CpuStateFrame{}
	c := New(f)

	const rip frame.GuestRIP = 0x4000
	_, ok := c.Find(rip)
	require.False(t, ok, "fresh cache must miss")

	c.Install(rip, codebuf.HostCode(0x7f0000001000))
	// Evict the L1 copy Install wrote so the next Find must take the
	// secondary-map path and refill L1.
	f.L1[f.Index(rip)] = frame.L1Slot{}

	code, ok := c.Find(rip)
	require.True(t, ok)
	assert.Equal(t, codebuf.HostCode(0x7f0000001000), code)

	idx := f.Index(rip)
	assert.Equal(t, rip, f.L1[idx].RIP, "Find must refill L1 on a secondary hit")
}

func TestFindCheckedDetectsClearRace(t *testing.T) {
	f := &frame.CpuStateFrame{}
	c := New(f)
	const rip frame.GuestRIP = 0x5000
	c.Install(rip, codebuf.HostCode(0x1000))

	gen := c.Generation()
	c.Clear(func(uintptr, uintptr) {})

	_, _, err := c.FindChecked(rip, gen)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCacheCleared)
}

func TestClearRunsEveryUndoThunkAndBumpsGeneration(t *testing.T) {
	f := &frame.CpuStateFrame{}
	c := New(f)
	const callee frame.GuestRIP = 0x6000
	c.Install(callee, codebuf.HostCode(0x2000))

	var patched []uintptr
	c.RegisterLink(callee, UndoThunk{PatchAddress: 0x800, OriginalValue: 0x900})
	c.RegisterLink(callee, UndoThunk{PatchAddress: 0x810, OriginalValue: 0x910})

	startGen := c.Generation()
	c.Clear(func(addr, value uintptr) {
		patched = append(patched, addr)
		assert.Contains(t, []uintptr{0x900, 0x910}, value)
	})

	assert.ElementsMatch(t, []uintptr{0x800, 0x810}, patched)
	assert.Equal(t, startGen+1, c.Generation())

	_, ok := c.Find(callee)
	assert.False(t, ok, "Clear must empty both cache tiers")
}

func TestZeroRIPL1SlotNeverCountsAsADirectHit(t *testing.T) {
	f := &frame.CpuStateFrame{}
	c := New(f)
	// A zeroed L1 slot (RIP==0) is the reserved "empty" sentinel (spec.md
	// §3 invariant ii): Find must fall through to the secondary map rather
	// than ever treating slot.RIP==0 as matching a lookup for rip==0.
	const other frame.GuestRIP = frame.L1Entries // same L1 index as rip 0

	_, ok := c.Find(0)
	assert.False(t, ok, "an empty L1 slot must never match rip 0 by direct comparison")

	c.Install(other, codebuf.HostCode(0x3000))
	code, ok := c.Find(other)
	require.True(t, ok)
	assert.Equal(t, codebuf.HostCode(0x3000), code)
}
