// Package lookupcache implements the per-thread RIP→host-code lookup cache
// (spec.md §3 LookupCacheEntry, §4.B). It is always owned by exactly one
// thread, so Find is lock-free and Install/Clear need no synchronization —
// mirrored off the teacher's per-thread callEngine/moduleEngine split
// (internal/engine/wazevo/call_engine.go), where everything reachable from
// one callEngine is single-owner by construction.
package lookupcache

import (
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
)

// UndoThunk restores a patched call site to its initial (unlinked) state
// (spec.md §3 BlockLink record). Stored as a small struct rather than a
// closure so records can be enumerated and cleared deterministically
// (Design Note §9).
type UndoThunk struct {
	PatchAddress  uintptr
	OriginalValue uintptr
}

// Apply writes OriginalValue back into PatchAddress.
func (u UndoThunk) Apply(write func(addr uintptr, value uintptr)) {
	write(u.PatchAddress, u.OriginalValue)
}

// Cache is the two-tier per-thread lookup cache: a direct-mapped L1 backed
// by frame.CpuStateFrame.L1, plus an authoritative secondary map.
type Cache struct {
	l1         *[frame.L1Entries]frame.L1Slot
	secondary  map[frame.GuestRIP]codebuf.HostCode
	links      map[frame.GuestRIP][]UndoThunk
	generation uint64
}

// New builds a Cache backed by the L1 storage embedded in f so emitted
// code can index the same memory the Go side writes (§3 "per-thread L1
// base" in CommonPointers).
func New(f *frame.CpuStateFrame) *Cache {
	return &Cache{
		l1:        &f.L1,
		secondary: make(map[frame.GuestRIP]codebuf.HostCode),
		links:     make(map[frame.GuestRIP][]UndoThunk),
	}
}

// generationToken is returned by Generation and passed to FindChecked so the caller can
// detect a Clear() that raced between Find and use (the CacheCleared
// error condition of spec.md §4.B).
type generationToken = uint64

// Generation returns the cache's current clear-generation counter.
func (c *Cache) Generation() generationToken { return c.generation }

// Find consults L1 by direct index; on a key match it returns the stored
// code, otherwise it searches the secondary map and, on a secondary hit,
// refills L1 (spec.md §4.B).
func (c *Cache) Find(rip frame.GuestRIP) (codebuf.HostCode, bool) {
	idx := int(rip) & (frame.L1Entries - 1)
	slot := &c.l1[idx]
	if slot.RIP == rip && rip != 0 {
		return codebuf.HostCode(slot.Code), true
	}
	code, ok := c.secondary[rip]
	if !ok {
		return 0, false
	}
	slot.RIP = rip
	slot.Code = uintptr(code)
	return code, true
}

// FindChecked is Find plus the generation check: it returns
// CacheClearedError if gen no longer matches the cache's current
// generation, meaning the buffer backing a previously-returned HostCode
// may already have been retired (spec.md §4.B).
func (c *Cache) FindChecked(rip frame.GuestRIP, gen generationToken) (codebuf.HostCode, bool, error) {
	if gen != c.generation {
		return 0, false, &errs.CacheClearedError{RIP: rip}
	}
	code, ok := c.Find(rip)
	return code, ok, nil
}

// Install writes both tiers. Called only under the signal-safe compile
// critical section (package dispatch), so it never races with itself on
// the same thread (spec.md §4.B guarantee).
func (c *Cache) Install(rip frame.GuestRIP, code codebuf.HostCode) {
	idx := int(rip) & (frame.L1Entries - 1)
	c.l1[idx] = frame.L1Slot{RIP: rip, Code: uintptr(code)}
	c.secondary[rip] = code
}

// RegisterLink appends an undo thunk keyed by the callee rip, run by a
// future Clear (spec.md §4.B).
func (c *Cache) RegisterLink(rip frame.GuestRIP, undo UndoThunk) {
	c.links[rip] = append(c.links[rip], undo)
}

// Clear empties both tiers and runs every undo thunk, restoring patched
// call sites to point at the exit-linker (spec.md §4.B, testable property
// 3: "no block-link slot points at a freed code buffer"). write performs
// the actual store into emitted code (kept as a parameter so this package
// never needs unsafe pointer arithmetic of its own).
func (c *Cache) Clear(write func(addr uintptr, value uintptr)) {
	for i := range c.l1 {
		c.l1[i] = frame.L1Slot{}
	}
	for _, thunks := range c.links {
		for _, u := range thunks {
			u.Apply(write)
		}
	}
	c.secondary = make(map[frame.GuestRIP]codebuf.HostCode)
	c.links = make(map[frame.GuestRIP][]UndoThunk)
	c.generation++
}
