// Package blocklink implements the block-link registry (spec.md §4.C): the
// two operations the dispatcher exit-linker trampoline performs when an
// emitted block takes a direct inter-block branch — Resolve the callee's
// host entry (compiling it if necessary) and Patch the caller's branch
// target slot so later executions skip the linker. Grounded on the
// teacher's block-link-shaped concept of patching a call site once and
// recording how to undo it (spec.md §3 BlockLink record / Design Note §9
// "formalise as the block-link registry with explicit record objects").
package blocklink

import (
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/lookupcache"
)

// Resolver looks up or compiles the callee's host entry; package dispatch
// supplies the concrete implementation (find-then-compile), keeping
// blocklink itself free of any dependency on the emitter.
type Resolver interface {
	ResolveOrCompile(rip frame.GuestRIP) (codebuf.HostCode, error)
}

// Record is (CallerPatchAddress, CalleeGuestRIP, UndoThunk) per spec.md §3.
type Record struct {
	CallerPatchAddress uintptr
	CalleeGuestRIP     frame.GuestRIP
	Undo               lookupcache.UndoThunk
}

// Registry tracks every back-patchable call site for one thread so they
// can be undone on code-cache clear. It is single-owner-thread like
// lookupcache.Cache.
type Registry struct {
	byCallee map[frame.GuestRIP][]Record
	// resolved remembers (callerSlot, calleeRIP) pairs already linked, so
	// the "first thread to resolve wins, later callers observe the
	// patched state" tie-break (spec.md §4.C) degenerates, per-thread, to
	// "link each site at most once" (testable property 4).
	resolved map[uintptr]frame.GuestRIP
	// pending holds sites whose callee hadn't been compiled yet at the
	// time the branch emitting them was itself compiled (spec.md §4.C:
	// "later callers observe the patched state" implies earlier callers
	// may not). LinkPending drains these once the callee finally compiles.
	pending map[frame.GuestRIP][]pendingSite
}

// pendingSite is one not-yet-linkable call/branch slot recorded by
// RegisterPending: the patchable word's address plus the value it holds
// right now (the exit linker's address), so a later Patch can still supply
// the right previousValue for an undo thunk.
type pendingSite struct {
	siteAddr      uintptr
	unlinkedValue uintptr
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byCallee: make(map[frame.GuestRIP][]Record),
		resolved: make(map[uintptr]frame.GuestRIP),
		pending:  make(map[frame.GuestRIP][]pendingSite),
	}
}

// AlreadyLinked reports whether siteAddr has already been patched for
// calleeRIP, so the exit-linker trampoline can skip straight to the direct
// branch without re-entering Resolve.
func (r *Registry) AlreadyLinked(siteAddr uintptr, calleeRIP frame.GuestRIP) bool {
	return r.resolved[siteAddr] == calleeRIP
}

// Resolve asks res for calleeRIP's host entry, compiling it on first use.
func (r *Registry) Resolve(res Resolver, calleeRIP frame.GuestRIP) (codebuf.HostCode, error) {
	return res.ResolveOrCompile(calleeRIP)
}

// Patch overwrites the caller's branch target slot with callee's host
// entry and records the undo. write performs the actual store;
// previousValue is the value that used to be at siteAddr (the exit-linker's
// own address in the unlinked state), kept so Undo can restore it later.
func (r *Registry) Patch(siteAddr uintptr, calleeRIP frame.GuestRIP, callee codebuf.HostCode, previousValue uintptr, write func(addr, value uintptr)) {
	write(siteAddr, uintptr(callee))
	r.resolved[siteAddr] = calleeRIP
	rec := Record{
		CallerPatchAddress: siteAddr,
		CalleeGuestRIP:     calleeRIP,
		Undo: lookupcache.UndoThunk{
			PatchAddress:  siteAddr,
			OriginalValue: previousValue,
		},
	}
	r.byCallee[calleeRIP] = append(r.byCallee[calleeRIP], rec)
}

// RegisterPending remembers siteAddr as a call/branch slot whose callee
// (calleeRIP) was not yet compiled when the block holding siteAddr was
// emitted. unlinkedValue is whatever the slot currently holds (the
// exit-linker's address) — LinkPending needs it to build the undo thunk
// once the callee finally compiles.
func (r *Registry) RegisterPending(siteAddr uintptr, calleeRIP frame.GuestRIP, unlinkedValue uintptr) {
	r.pending[calleeRIP] = append(r.pending[calleeRIP], pendingSite{siteAddr: siteAddr, unlinkedValue: unlinkedValue})
}

// LinkPending patches every site previously registered against calleeRIP
// now that callee has actually compiled (spec.md §4.C "Patch the caller's
// branch target slot"), returning the Records created so the caller can
// feed their undo thunks into lookupcache.Cache.RegisterLink. Sites are
// forgotten from pending once linked, mirroring AlreadyLinked's per-site
// idempotency for the immediate-patch path.
func (r *Registry) LinkPending(calleeRIP frame.GuestRIP, callee codebuf.HostCode, write func(addr, value uintptr)) []Record {
	sites := r.pending[calleeRIP]
	if len(sites) == 0 {
		return nil
	}
	delete(r.pending, calleeRIP)
	recs := make([]Record, 0, len(sites))
	for _, s := range sites {
		r.Patch(s.siteAddr, calleeRIP, callee, s.unlinkedValue, write)
		recs = append(recs, r.byCallee[calleeRIP][len(r.byCallee[calleeRIP])-1])
	}
	return recs
}

// UndoAll returns every undo thunk recorded for calleeRIP and forgets
// them; used when calleeRIP's own code buffer is retired (spec.md §3
// BlockLink lifecycle: "destroyed when either party's code buffer is
// cleared").
func (r *Registry) UndoAll(calleeRIP frame.GuestRIP) []lookupcache.UndoThunk {
	recs := r.byCallee[calleeRIP]
	delete(r.byCallee, calleeRIP)
	undos := make([]lookupcache.UndoThunk, len(recs))
	for i, rec := range recs {
		undos[i] = rec.Undo
		delete(r.resolved, rec.CallerPatchAddress)
	}
	return undos
}

// Clear forgets every record without applying their undo thunks itself —
// the caller (lookupcache.Cache.Clear) is the one source of truth for
// "apply every registered undo", since a full cache clear already walks
// its own links map. Package dispatch calls Registry.Clear right after
// lookupcache.Cache.Clear on a recoverable-compile retry, discarding the
// returned thunks; it is also usable standalone (e.g. tests).
func (r *Registry) Clear() []lookupcache.UndoThunk {
	var all []lookupcache.UndoThunk
	for callee := range r.byCallee {
		all = append(all, r.UndoAll(callee)...)
	}
	// Pending sites reference call-slot addresses inside the code buffer
	// that is about to be reopened/overwritten by the same retry that
	// triggered this Clear, and their callees may be recompiled at
	// different host addresses; neither is safe to link against later.
	r.pending = make(map[frame.GuestRIP][]pendingSite)
	return all
}
