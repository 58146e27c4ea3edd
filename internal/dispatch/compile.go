// Package dispatch is the per-thread dispatcher (spec.md §4.D): the
// signal-safe compile critical section, the find-or-compile path LOOP
// takes on a lookup-cache miss, and the ENTER/LOOP/EXIT_FROM_BLOCK/
// THREAD_STOP/CALLBACK_RETURN state machine driven from Go via Run.
// Grounded on the teacher's callEngine (internal/engine/wazevo/
// call_engine.go), which plays the same role: own a thread's lookup
// state, compile on demand, and run an execution loop that responds to
// the exit codes emitted code reports back.
package dispatch

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/FEX-Emu/FEX-sub010/internal/backend"
	"github.com/FEX-Emu/FEX-sub010/internal/blocklink"
	"github.com/FEX-Emu/FEX-sub010/internal/codebuf"
	"github.com/FEX-Emu/FEX-sub010/internal/emitter"
	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/frontend"
	"github.com/FEX-Emu/FEX-sub010/internal/irdispatch"
	"github.com/FEX-Emu/FEX-sub010/internal/lookupcache"
)

// Dispatcher owns one thread's lookup cache, block-link registry, and
// code buffer, and drives compilation through a single backend. Like
// lookupcache.Cache and blocklink.Registry, it is single-owner-thread.
type Dispatcher struct {
	cache *lookupcache.Cache
	links *blocklink.Registry
	cb    *codebuf.CodeBuffer
	table *irdispatch.Table
	be    backend.Machine
	fe    frontend.Frontend
	log   *logrus.Logger
	sink  emitter.DebugSink

	// fullMask is every signal this thread can receive, used unmodified by
	// compileCritical for the duration of the compile step (spec.md §5,
	// Open Question: "the critical section masks the full signal set and
	// restores it unconditionally on exit, rather than trying to be
	// selective about which signals matter").
	fullMask unix.Sigset_t

	// spans records the code-buffer extent of every block this Dispatcher
	// has compiled, so a host PC observed by the signal handler (spec.md
	// §8 property 5) can be mapped back to the block that contains it and
	// then to a guest RIP via emitter.ReconstructGuestRIP. Cleared in step
	// with the cache/code buffer on a recoverable-compile retry, since the
	// old spans no longer describe anything live.
	spans []blockSpan
}

// blockSpan is one compiled block's code-buffer extent.
type blockSpan struct {
	base uintptr
	size int
}

// spanFor finds the block span containing hostPC, if any.
func (d *Dispatcher) spanFor(hostPC uintptr) (uintptr, bool) {
	for _, s := range d.spans {
		if hostPC >= s.base && hostPC < s.base+uintptr(s.size) {
			return s.base, true
		}
	}
	return 0, false
}

// ReconstructRIP maps a host PC inside code this Dispatcher has compiled
// back to the guest RIP whose translation produced it (spec.md §8 property
// 5), used by ClassifyFault instead of blindly trusting thread.RIP, which
// may lag the instruction that actually faulted when a block decodes more
// than one guest instruction.
func (d *Dispatcher) ReconstructRIP(hostPC uintptr) (frame.GuestRIP, bool) {
	base, ok := d.spanFor(hostPC)
	if !ok {
		return 0, false
	}
	return emitter.ReconstructGuestRIP(base, hostPC)
}

// New builds a Dispatcher for one thread. fullMask should already have
// every signal number the embedder delivers to JIT threads added via
// unix.SigsetAdd. sink receives every block this Dispatcher emits; pass
// emitter.NoopDebugSink to skip disassembly.
func New(cache *lookupcache.Cache, links *blocklink.Registry, cb *codebuf.CodeBuffer, table *irdispatch.Table, be backend.Machine, fe frontend.Frontend, fullMask unix.Sigset_t, sink emitter.DebugSink, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if sink == nil {
		sink = emitter.NoopDebugSink
	}
	return &Dispatcher{cache: cache, links: links, cb: cb, table: table, be: be, fe: fe, fullMask: fullMask, sink: sink, log: log}
}

// compileCritical brackets fn with the full signal mask so a signal
// arriving mid-compile never observes a half-patched block link or a
// code buffer between Finalize calls (spec.md §5, §4.A). The mask is
// always restored to its prior value, success or failure, matching the
// Open Question resolution above.
func (d *Dispatcher) compileCritical(fn func() error) error {
	var prev unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &d.fullMask, &prev); err != nil {
		return &errs.HostBugError{Detail: "pthread_sigmask(SIG_SETMASK, full): " + err.Error()}
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &prev, nil)
	return fn()
}

// ResolveOrCompile implements blocklink.Resolver: the exit-linker
// trampoline's callback for an inter-block branch whose callee hasn't
// been linked yet (spec.md §4.C).
func (d *Dispatcher) ResolveOrCompile(rip frame.GuestRIP) (codebuf.HostCode, error) {
	return d.findOrCompile(nil, rip)
}

// findOrCompile is LOOP's miss path (spec.md §4.D): consult the cache,
// and on a miss, compile under the signal-safe critical section, with
// one retry if compilation hits a recoverable error (OutOfCodeSpace,
// CacheCleared — spec.md §7) after clearing the cache.
//
// thread is nil when called through ResolveOrCompile from the block-link
// path, where a decode/IR rebuild is never needed (the callee was
// already compiled once; only its host_code is being looked up or it is
// being compiled for the first time by a different caller that already
// holds thread). A nil thread with a genuine cache miss is a host bug:
// the frontend can't be re-invoked without the guest state it reads.
func (d *Dispatcher) findOrCompile(thread *frame.CpuStateFrame, rip frame.GuestRIP) (codebuf.HostCode, error) {
	if code, ok := d.cache.Find(rip); ok {
		return code, nil
	}
	if thread == nil {
		return 0, &errs.HostBugError{Detail: "findOrCompile cache miss with no frame to recompile from"}
	}

	var code codebuf.HostCode
	err := d.compileCritical(func() error {
		block, ra, ferr := d.fe.CompileBlock(thread, rip)
		if ferr != nil {
			return ferr
		}
		for attempt := 0; attempt < 2; attempt++ {
			before := d.cb.Cursor()
			c, linkPatches, cerr := emitter.Compile(d.cb, d.cache, d.links, d.table, d.be, rip, block, ra, d.patchWrite, d.sink, d.log)
			if cerr == nil {
				code = c
				d.spans = append(d.spans, blockSpan{base: uintptr(c), size: d.cb.Cursor() - before})
				thread.Telemetry[frame.TelemetryLinkPatches] += uint64(linkPatches)
				return nil
			}
			if !errs.Recoverable(cerr) {
				return cerr
			}
			if attempt == 1 {
				break
			}
			d.log.WithError(cerr).WithField("rip", rip).Warn("dispatch: recoverable compile failure, clearing cache and retrying")
			d.cache.Clear(d.patchWrite)
			d.cb.Reopen()
			d.links.Clear()
			d.spans = nil
			thread.Telemetry[frame.TelemetryCacheClears]++
		}
		return &errs.HostBugError{Detail: "compile did not converge after one cache clear"}
	})
	if err != nil {
		return 0, err
	}
	thread.Telemetry[frame.TelemetryCompiles]++
	return code, nil
}

// patchWrite performs the actual store a block-link undo thunk (package
// lookupcache) or blocklink.Registry.Patch needs, writing directly into
// the shared executable code buffer. Kept as a method (rather than a
// package-level unsafe helper) so every caller goes through one place
// that knows the buffer is only ever written to while finalized for
// read-write access by codebuf.Reopen/Finalize.
func (d *Dispatcher) patchWrite(addr uintptr, value uintptr) {
	*(*uintptr)(unsafePointerFromAddr(addr)) = value
}

// FindOrCompile is the Go-callable target backend.DispatcherHooks names
// (spec.md §4.D: "call FindOrCompile(frame) -> host_code"). It returns 0
// (an address no block ever occupies, since codebuf.Acquire's mapping
// never starts at the zero page) on failure rather than a Go error,
// matching the raw-uintptr contract the hand-assembled stub can actually
// consume; a failure here is logged and otherwise fatal for the thread,
// per spec.md §7's HostBugError/GuestFaultError handling.
//
// Wiring this method's address into backend.DispatcherHooks.FindOrCompile
// as a directly call-able machine address is the platform glue discussed
// in invoke.go's doc comment; this method is what that glue must resolve
// to, not a replacement for it.
func (d *Dispatcher) FindOrCompile(thread *frame.CpuStateFrame) uintptr {
	code, err := d.findOrCompile(thread, thread.RIP)
	if err != nil {
		d.log.WithError(err).WithField("rip", thread.RIP).Error("dispatch: FindOrCompile failed")
		return 0
	}
	return uintptr(code)
}

// unsafePointerFromAddr converts a raw address back into a pointer. It
// exists only so patchWrite's unsafe.Pointer conversion has one named
// call site in this package rather than being inlined at the write site.
func unsafePointerFromAddr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // deliberate: addr is a live code-buffer offset, not a stale pointer
}
