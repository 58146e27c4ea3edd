package dispatch

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
)

// SignalCallback is the embedder-supplied handler for every synchronous
// condition the signal adapter classifies before handing control back to
// the dispatcher (spec.md §4.D "classified synchronous guest fault",
// §7). Package dispatch never installs a sigaction itself — that is the
// embedder's platform glue, same as the native call boundary discussed
// in invoke.go — but it defines the shape every handler must have so
// core.Runtime can wire one consistently across backends.
type SignalCallback interface {
	// HandleSIGILL is invoked when the host PC at fault falls inside a
	// block's UnimplementedOpHandler slot (an op the backend recognized
	// but declined, per errs.UnsupportedOpError) rather than on a genuine
	// guest UD2. handled reports whether the guest-visible state was
	// updated such that resuming makes sense; false means the thread
	// should stop.
	HandleSIGILL(thread *frame.CpuStateFrame, hostPC uintptr) (handled bool)

	// HandlePause is invoked when the GDB-pause prologue check (spec.md
	// §4.D) observes the running-mode word set (nonzero). It
	// blocks until told to resume.
	HandlePause(thread *frame.CpuStateFrame)

	// HandleGuestSignal is invoked for every other synchronous fault the
	// signal adapter classifies (SIGSEGV, a genuine guest SIGILL/SIGTRAP)
	// and must decide whether to forward it into the guest's own
	// registered signal entry (spec.md §6 "pre-registered guest-signal
	// entry") or treat it as fatal.
	HandleGuestSignal(thread *frame.CpuStateFrame, signo int, info *unix.Siginfo, uctx unsafe.Pointer) (handled bool)
}

// ClassifyFault builds the errs.GuestFaultError the rest of this module's
// error taxonomy expects from a raw siginfo, filling in the guest RIP
// (spec.md §6 FaultScratch). hostPC is the PC the signal actually
// interrupted; when it falls inside a block this Dispatcher compiled, the
// block's RIP map (spec.md §8 property 5) reconstructs the precise guest
// instruction that faulted, which can differ from thread.RIP once a block
// decodes more than one guest instruction before its first control
// transfer. thread.RIP is the fallback for faults outside any known span
// (e.g. a fault before the first block ever compiles).
func (d *Dispatcher) ClassifyFault(thread *frame.CpuStateFrame, hostPC uintptr, kind errs.GuestFaultKind, addr uintptr) *errs.GuestFaultError {
	rip := thread.RIP
	if reconstructed, ok := d.ReconstructRIP(hostPC); ok {
		rip = reconstructed
	}
	thread.Fault = frame.FaultScratch{
		FaultingRIP: rip,
		FaultKind:   uint32(kind),
		FaultAddr:   addr,
	}
	return &errs.GuestFaultError{RIP: rip, Kind: kind, Addr: addr}
}
