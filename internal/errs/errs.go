// Package errs implements the error-kind taxonomy of spec.md §7. Only
// OutOfCodeSpaceError and CacheClearedError are ever recovered locally;
// every other kind surfaces as thread/process termination carrying the
// guest RIP and IR-op name, following the sentinel-error-plus-structured-
// wrapper idiom the teacher uses for its own runtime errors
// (internal/wasmruntime: package-level Err* sentinels compared with
// errors.Is, wrapped with fmt.Errorf for the caller-visible detail).
package errs

import (
	"errors"
	"fmt"

	"github.com/FEX-Emu/FEX-sub010/internal/frame"
)

// Sentinels usable with errors.Is, matching each §7 error kind.
var (
	ErrUnsupportedOp  = errors.New("backend cannot lower this op")
	ErrOutOfCodeSpace = errors.New("code buffer exhausted")
	ErrCacheCleared   = errors.New("lookup cache cleared since last find")
	ErrGuestFault     = errors.New("classified synchronous guest fault")
	ErrHostBug        = errors.New("JIT internal assertion failed")
)

// UnsupportedOpError aborts the thread after logging (§7).
type UnsupportedOpError struct {
	RIP  frame.GuestRIP
	Op   string
	Size uint8
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("unsupported op %s (size=%d) at rip=%#x", e.Op, e.Size, e.RIP)
}

func (e *UnsupportedOpError) Unwrap() error { return ErrUnsupportedOp }

// OutOfCodeSpaceError is handled locally: the caller clears the cache and
// re-emits. It never surfaces beyond package dispatch/emitter.
type OutOfCodeSpaceError struct {
	Requested, Available int
}

func (e *OutOfCodeSpaceError) Error() string {
	return fmt.Sprintf("out of code space: requested %d, available %d", e.Requested, e.Available)
}

func (e *OutOfCodeSpaceError) Unwrap() error { return ErrOutOfCodeSpace }

// CacheClearedError is a transient miss, retried once by the dispatcher.
type CacheClearedError struct {
	RIP frame.GuestRIP
}

func (e *CacheClearedError) Error() string {
	return fmt.Sprintf("cache cleared before use for rip=%#x", e.RIP)
}

func (e *CacheClearedError) Unwrap() error { return ErrCacheCleared }

// GuestFaultKind classifies the synchronous exception forwarded to the
// guest (SIGILL/SIGSEGV/SIGTRAP).
type GuestFaultKind uint8

const (
	GuestFaultIllegalInstruction GuestFaultKind = iota
	GuestFaultSegv
	GuestFaultTrap
)

// GuestFaultError carries the structured fault record written into the
// frame before jumping to the pre-registered guest-signal entry.
type GuestFaultError struct {
	RIP  frame.GuestRIP
	Kind GuestFaultKind
	Addr uintptr
}

func (e *GuestFaultError) Error() string {
	return fmt.Sprintf("guest fault kind=%d at rip=%#x addr=%#x", e.Kind, e.RIP, e.Addr)
}

func (e *GuestFaultError) Unwrap() error { return ErrGuestFault }

// HostBugError is an assertion in the JIT; the process aborts.
type HostBugError struct {
	Detail string
}

func (e *HostBugError) Error() string { return "host bug: " + e.Detail }

func (e *HostBugError) Unwrap() error { return ErrHostBug }

// Recoverable reports whether err is one of the two kinds §7 allows the
// caller to recover from locally (OutOfCodeSpace, CacheCleared).
func Recoverable(err error) bool {
	return errors.Is(err, ErrOutOfCodeSpace) || errors.Is(err, ErrCacheCleared)
}
