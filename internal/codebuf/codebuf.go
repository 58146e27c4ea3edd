// Package codebuf is the code-buffer allocator (spec.md §4.A). It acquires
// RWX (or RW-then-toggle-to-RX on hosts that enforce W^X) memory pages for
// emitted code, grounded on the teacher's internal/platform MmapCodeSegment/
// MunmapCodeSegment/MprotectRX trio called from engine.go's compileModule
// and mmapExecutable helpers, reimplemented directly against
// golang.org/x/sys/unix the way gvisor's pkg/sentry/platform/systrap maps
// and reprotects subprocess memory with the same package.
package codebuf

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/FEX-Emu/FEX-sub010/internal/errs"
)

// HostCode is an opaque pointer into a CodeBuffer; valid until the owning
// buffer is retired (spec.md §3).
type HostCode uintptr

// CodeBuffer is {base, size, cursor} per spec.md §3.
type CodeBuffer struct {
	mem      []byte
	cursor   int
	execed   bool // true once Finalize has flipped the mapping to RX/RWX-executable
	log      *logrus.Logger
}

// Acquire maps size bytes of executable memory. It fails on a
// non-positive size (HostBugError) and on mmap failure (OOM), which is
// fatal for the calling thread (spec.md §4.A).
func Acquire(size int, log *logrus.Logger) (*CodeBuffer, error) {
	if size <= 0 {
		return nil, &errs.HostBugError{Detail: "codebuf.Acquire with non-positive size"}
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if runtime.GOARCH != "arm64" {
		// amd64 hosts typically permit RWX in one mapping; arm64 hosts
		// commonly enforce W^X, so we map RW here and flip to RX in
		// Finalize, mirroring the teacher's arm64-only MprotectRX call.
		prot |= unix.PROT_EXEC
	}
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codebuf: mmap %d bytes: %w", size, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithField("size", size).Debug("codebuf: acquired code buffer")
	return &CodeBuffer{mem: mem, log: log, execed: runtime.GOARCH != "arm64"}, nil
}

// Release unmaps the buffer. Every lookup entry and block link referencing
// it must already have been invalidated by the caller (package
// lookupcache/blocklink, driven from package dispatch's findOrCompile).
func (b *CodeBuffer) Release() error {
	if b.mem == nil {
		return &errs.HostBugError{Detail: "codebuf.Release called twice"}
	}
	b.log.WithField("base", fmt.Sprintf("%#x", b.Base())).Debug("codebuf: releasing code buffer")
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Base returns the buffer's base address.
func (b *CodeBuffer) Base() uintptr {
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// Cursor returns the current write offset.
func (b *CodeBuffer) Cursor() int { return b.cursor }

// Remaining reports how many bytes are left before the buffer is full.
func (b *CodeBuffer) Remaining() int { return len(b.mem) - b.cursor }

// Append copies code onto the end of the buffer and advances the cursor,
// returning the HostCode of the start of the appended region.
func (b *CodeBuffer) Append(code []byte) (HostCode, error) {
	if len(code) > b.Remaining() {
		return 0, &errs.OutOfCodeSpaceError{Requested: len(code), Available: b.Remaining()}
	}
	start := b.cursor
	copy(b.mem[start:], code)
	b.cursor += len(code)
	return HostCode(b.Base()) + HostCode(start), nil
}

// Finalize flips a RW-only mapping to RX, required before any execution
// on hosts that enforce W^X (spec.md §4.A "W^X with a toggle op").
func (b *CodeBuffer) Finalize() error {
	if b.execed {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("codebuf: mprotect RX: %w", err)
	}
	b.execed = true
	return nil
}

// Reopen flips a finalized (RX) buffer back to RW so more code can be
// appended; used by Finalize callers that append additional shared
// trampolines after the first flip. Not required on the common RWX path.
func (b *CodeBuffer) Reopen() error {
	if !b.execed || runtime.GOARCH != "arm64" {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("codebuf: mprotect RW: %w", err)
	}
	b.execed = false
	return nil
}
