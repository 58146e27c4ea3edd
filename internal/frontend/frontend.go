// Package frontend declares the external decoder/optimiser/register-
// allocator interface this module only ever calls, never implements for
// non-test code (spec.md §6 "Frontend → Core"). Housed separately from
// package ir because its return type references regoracle.Allocation,
// and regoracle already imports ir.
package frontend

import (
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// Frontend compiles one guest block starting at rip, returning both the
// IR and the RA oracle's allocation for it. package fekefrontend supplies
// a deterministic fake implementation used only by this module's own
// tests (spec.md §6).
type Frontend interface {
	CompileBlock(f *frame.CpuStateFrame, rip frame.GuestRIP) (*ir.Block, regoracle.Allocation, error)
}
