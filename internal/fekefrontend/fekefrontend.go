// Package fekefrontend is a deterministic fake frontend.Frontend for this
// module's own tests (spec.md §6: "package fekefrontend supplies a
// deterministic fake implementation used only by this module's own
// tests"), grounded on the teacher's own testing pattern of hand-building
// a small ssa.Builder graph directly in _test.go files (internal/engine/
// wazevo/frontend/frontend_test.go) rather than driving the real wasm
// decoder: here, a scenario registers a fixed *ir.Block/regoracle.Allocation
// pair per guest RIP, and CompileBlock just plays it back.
package fekefrontend

import (
	"fmt"

	"github.com/FEX-Emu/FEX-sub010/internal/errs"
	"github.com/FEX-Emu/FEX-sub010/internal/frame"
	"github.com/FEX-Emu/FEX-sub010/internal/ir"
	"github.com/FEX-Emu/FEX-sub010/internal/regoracle"
)

// StaticAllocation is a fixed, test-authored regoracle.Allocation: a node
// id maps to one Location regardless of the width requested, which is all
// a hand-built scenario block ever needs.
type StaticAllocation struct {
	Locations map[ir.NodeID]regoracle.Location
	Slots     int
}

func (a StaticAllocation) Location(node ir.NodeID, _ regoracle.Width) regoracle.Location {
	return a.Locations[node]
}

func (a StaticAllocation) SpillSlots() int { return a.Slots }

// Scenario is one canned (Block, Allocation) pair returned for a single
// guest RIP.
type Scenario struct {
	Block      *ir.Block
	Allocation regoracle.Allocation
}

// Frontend plays back a fixed table of Scenarios keyed by entry RIP. A
// lookup miss reports errs.UnsupportedOpError rather than panicking, so a
// test exercising an unexpected compile path fails with a recognizable
// error instead of a crash.
type Frontend struct {
	Scenarios map[frame.GuestRIP]Scenario
}

// New builds a Frontend from a fixed scenario table.
func New(scenarios map[frame.GuestRIP]Scenario) *Frontend {
	return &Frontend{Scenarios: scenarios}
}

func (f *Frontend) CompileBlock(_ *frame.CpuStateFrame, rip frame.GuestRIP) (*ir.Block, regoracle.Allocation, error) {
	s, ok := f.Scenarios[rip]
	if !ok {
		return nil, nil, &errs.UnsupportedOpError{Op: fmt.Sprintf("fekefrontend: no scenario registered for rip %#x", rip)}
	}
	return s.Block, s.Allocation, nil
}
