package dispatch

import "github.com/FEX-Emu/FEX-sub010/internal/frame"

// Run drives one thread through the ENTER/LOOP/EXIT_FROM_BLOCK cycle
// (spec.md §4.D) until something calls Stop on the Anchor Run installs:
// invoke runs one compiled block and reports back via ExitSignal, and
// Run performs the find-or-compile step (the LOOP state) itself, in Go,
// between calls — see invoke.go for why chaining happens here rather
// than inside native code.
//
// Run returns the StopReason the thread stopped for and any error that
// caused a stop (a compile failure always stops the thread; ordinary
// ExitLoop iterations never produce one).
func (d *Dispatcher) Run(thread *frame.CpuStateFrame, entryRIP frame.GuestRIP, invoke Invoke) (StopReason, error) {
	anchor := NewAnchor()
	var runErr error

	reason, stopped := anchor.Wait(func() {
		rip := entryRIP
		for {
			code, err := d.findOrCompile(thread, rip)
			if err != nil {
				runErr = err
				anchor.Stop(StopThread)
			}

			switch invoke(thread, code) {
			case ExitLoop:
				rip = thread.RIP
			case ExitThreadStopSignal:
				anchor.Stop(StopThread)
			case ExitCallbackReturnSignal:
				anchor.Stop(StopCallback)
			default:
				return
			}
		}
	})
	if !stopped {
		// body() returned instead of calling Stop: only possible if invoke
		// returned an ExitSignal value this switch doesn't recognize,
		// which is a host bug rather than a normal stop.
		return StopThread, nil
	}
	return reason, runErr
}
