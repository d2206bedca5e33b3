//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts disables interrupts and returns the previous state
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

// restoreInterrupts restores the interrupt state
func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}

// critical is one driver's critical section: interrupts are disabled
type critical struct{}

func (*critical) enter() interrupt.State {
	return interrupt.Disable()
}

func (*critical) exit(state interrupt.State) {
	interrupt.Restore(state)
}

// inInterrupt reports whether the caller runs in interrupt context
func inInterrupt() bool {
	return interrupt.In()
}
