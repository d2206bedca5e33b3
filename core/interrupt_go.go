//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// cpu serialises critical sections. Goroutines are preemptive and may run on
// several cores, so masking interrupts is replaced by a real lock here.
var cpu sync.Mutex

// disableInterrupts enters a critical section. Critical sections do not nest.
func disableInterrupts() State {
	cpu.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	cpu.Unlock()
}

// critical is one driver's critical section. Each driver gets its own lock
// here, so a driver whose registers sit behind a slow link stalls only
// itself and not every other user of cpu.
type critical struct {
	mu sync.Mutex
}

func (c *critical) enter() State {
	c.mu.Lock()
	return 0
}

func (c *critical) exit(State) {
	c.mu.Unlock()
}

// inInterrupt reports whether the caller runs in interrupt context.
// Regular Go has none; drivers track their own handler depth instead.
func inInterrupt() bool {
	return false
}
