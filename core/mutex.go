package core

// Mutex is a binary bus lock keyed by the device that holds it.
// Lock never waits: contention is reported as ErrBusy and retry policy
// belongs to the caller.
//
// The zero value is unlocked.
type Mutex struct {
	owner  Peripheral
	locked bool
}

// Lock takes the bus for p. It fails with ErrBusy while any device,
// p included, holds it.
func (m *Mutex) Lock(p Peripheral) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if m.locked {
		return ErrBusy
	}
	m.owner = p
	m.locked = true
	return nil
}

// Unlock releases the bus. Only the current holder may release it.
func (m *Mutex) Unlock(p Peripheral) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if !m.locked || m.owner != p {
		return ErrLockMismatch
	}
	m.owner = nil
	m.locked = false
	return nil
}

// Owner returns the device holding the bus, or nil.
func (m *Mutex) Owner() Peripheral {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	return m.owner
}

// Holds reports whether p owns the lock.
func (m *Mutex) Holds(p Peripheral) bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	return m.holds(p)
}

// holds reports whether p owns the lock. Callers must be inside a critical section.
func (m *Mutex) holds(p Peripheral) bool {
	return m.locked && m.owner == p
}
