package core

// Register is the address of an 8-bit hardware register.
type Register uintptr

// Registers is the platform's register access capability. Drivers never
// dereference addresses themselves, so the same driver runs against memory
// mapped I/O, a simulation or a remote bridge.
type Registers interface {
	// Load reads the register at r
	Load(r Register) (uint8, error)

	// Store writes v to the register at r
	Store(r Register, v uint8) error
}

// Poller is implemented by register backends that can spin on a register
// close to the hardware, sparing a round trip per poll.
type Poller interface {
	// WaitBits reads r until any bit of mask is set, at most spins times.
	// It returns the last value read, or ErrNoResponse.
	WaitBits(r Register, mask uint8, spins uint32) (uint8, error)
}

// modify performs a read-modify-write: bits in clear are cleared, then bits
// in set are set.
func modify(regs Registers, r Register, clear, set uint8) error {
	v, err := regs.Load(r)
	if err != nil {
		return err
	}
	return regs.Store(r, v&^clear|set)
}

// waitBits polls r until any bit of mask is set.
func waitBits(regs Registers, r Register, mask uint8, spins uint32) (uint8, error) {
	if p, ok := regs.(Poller); ok {
		return p.WaitBits(r, mask, spins)
	}
	for i := uint32(0); i < spins; i++ {
		v, err := regs.Load(r)
		if err != nil {
			return 0, err
		}
		if v&mask != 0 {
			return v, nil
		}
	}
	return 0, ErrNoResponse
}

// bit returns the mask for pin n of an 8-bit port.
func bit(n uint8) uint8 {
	return 1 << (n & 7)
}
