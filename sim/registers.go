// Package sim simulates an AVR SPI controller and the devices on its bus,
// so the drivers run on a host without hardware.
package sim

import (
	"fmt"
	"sync"

	"spiperiph/core"
)

// Register bits the simulation acts on
const (
	spcrSPIE = 1 << 7
	spcrSPE  = 1 << 6
	spsrSPIF = 1 << 7
)

// Device is a simulated SPI device
type Device interface {
	// Select is called when the device's select line becomes active
	Select()

	// Deselect is called when the select line returns to idle
	Deselect()

	// Exchange shifts one byte in and returns the byte shifted out
	Exchange(mosi byte) byte
}

type attachment struct {
	dev       Device
	port      core.Register
	pin       uint8
	activeLow bool
	selected  bool
}

// Registers is a register file with a working SPI controller.
// It is safe for concurrent use.
type Registers struct {
	mu      sync.Mutex
	cfg     core.SPIConfig
	mem     map[core.Register]uint8
	devices []*attachment
	idle    byte // MISO level with no device selected
	log     []Access
	logging bool
}

// Access is one logged register operation
type Access struct {
	Store bool
	Reg   core.Register
	Value uint8
}

func (a Access) String() string {
	if a.Store {
		return fmt.Sprintf("store(0x%02x, 0x%02x)", uint(a.Reg), a.Value)
	}
	return fmt.Sprintf("load(0x%02x) = 0x%02x", uint(a.Reg), a.Value)
}

var _ core.Registers = (*Registers)(nil)

// NewRegisters creates a register file for an SPI controller laid out as cfg.
// All registers read zero until written.
func NewRegisters(cfg core.SPIConfig) *Registers {
	return &Registers{
		cfg:  cfg,
		mem:  make(map[core.Register]uint8),
		idle: 0xFF,
	}
}

// Attach connects dev to the bus. Its select line is bit pin of the port
// data register; activeLow tells which level selects it.
func (r *Registers) Attach(dev Device, port core.Register, pin uint8, activeLow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &attachment{dev: dev, port: port, pin: pin, activeLow: activeLow}
	r.devices = append(r.devices, a)
	r.updateSelect(a)
}

// AttachSlave connects dev using the select line described by s
func (r *Registers) AttachSlave(dev Device, s *core.SPISlave) {
	r.Attach(dev, s.DataRegister, s.SelectPin, s.IdleSignal == core.IdleHigh)
}

// SetLogging turns the access log on or off
func (r *Registers) SetLogging(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logging = on
}

// Log returns the logged accesses and clears the log
func (r *Registers) Log() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.log
	r.log = nil
	return log
}

// Peek returns a register without side effects
func (r *Registers) Peek(reg core.Register) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem[reg]
}

// Load implements core.Registers. Loading the data register clears SPIF.
func (r *Registers) Load(reg core.Register) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.mem[reg]
	if reg == r.cfg.DataRegister {
		r.mem[r.cfg.StatusRegister] &^= spsrSPIF
	}
	if r.logging {
		r.log = append(r.log, Access{Reg: reg, Value: v})
	}
	return v, nil
}

// Store implements core.Registers. Storing the data register while the
// controller is enabled shifts a byte through every selected device and
// completes at once.
func (r *Registers) Store(reg core.Register, v uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logging {
		r.log = append(r.log, Access{Store: true, Reg: reg, Value: v})
	}

	switch reg {
	case r.cfg.DataRegister:
		if r.mem[r.cfg.ControlRegister]&spcrSPE == 0 {
			r.mem[reg] = v
			return nil
		}
		r.mem[reg] = r.shift(v)
		r.mem[r.cfg.StatusRegister] |= spsrSPIF
	case r.cfg.StatusRegister:
		// SPIF and WCOL are read-only
		r.mem[reg] = r.mem[reg]&0xC0 | v&^0xC0
	default:
		r.mem[reg] = v
		for _, a := range r.devices {
			if a.port == reg {
				r.updateSelect(a)
			}
		}
	}
	return nil
}

// shift exchanges mosi with the selected devices. Several selected devices
// drive MISO together; the line reads as the AND of their outputs.
func (r *Registers) shift(mosi byte) byte {
	miso := r.idle
	for _, a := range r.devices {
		if a.selected {
			miso &= a.dev.Exchange(mosi)
		}
	}
	return miso
}

func (r *Registers) updateSelect(a *attachment) {
	high := r.mem[a.port]&(1<<a.pin) != 0
	active := high != a.activeLow
	switch {
	case active && !a.selected:
		a.selected = true
		a.dev.Select()
	case !active && a.selected:
		a.selected = false
		a.dev.Deselect()
	}
}

// InterruptPending reports whether the transfer-complete interrupt is
// enabled and flagged
func (r *Registers) InterruptPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem[r.cfg.ControlRegister]&spcrSPIE != 0 &&
		r.mem[r.cfg.StatusRegister]&spsrSPIF != 0
}

// RunInterrupts calls handle while the transfer-complete interrupt is
// pending, at most limit times, and returns the number of calls.
func (r *Registers) RunInterrupts(handle func(), limit int) int {
	n := 0
	for n < limit && r.InterruptPending() {
		handle()
		n++
	}
	return n
}
