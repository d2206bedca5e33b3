// SPI (Serial Peripheral Interface) support
// Implements the peripheral interface on an AVR-style SPI controller
// (control, status and data register, one transfer-complete interrupt).
package core

import "unsafe"

// DataOrder selects which bit of each byte is shifted out first
type DataOrder uint8

const (
	MSBFirst DataOrder = 0
	LSBFirst DataOrder = 1
)

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

const (
	Mode0 SPIMode = 0
	Mode1 SPIMode = 1
	Mode2 SPIMode = 2
	Mode3 SPIMode = 3
)

// IdleSignal is the level of a device's select line while it is not
// selected. The line is driven to the opposite level to select it.
type IdleSignal uint8

const (
	IdleLow  IdleSignal = 0
	IdleHigh IdleSignal = 1
)

// ClockDivider divides the CPU clock down to the SPI clock.
// Pick the divider that brings the CPU clock under the device's maximum
// rate, e.g. Divider16 for a 1 MHz device on a 16 MHz MCU.
type ClockDivider uint8

const (
	Divider2   ClockDivider = 2
	Divider4   ClockDivider = 4
	Divider8   ClockDivider = 8
	Divider16  ClockDivider = 16
	Divider32  ClockDivider = 32
	Divider64  ClockDivider = 64
	Divider128 ClockDivider = 128
)

// Control register (SPCR) bits
const (
	spcrSPIE = 1 << 7 // Transfer-complete interrupt enable
	spcrSPE  = 1 << 6 // SPI enable
	spcrDORD = 1 << 5 // LSB first
	spcrMSTR = 1 << 4 // Master mode
	spcrCPOL = 1 << 3
	spcrCPHA = 1 << 2
	spcrSPR1 = 1 << 1
	spcrSPR0 = 1 << 0

	spcrDeviceMask = spcrDORD | spcrCPOL | spcrCPHA | spcrSPR1 | spcrSPR0
)

// Status register (SPSR) bits
const (
	spsrSPIF  = 1 << 7 // Transfer complete
	spsrWCOL  = 1 << 6 // Write collision
	spsrSPI2X = 1 << 0 // Double speed
)

const (
	// dummyByte is shifted out while reading
	dummyByte = 0x00

	// pollSpins bounds the wait for a transfer-complete flag. At the slowest
	// divider a byte takes 1024 CPU cycles, far below this bound.
	pollSpins = 1 << 16
)

// SPISlave describes one device on the bus. All fields are fixed once the
// descriptor is set up; the bus only borrows it for the duration of a call.
//
// Example for a device whose select line is pin 4 of port B on an atmega32u4:
//
//	flash := &core.SPISlave{
//		DataDirectionRegister: 0x24, // DDRB
//		DataRegister:          0x25, // PORTB
//		SelectPin:             4,
//		DataOrder:             core.MSBFirst,
//		Mode:                  core.Mode0,
//		IdleSignal:            core.IdleHigh,
//		ClockRateDivider:      core.Divider64,
//	}
type SPISlave struct {
	DataDirectionRegister Register // direction register of the select line's port
	DataRegister          Register // data register of the select line's port
	SelectPin             uint8    // pin of the select line within its port
	ClockRateDivider      ClockDivider
	DataOrder             DataOrder
	IdleSignal            IdleSignal
	Mode                  SPIMode // see the device's datasheet
}

// Validate reports whether every field holds a supported value
func (s *SPISlave) Validate() error {
	_, _, err := s.controlBits()
	return err
}

// controlBits returns the SPCR and SPSR bits that configure the controller
// for this device.
func (s *SPISlave) controlBits() (spcr, spsr uint8, err error) {
	if s == nil || s.DataRegister == 0 || s.DataDirectionRegister == 0 || s.SelectPin > 7 {
		return 0, 0, ErrInvalidPeripheral
	}

	switch s.ClockRateDivider {
	case Divider2:
		spsr = spsrSPI2X
	case Divider4:
	case Divider8:
		spcr, spsr = spcrSPR0, spsrSPI2X
	case Divider16:
		spcr = spcrSPR0
	case Divider32:
		spcr, spsr = spcrSPR1, spsrSPI2X
	case Divider64:
		spcr = spcrSPR1
	case Divider128:
		spcr = spcrSPR1 | spcrSPR0
	default:
		return 0, 0, ErrInvalidPeripheral
	}

	switch s.DataOrder {
	case MSBFirst:
	case LSBFirst:
		spcr |= spcrDORD
	default:
		return 0, 0, ErrInvalidPeripheral
	}

	switch s.Mode {
	case Mode0:
	case Mode1:
		spcr |= spcrCPHA
	case Mode2:
		spcr |= spcrCPOL
	case Mode3:
		spcr |= spcrCPOL | spcrCPHA
	default:
		return 0, 0, ErrInvalidPeripheral
	}

	if s.IdleSignal != IdleLow && s.IdleSignal != IdleHigh {
		return 0, 0, ErrInvalidPeripheral
	}
	return spcr, spsr, nil
}

// SPIConfig holds the register layout of the host's SPI controller.
// The io lines registers refer to the port carrying clock, MISO, MOSI and
// the controller's own slave select pin (see "alternate port functions" in
// the datasheet). The controller registers are usually named SPCR, SPSR
// and SPDR.
//
// Assumes MOSI, MISO, SCK and SS reside on the same port.
type SPIConfig struct {
	ControlRegister     Register
	StatusRegister      Register
	DataRegister        Register
	IODirectionRegister Register
	IODataRegister      Register
	MISOPin             uint8
	MOSIPin             uint8
	ClockPin            uint8
	SlaveSelectPin      uint8 // must stay an output for the controller to remain master
}

// Register layouts of common parts (data address space)
var (
	ATmega328P = SPIConfig{
		ControlRegister:     0x4C,
		StatusRegister:      0x4D,
		DataRegister:        0x4E,
		IODirectionRegister: 0x24, // DDRB
		IODataRegister:      0x25, // PORTB
		SlaveSelectPin:      2,
		MOSIPin:             3,
		MISOPin:             4,
		ClockPin:            5,
	}

	ATmega32U4 = SPIConfig{
		ControlRegister:     0x4C,
		StatusRegister:      0x4D,
		DataRegister:        0x4E,
		IODirectionRegister: 0x24, // DDRB
		IODataRegister:      0x25, // PORTB
		SlaveSelectPin:      0,
		ClockPin:            1,
		MOSIPin:             2,
		MISOPin:             3,
	}
)

// validate checks the layout before any register is touched
func (c *SPIConfig) validate() error {
	if c.ControlRegister == 0 || c.StatusRegister == 0 || c.DataRegister == 0 ||
		c.IODirectionRegister == 0 || c.IODataRegister == 0 {
		return ErrInvalidConfig
	}
	if c.MISOPin > 7 || c.MOSIPin > 7 || c.ClockPin > 7 || c.SlaveSelectPin > 7 {
		return ErrInvalidConfig
	}
	return nil
}

// SPIDriver implements Interface on one SPI controller.
// It holds everything one bus needs: the copied configuration, the register
// access capability, the transfer state and the bus lock.
type SPIDriver struct {
	config SPIConfig
	regs   Registers
	state  TransferState
	mutex  Mutex
	guard  handlerGuard
	crit   critical

	// writeStarted is false while an armed write waits for a read's dummy
	// byte to clear the shift register.
	writeStarted bool

	// collecting is set while HandleInterrupt runs the read half. A write
	// armed from a read callback then leaves its first byte to the write
	// half, which owns the shift register for this interrupt.
	collecting bool
}

var _ Interface = (*SPIDriver)(nil)
var _ Transferer = (*SPIDriver)(nil)

// SPIDriverSize returns the storage one driver occupies, for callers that
// reserve it statically.
func SPIDriverSize() uintptr {
	return unsafe.Sizeof(SPIDriver{})
}

// NewSPIDriver allocates and initializes a driver
func NewSPIDriver(regs Registers, config SPIConfig) (*SPIDriver, error) {
	d := new(SPIDriver)
	if err := d.Init(regs, config); err != nil {
		return nil, err
	}
	return d, nil
}

// Init initializes d in place. config is copied; the caller may discard
// its copy afterwards.
func (d *SPIDriver) Init(regs Registers, config SPIConfig) error {
	if regs == nil {
		return ErrNoRegisters
	}
	if err := config.validate(); err != nil {
		return err
	}

	d.config = config
	d.regs = regs
	d.state = TransferState{}
	d.mutex = Mutex{}
	d.guard.depth.Store(0)
	d.writeStarted = false
	d.collecting = false

	c := &d.config
	outputs := bit(c.MOSIPin) | bit(c.ClockPin) | bit(c.SlaveSelectPin)
	if err := modify(regs, c.IODirectionRegister, bit(c.MISOPin), outputs); err != nil {
		return err
	}
	if err := modify(regs, c.IODataRegister, 0, bit(c.SlaveSelectPin)); err != nil {
		return err
	}
	return regs.Store(c.ControlRegister, spcrSPE|spcrMSTR)
}

// Config returns a copy of the bus configuration
func (d *SPIDriver) Config() SPIConfig {
	return d.config
}

// ConfigureSlave makes s's select line an output and drives it to its idle
// level. Call it once per device at configuration time so that devices
// never see a floating select line.
func (d *SPIDriver) ConfigureSlave(s *SPISlave) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := d.driveSelect(s, false); err != nil {
		return err
	}
	return modify(d.regs, s.DataDirectionRegister, 0, bit(s.SelectPin))
}

// SelectPeripheral takes the bus for p (a *SPISlave), programs the
// controller for it and asserts its select line.
func (d *SPIDriver) SelectPeripheral(p Peripheral) error {
	s, ok := p.(*SPISlave)
	if !ok {
		return ErrInvalidPeripheral
	}
	spcr, spsr, err := s.controlBits()
	if err != nil {
		return err
	}

	if err := d.mutex.Lock(p); err != nil {
		RecordEvent(EvtBusy, uint32(s.SelectPin), 0)
		return err
	}

	if err := d.selectSlave(s, spcr, spsr); err != nil {
		// Nothing of a failed selection stays visible
		_ = d.driveSelect(s, false)
		_ = d.mutex.Unlock(p)
		return err
	}

	RecordEvent(EvtSelect, uint32(s.SelectPin), uint32(s.ClockRateDivider))
	return nil
}

func (d *SPIDriver) selectSlave(s *SPISlave, spcr, spsr uint8) error {
	c := &d.config
	if err := modify(d.regs, c.ControlRegister, spcrDeviceMask, spcr); err != nil {
		return err
	}
	if err := modify(d.regs, c.StatusRegister, spsrSPI2X, spsr); err != nil {
		return err
	}
	if err := modify(d.regs, s.DataDirectionRegister, 0, bit(s.SelectPin)); err != nil {
		return err
	}
	return d.driveSelect(s, true)
}

// driveSelect drives s's select line to its active or idle level
func (d *SPIDriver) driveSelect(s *SPISlave, active bool) error {
	high := s.IdleSignal == IdleHigh
	if active {
		high = !high
	}
	if high {
		return modify(d.regs, s.DataRegister, 0, bit(s.SelectPin))
	}
	return modify(d.regs, s.DataRegister, bit(s.SelectPin), 0)
}

// DeselectPeripheral releases p's select line, then the bus.
// It refuses with ErrTransferPending while a non-blocking transfer is in
// flight; the bus stays selected until the transfer completes.
func (d *SPIDriver) DeselectPeripheral(p Peripheral) error {
	held := d.mutex.Holds(p)
	state := d.crit.enter()
	idle := d.state.Idle()
	d.crit.exit(state)

	if !held {
		RecordEvent(EvtMismatch, 0, 0)
		return ErrLockMismatch
	}
	if !idle {
		RecordEvent(EvtPendingStop, uint32(d.WriteRemaining()), uint32(d.ReadRemaining()))
		return ErrTransferPending
	}

	s := p.(*SPISlave) // only *SPISlave can hold the lock
	if err := d.driveSelect(s, false); err != nil {
		return err
	}
	if err := d.mutex.Unlock(p); err != nil {
		return err
	}
	RecordEvent(EvtDeselect, uint32(s.SelectPin), 0)
	return nil
}

// Owner returns the currently selected device, or nil
func (d *SPIDriver) Owner() Peripheral {
	return d.mutex.Owner()
}

// checkMainline guards the blocking entry points
func (d *SPIDriver) checkMainline(op string) error {
	d.guard.mainline(op)

	state := d.crit.enter()
	defer d.crit.exit(state)
	if !d.state.Idle() {
		return ErrTransferPending
	}
	return nil
}

// WriteBlocking sends buf and returns after the last byte is out
func (d *SPIDriver) WriteBlocking(buf []byte) error {
	if err := d.checkMainline("WriteBlocking"); err != nil {
		return err
	}
	return WriteBytes(shifter{d}, buf)
}

// ReadBlocking fills dst, shifting out dummy bytes
func (d *SPIDriver) ReadBlocking(dst []byte) error {
	if err := d.checkMainline("ReadBlocking"); err != nil {
		return err
	}
	return ReadBytes(shifter{d}, dst)
}

// WriteByteBlocking sends one byte
func (d *SPIDriver) WriteByteBlocking(b byte) error {
	if err := d.checkMainline("WriteByteBlocking"); err != nil {
		return err
	}
	_, err := d.exchange(b)
	return err
}

// ReadByteBlocking receives one byte
func (d *SPIDriver) ReadByteBlocking() (byte, error) {
	if err := d.checkMainline("ReadByteBlocking"); err != nil {
		return 0, err
	}
	return d.exchange(dummyByte)
}

// TransferByte sends b and returns the byte received at the same time
func (d *SPIDriver) TransferByte(b byte) (byte, error) {
	if err := d.checkMainline("TransferByte"); err != nil {
		return 0, err
	}
	return d.exchange(b)
}

// exchange shifts one byte out and one byte in, polling for completion
func (d *SPIDriver) exchange(b byte) (byte, error) {
	c := &d.config
	if err := d.regs.Store(c.DataRegister, b); err != nil {
		return 0, err
	}
	if _, err := waitBits(d.regs, c.StatusRegister, spsrSPIF, pollSpins); err != nil {
		return 0, err
	}
	return d.regs.Load(c.DataRegister)
}

// shifter is the unchecked byte primitive used inside the blocking loops
type shifter struct{ d *SPIDriver }

func (s shifter) WriteByteBlocking(b byte) error {
	_, err := s.d.exchange(b)
	return err
}

func (s shifter) ReadByteBlocking() (byte, error) {
	return s.d.exchange(dummyByte)
}

// WriteNonBlocking arms an interrupt-driven write of ctx.Buffer.
// An empty buffer completes at once. If a read is in flight, or the call
// comes from a read callback, the write starts once the current byte is
// done.
func (d *SPIDriver) WriteNonBlocking(ctx WriteContext) error {
	if len(ctx.Buffer) == 0 {
		if ctx.Callback != nil {
			ctx.Callback()
		}
		return nil
	}

	state := d.crit.enter()
	err := d.state.ArmWrite(ctx.Buffer, ctx.Callback)
	if err == nil {
		d.writeStarted = !d.state.ReadPending() && !d.collecting
		if d.writeStarted {
			err = d.kick(ctx.Buffer[0])
		}
		if err != nil {
			d.state.DropWrite()
			d.writeStarted = false
		}
	}
	d.crit.exit(state)

	if err != nil {
		return err
	}
	RecordEvent(EvtWriteArmed, uint32(len(ctx.Buffer)), 0)
	return nil
}

// ReadNonBlocking arms an interrupt-driven read into dst.
// An empty buffer completes at once. While a write is in flight the read
// collects the bytes shifted in by the write.
func (d *SPIDriver) ReadNonBlocking(dst []byte, done Callback) error {
	if len(dst) == 0 {
		if done != nil {
			done()
		}
		return nil
	}

	state := d.crit.enter()
	err := d.state.ArmRead(dst, done)
	if err == nil && !d.state.WritePending() {
		if err = d.kick(dummyByte); err != nil {
			d.state.DropRead()
		}
	}
	d.crit.exit(state)

	if err != nil {
		return err
	}
	RecordEvent(EvtReadArmed, uint32(len(dst)), 0)
	return nil
}

// kick enables the transfer-complete interrupt and starts shifting b.
// Interrupts must be disabled.
func (d *SPIDriver) kick(b byte) error {
	if err := modify(d.regs, d.config.ControlRegister, 0, spcrSPIE); err != nil {
		return err
	}
	return d.regs.Store(d.config.DataRegister, b)
}

// quiesce disables the transfer-complete interrupt once both directions
// are idle. Interrupts must be disabled.
func (d *SPIDriver) quiesce() error {
	if !d.state.Idle() {
		return nil
	}
	return modify(d.regs, d.config.ControlRegister, spcrSPIE, 0)
}

// HandleInterrupt is the body of the transfer-complete vector.
// The received byte is collected before the next one is shifted out.
// The vector must call this rather than the two halves so that a write
// armed by a read callback is not counted against the byte that just
// finished.
func (d *SPIDriver) HandleInterrupt() {
	d.collecting = true
	d.HandleReadInterrupt()
	d.collecting = false
	d.HandleWriteInterrupt()
}

// HandleReadInterrupt stores the byte just received into the pending read.
// Spurious calls are ignored.
func (d *SPIDriver) HandleReadInterrupt() {
	d.guard.enter()
	defer d.guard.exit()

	var (
		done     Callback
		finished bool
		err      error
	)

	state := d.crit.enter()
	if d.state.ReadPending() {
		var rx byte
		if rx, err = d.regs.Load(d.config.DataRegister); err == nil {
			var more bool
			more, done = d.state.ReadUnit(rx)
			finished = !more
			if more && !d.state.WritePending() {
				err = d.regs.Store(d.config.DataRegister, dummyByte)
			}
			if err == nil {
				err = d.quiesce()
			}
		}
	}
	d.crit.exit(state)

	if err != nil {
		d.fault("read", err)
	}
	if finished {
		RecordEvent(EvtReadDone, 0, 0)
		if done != nil {
			done()
		}
	}
}

// HandleWriteInterrupt accounts for the byte just sent and shifts out the
// next one. Spurious calls are ignored.
func (d *SPIDriver) HandleWriteInterrupt() {
	d.guard.enter()
	defer d.guard.exit()

	var (
		done     Callback
		finished bool
		err      error
	)

	state := d.crit.enter()
	if d.state.WritePending() {
		if !d.writeStarted {
			// The byte that just finished was a read's dummy, or the write
			// was armed by a read callback after the read half quiesced
			d.writeStarted = true
			next, _ := d.state.NextOutput()
			err = d.kick(next)
		} else {
			next, more, cb := d.state.WriteUnit()
			switch {
			case more:
				err = d.regs.Store(d.config.DataRegister, next)
			default:
				finished, done = true, cb
				d.writeStarted = false
				if d.state.ReadPending() {
					err = d.regs.Store(d.config.DataRegister, dummyByte)
				}
			}
		}
		if err == nil {
			err = d.quiesce()
		}
	}
	d.crit.exit(state)

	if err != nil {
		d.fault("write", err)
	}
	if finished {
		RecordEvent(EvtWriteDone, 0, 0)
		if done != nil {
			done()
		}
	}
}

// fault records a register failure inside a handler. The affected transfer
// stays pending.
func (d *SPIDriver) fault(dir string, err error) {
	RecordEvent(EvtFault, 0, 0)
	DebugAsync("spi " + dir + " interrupt (SPDR " + hex8(uint8(d.config.DataRegister)) + "): " + err.Error())
}

// WritePending reports whether a non-blocking write is in flight
func (d *SPIDriver) WritePending() bool {
	state := d.crit.enter()
	defer d.crit.exit(state)
	return d.state.WritePending()
}

// ReadPending reports whether a non-blocking read is in flight
func (d *SPIDriver) ReadPending() bool {
	state := d.crit.enter()
	defer d.crit.exit(state)
	return d.state.ReadPending()
}

// WriteRemaining returns the bytes the pending write has yet to send
func (d *SPIDriver) WriteRemaining() int {
	state := d.crit.enter()
	defer d.crit.exit(state)
	return d.state.WriteRemaining()
}

// ReadRemaining returns the bytes the pending read has yet to receive
func (d *SPIDriver) ReadRemaining() int {
	state := d.crit.enter()
	defer d.crit.exit(state)
	return d.state.ReadRemaining()
}

// Idle reports whether no non-blocking transfer is pending
func (d *SPIDriver) Idle() bool {
	state := d.crit.enter()
	defer d.crit.exit(state)
	return d.state.Idle()
}
