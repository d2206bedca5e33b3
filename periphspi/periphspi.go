// Package periphspi implements the peripheral interface on a Linux spidev
// port through periph.io. Chip selects are driven as plain GPIOs so that a
// selection spans any number of byte transfers.
//
// Interrupt-driven transfers are emulated by a pump goroutine that shifts
// one byte at a time and then runs the bus's handlers, the way the
// transfer-complete interrupt does on a microcontroller. Completion
// callbacks run on the pump goroutine, concurrently with the caller, so a
// blocking call from a callback is not detected as misuse here; it fails
// with core.ErrTransferPending only while another transfer is armed.
package periphspi

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"spiperiph/core"
)

// ErrNotSelected is returned for transfers while no device is selected
var ErrNotSelected = errors.New("periphspi: no device selected")

const dummyByte = 0x00

// Device is one chip on the bus
type Device struct {
	name string
	conn spi.Conn
	cs   gpio.PinOut
	idle gpio.Level
}

// NewDevice connects to port for one chip whose select line is cs.
// idle is the select line's level while the chip is not selected; it is
// driven right away.
func NewDevice(port spi.Port, maxHz physic.Frequency, mode spi.Mode, cs gpio.PinOut, idle gpio.Level) (*Device, error) {
	if cs == nil {
		return nil, errors.New("periphspi: chip select pin required")
	}
	conn, err := port.Connect(maxHz, mode|spi.NoCS, 8)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", port, err)
	}
	if err := cs.Out(idle); err != nil {
		return nil, fmt.Errorf("chip select %s: %w", cs, err)
	}
	return &Device{name: cs.String(), conn: conn, cs: cs, idle: idle}, nil
}

func (d *Device) String() string {
	return d.name
}

func (d *Device) exchange(b byte) (byte, error) {
	var rx [1]byte
	if err := d.conn.Tx([]byte{b}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// Bus implements core.Interface on spidev devices
type Bus struct {
	logger *zap.Logger
	lock   core.Mutex

	// mu plays the part of disabled interrupts
	mu       sync.Mutex
	state    core.TransferState
	cur      *Device
	pumping  bool
	sent     bool // a write byte left the bus since the last write handler run
	received bool // a byte arrived since the last read handler run
	rx       byte
	err      error

	pump sync.WaitGroup
}

var (
	_ core.Interface  = (*Bus)(nil)
	_ core.Transferer = (*Bus)(nil)
)

// NewBus creates a bus. A nil logger discards output.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// SelectPeripheral takes the bus for p (a *Device) and drives its select
// line active.
func (b *Bus) SelectPeripheral(p core.Peripheral) error {
	dev, ok := p.(*Device)
	if !ok || dev == nil {
		return core.ErrInvalidPeripheral
	}
	if err := b.lock.Lock(p); err != nil {
		return err
	}
	if err := dev.cs.Out(!dev.idle); err != nil {
		_ = dev.cs.Out(dev.idle)
		_ = b.lock.Unlock(p)
		return fmt.Errorf("select %s: %w", dev, err)
	}

	b.mu.Lock()
	b.cur = dev
	b.mu.Unlock()
	b.logger.Debug("selected", zap.Stringer("device", dev))
	return nil
}

// DeselectPeripheral returns p's select line to idle and releases the bus.
// It is refused while a non-blocking transfer is pending.
func (b *Bus) DeselectPeripheral(p core.Peripheral) error {
	if !b.lock.Holds(p) {
		return core.ErrLockMismatch
	}

	b.mu.Lock()
	if !b.state.Idle() {
		b.mu.Unlock()
		return core.ErrTransferPending
	}
	dev := b.cur
	b.cur = nil
	b.mu.Unlock()

	if err := dev.cs.Out(dev.idle); err != nil {
		b.mu.Lock()
		b.cur = dev
		b.mu.Unlock()
		return fmt.Errorf("deselect %s: %w", dev, err)
	}
	b.logger.Debug("deselected", zap.Stringer("device", dev))
	return b.lock.Unlock(p)
}

// device returns the selected device for a blocking transfer
func (b *Bus) device() (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Idle() {
		return nil, core.ErrTransferPending
	}
	if b.cur == nil {
		return nil, ErrNotSelected
	}
	return b.cur, nil
}

func (b *Bus) WriteBlocking(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	dev, err := b.device()
	if err != nil {
		return err
	}
	return core.WriteBytes(shifter{dev}, buf)
}

func (b *Bus) ReadBlocking(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	dev, err := b.device()
	if err != nil {
		return err
	}
	return core.ReadBytes(shifter{dev}, dst)
}

// TransferByte exchanges one byte in full duplex
func (b *Bus) TransferByte(out byte) (byte, error) {
	dev, err := b.device()
	if err != nil {
		return 0, err
	}
	return dev.exchange(out)
}

type shifter struct{ dev *Device }

func (s shifter) WriteByteBlocking(b byte) error {
	_, err := s.dev.exchange(b)
	return err
}

func (s shifter) ReadByteBlocking() (byte, error) {
	return s.dev.exchange(dummyByte)
}

func (b *Bus) WriteNonBlocking(ctx core.WriteContext) error {
	if len(ctx.Buffer) == 0 {
		if ctx.Callback != nil {
			ctx.Callback()
		}
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return ErrNotSelected
	}
	if err := b.state.ArmWrite(ctx.Buffer, ctx.Callback); err != nil {
		return err
	}
	b.startPump()
	return nil
}

func (b *Bus) ReadNonBlocking(dst []byte, done core.Callback) error {
	if len(dst) == 0 {
		if done != nil {
			done()
		}
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return ErrNotSelected
	}
	if err := b.state.ArmRead(dst, done); err != nil {
		return err
	}
	b.startPump()
	return nil
}

// startPump starts shifting bytes if no pump runs. b.mu must be held.
func (b *Bus) startPump() {
	if b.pumping {
		return
	}
	b.pumping = true
	b.pump.Add(1)
	go b.run()
}

// run shifts one byte per iteration until both directions are idle.
// A pending write supplies the byte; otherwise a dummy byte clocks the read.
func (b *Bus) run() {
	defer b.pump.Done()

	for {
		b.mu.Lock()
		if b.state.Idle() {
			b.pumping = false
			b.mu.Unlock()
			return
		}
		out, isWrite := b.state.NextOutput()
		if !isWrite {
			out = dummyByte
		}
		dev := b.cur
		b.mu.Unlock()

		rx, err := dev.exchange(out)

		b.mu.Lock()
		if err != nil {
			b.err = err
			b.state.DropWrite()
			b.state.DropRead()
			b.pumping = false
			b.mu.Unlock()
			b.logger.Error("transfer abandoned", zap.Stringer("device", dev), zap.Error(err))
			return
		}
		b.rx = rx
		b.received = true
		b.sent = isWrite
		b.mu.Unlock()

		b.HandleReadInterrupt()
		b.HandleWriteInterrupt()
	}
}

// HandleReadInterrupt stores the byte just received into the pending read
func (b *Bus) HandleReadInterrupt() {
	var done core.Callback
	finished := false

	b.mu.Lock()
	if b.received && b.state.ReadPending() {
		var more bool
		more, done = b.state.ReadUnit(b.rx)
		finished = !more
	}
	b.received = false
	b.mu.Unlock()

	if finished && done != nil {
		done()
	}
}

// HandleWriteInterrupt accounts for the write byte just sent
func (b *Bus) HandleWriteInterrupt() {
	var done core.Callback
	finished := false

	b.mu.Lock()
	if b.sent && b.state.WritePending() {
		var more bool
		_, more, done = b.state.WriteUnit()
		finished = !more
	}
	b.sent = false
	b.mu.Unlock()

	if finished && done != nil {
		done()
	}
}

// Wait blocks until no pump goroutine runs
func (b *Bus) Wait() {
	b.pump.Wait()
}

// Err returns the error that abandoned the last non-blocking transfer, if
// any, and clears it
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.err
	b.err = nil
	return err
}

// Owner returns the selected device, or nil
func (b *Bus) Owner() core.Peripheral {
	return b.lock.Owner()
}
