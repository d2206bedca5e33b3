//go:build rp2040 || rp2350

package main

import (
	"errors"
	"machine"
	"runtime/interrupt"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"spiperiph/core"
)

const (
	pioDummyByte = 0x00
	pioSpins     = 1 << 12
)

// Chip is one device on the PIO bus: its select line and active level
type Chip struct {
	Select     machine.Pin
	ActiveHigh bool
}

// PIOSPI implements core.Interface on a PIO state machine running an
// 8-bit SPI program. Chip selects are plain GPIOs.
//
// The state machine has no transfer-complete interrupt of its own here:
// Service plays that part and must be called from the main loop (or the
// PIO IRQ) while non-blocking transfers are pending.
type PIOSPI struct {
	sm     rp2pio.StateMachine
	offset uint8
	mutex  core.Mutex
	cur    *Chip

	// Guarded by disabled interrupts
	state    core.TransferState
	inFlight bool // a byte is in the state machine
	sent     bool // the byte in flight belongs to the write
	received bool // a byte arrived since the last read handler run
	rx       byte

	// Set while Service runs the handlers; callbacks that arm a transfer
	// leave the next byte to Service.
	servicing bool
}

var (
	_ core.Interface  = (*PIOSPI)(nil)
	_ core.Transferer = (*PIOSPI)(nil)
)

var errPIOMode = errors.New("pio spi: unsupported mode")

// NewPIOSPI loads the SPI program into sm's PIO block and starts it
func NewPIOSPI(sm rp2pio.StateMachine, spicfg machine.SPIConfig) (*PIOSPI, error) {
	sm.TryClaim()
	const nbits = 8
	if !sm.IsValid() {
		return nil, errors.New("pio spi: invalid state machine")
	}

	whole, frac, err := rp2pio.ClkDivFromFrequency(spicfg.Frequency, machine.CPUFrequency())
	if err != nil {
		return nil, err
	}
	Pio := sm.PIO()

	const origin int8 = -1
	asm := rp2pio.AssemblerV0{SidesetBits: 1}
	// cpha0: data is sampled on the rising edge
	var cpha0Program = [...]uint16{
		asm.Out(rp2pio.OutDestPins, 1).Side(0).Delay(1).Encode(), // 0: out  pins, 1   side 0 [1]
		asm.In(rp2pio.InSrcPins, 1).Side(1).Delay(1).Encode(),    // 1: in   pins, 1   side 1 [1]
	}
	// cpha1: data is sampled on the falling edge
	var cpha1Program = [...]uint16{
		asm.Out(rp2pio.OutDestX, 1).Side(0).Encode(),                          // 0: out    x, 1     side 0
		asm.Mov(rp2pio.MovDestPins, rp2pio.MovSrcX).Side(1).Delay(1).Encode(), // 1: mov    pins, x  side 1 [1]
		asm.In(rp2pio.InSrcPins, 1).Side(0).Encode(),                          // 2: in     pins, 1  side 0
	}

	var program []uint16
	switch spicfg.Mode {
	case 0:
		program = cpha0Program[:]
	case 1:
		program = cpha1Program[:]
	default:
		// CPOL=1 needs the clock pin inverted in the pad mux
		return nil, errPIOMode
	}

	offset, err := Pio.AddProgram(program, origin)
	if err != nil {
		return nil, err
	}

	cfg := asm.DefaultStateMachineConfig(offset, program)
	cfg.SetOutPins(spicfg.SDO, 1)
	cfg.SetInPins(spicfg.SDI, 1)
	cfg.SetSidesetPins(spicfg.SCK)

	// MSB first, autopush and autopull at 8 bits
	cfg.SetOutShift(false, true, uint16(nbits))
	cfg.SetInShift(false, true, uint16(nbits))
	cfg.SetClkDivIntFrac(whole, frac)

	// MOSI, SCK output are low, MISO is input.
	outMask := uint32((1 << spicfg.SCK) | (1 << spicfg.SDO))
	inMask := uint32(1 << spicfg.SDI)
	sm.SetPinsMasked(0, outMask)
	sm.SetPindirsMasked(outMask, outMask|inMask)

	pincfg := machine.PinConfig{Mode: Pio.PinMode()}
	spicfg.SCK.Configure(pincfg)
	spicfg.SDO.Configure(pincfg)
	spicfg.SDI.Configure(pincfg)
	Pio.SetInputSyncBypassMasked(inMask, inMask)

	sm.Init(offset, cfg)
	sm.SetEnabled(true)

	return &PIOSPI{sm: sm, offset: offset}, nil
}

// ConfigureChip makes c's select line an output at its idle level
func (s *PIOSPI) ConfigureChip(c *Chip) {
	c.Select.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.Select.Set(!c.ActiveHigh)
}

func (s *PIOSPI) SelectPeripheral(p core.Peripheral) error {
	c, ok := p.(*Chip)
	if !ok || c == nil {
		return core.ErrInvalidPeripheral
	}
	if err := s.mutex.Lock(p); err != nil {
		return err
	}
	s.cur = c
	c.Select.Set(c.ActiveHigh)
	return nil
}

func (s *PIOSPI) DeselectPeripheral(p core.Peripheral) error {
	if !s.mutex.Holds(p) {
		return core.ErrLockMismatch
	}
	if !s.Idle() {
		return core.ErrTransferPending
	}
	s.cur.Select.Set(!s.cur.ActiveHigh)
	s.cur = nil
	return s.mutex.Unlock(p)
}

// Idle reports whether no non-blocking transfer is pending
func (s *PIOSPI) Idle() bool {
	state := interrupt.Disable()
	defer interrupt.Restore(state)
	return s.state.Idle() && !s.inFlight
}

func (s *PIOSPI) checkMainline() error {
	if interrupt.In() {
		panic("pio spi: blocking call from interrupt context")
	}
	if !s.Idle() {
		return core.ErrTransferPending
	}
	return nil
}

// exchange shifts one byte and waits for the byte clocked in
func (s *PIOSPI) exchange(b byte) (byte, error) {
	for i := 0; s.sm.IsTxFIFOFull(); i++ {
		if i == pioSpins {
			return 0, core.ErrNoResponse
		}
	}
	s.sm.TxPut(uint32(b))
	for i := 0; s.sm.IsRxFIFOEmpty(); i++ {
		if i == pioSpins {
			return 0, core.ErrNoResponse
		}
	}
	return byte(s.sm.RxGet()), nil
}

type pioShifter struct{ s *PIOSPI }

func (p pioShifter) WriteByteBlocking(b byte) error {
	_, err := p.s.exchange(b)
	return err
}

func (p pioShifter) ReadByteBlocking() (byte, error) {
	return p.s.exchange(pioDummyByte)
}

func (s *PIOSPI) WriteBlocking(buf []byte) error {
	if err := s.checkMainline(); err != nil {
		return err
	}
	return core.WriteBytes(pioShifter{s}, buf)
}

func (s *PIOSPI) ReadBlocking(dst []byte) error {
	if err := s.checkMainline(); err != nil {
		return err
	}
	return core.ReadBytes(pioShifter{s}, dst)
}

// TransferByte exchanges one byte in full duplex
func (s *PIOSPI) TransferByte(b byte) (byte, error) {
	if err := s.checkMainline(); err != nil {
		return 0, err
	}
	return s.exchange(b)
}

func (s *PIOSPI) WriteNonBlocking(ctx core.WriteContext) error {
	if len(ctx.Buffer) == 0 {
		if ctx.Callback != nil {
			ctx.Callback()
		}
		return nil
	}

	state := interrupt.Disable()
	defer interrupt.Restore(state)
	if err := s.state.ArmWrite(ctx.Buffer, ctx.Callback); err != nil {
		return err
	}
	s.start()
	return nil
}

func (s *PIOSPI) ReadNonBlocking(dst []byte, done core.Callback) error {
	if len(dst) == 0 {
		if done != nil {
			done()
		}
		return nil
	}

	state := interrupt.Disable()
	defer interrupt.Restore(state)
	if err := s.state.ArmRead(dst, done); err != nil {
		return err
	}
	s.start()
	return nil
}

// start shifts the next byte unless one is already in flight.
// Interrupts must be disabled.
func (s *PIOSPI) start() {
	if s.inFlight || s.servicing || s.state.Idle() || s.sm.IsTxFIFOFull() {
		return
	}
	out, isWrite := s.state.NextOutput()
	if !isWrite {
		out = pioDummyByte
	}
	s.sm.TxPut(uint32(out))
	s.inFlight = true
	s.sent = isWrite
}

// Service completes the byte in flight, if it has arrived, runs the
// handlers and shifts the next byte
func (s *PIOSPI) Service() {
	state := interrupt.Disable()
	if !s.inFlight || s.sm.IsRxFIFOEmpty() {
		interrupt.Restore(state)
		return
	}
	s.rx = byte(s.sm.RxGet())
	s.inFlight = false
	s.received = true
	s.servicing = true
	interrupt.Restore(state)

	s.HandleReadInterrupt()
	s.HandleWriteInterrupt()

	state = interrupt.Disable()
	s.servicing = false
	s.start()
	interrupt.Restore(state)
}

// HandleReadInterrupt stores the byte just received into the pending read
func (s *PIOSPI) HandleReadInterrupt() {
	var done core.Callback
	finished := false

	state := interrupt.Disable()
	if s.received && s.state.ReadPending() {
		var more bool
		more, done = s.state.ReadUnit(s.rx)
		finished = !more
	}
	s.received = false
	interrupt.Restore(state)

	if finished {
		core.RecordEvent(core.EvtReadDone, 0, 0)
		if done != nil {
			done()
		}
	}
}

// HandleWriteInterrupt accounts for the write byte just sent
func (s *PIOSPI) HandleWriteInterrupt() {
	var done core.Callback
	finished := false

	state := interrupt.Disable()
	if s.sent && s.state.WritePending() {
		var more bool
		_, more, done = s.state.WriteUnit()
		finished = !more
	}
	s.sent = false
	interrupt.Restore(state)

	if finished {
		core.RecordEvent(core.EvtWriteDone, 0, 0)
		if done != nil {
			done()
		}
	}
}
