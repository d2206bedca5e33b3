package core

import (
	"reflect"

	"spiperiph/protocol"
)

// LoopbackCapacity is the number of bytes a Loopback can hold
const LoopbackCapacity = 511

// Loopback is an in-memory driver: every byte written is queued and handed
// back by later reads. Reading an empty queue yields 0x00, the same as an
// idle MISO line.
//
// Non-blocking transfers advance one byte per handler call, so tests fire
// "interrupts" by calling HandleWriteInterrupt and HandleReadInterrupt.
type Loopback struct {
	fifo  *protocol.FifoBuffer
	state TransferState
	mutex Mutex
	guard handlerGuard
}

var _ Interface = (*Loopback)(nil)
var _ ByteIO = (*Loopback)(nil)

// NewLoopback creates an empty loop-back bus
func NewLoopback() *Loopback {
	return &Loopback{fifo: protocol.NewFifoBuffer(LoopbackCapacity + 1)}
}

// Queued returns the number of bytes written but not yet read back
func (l *Loopback) Queued() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.fifo.Available()
}

// SelectPeripheral takes the bus for p. Any pointer descriptor is
// accepted; other kinds cannot key the bus lock.
func (l *Loopback) SelectPeripheral(p Peripheral) error {
	if p == nil || reflect.TypeOf(p).Kind() != reflect.Pointer {
		return ErrInvalidPeripheral
	}
	if err := l.mutex.Lock(p); err != nil {
		RecordEvent(EvtBusy, 0, 0)
		return err
	}
	RecordEvent(EvtSelect, 0, 0)
	return nil
}

// DeselectPeripheral releases the bus held by p
func (l *Loopback) DeselectPeripheral(p Peripheral) error {
	state := disableInterrupts()
	held := l.mutex.holds(p)
	idle := l.state.Idle()
	restoreInterrupts(state)

	if !held {
		RecordEvent(EvtMismatch, 0, 0)
		return ErrLockMismatch
	}
	if !idle {
		RecordEvent(EvtPendingStop, 0, 0)
		return ErrTransferPending
	}
	if err := l.mutex.Unlock(p); err != nil {
		return err
	}
	RecordEvent(EvtDeselect, 0, 0)
	return nil
}

// Owner returns the device holding the bus, or nil
func (l *Loopback) Owner() Peripheral {
	return l.mutex.Owner()
}

func (l *Loopback) checkMainline(op string) error {
	l.guard.mainline(op)

	state := disableInterrupts()
	defer restoreInterrupts(state)
	if !l.state.Idle() {
		return ErrTransferPending
	}
	return nil
}

func (l *Loopback) WriteBlocking(buf []byte) error {
	if err := l.checkMainline("WriteBlocking"); err != nil {
		return err
	}
	return WriteBytes(loopShifter{l}, buf)
}

func (l *Loopback) ReadBlocking(dst []byte) error {
	if err := l.checkMainline("ReadBlocking"); err != nil {
		return err
	}
	return ReadBytes(loopShifter{l}, dst)
}

// WriteByteBlocking queues b. It fails with ErrBufferFull once
// LoopbackCapacity bytes are queued.
func (l *Loopback) WriteByteBlocking(b byte) error {
	if err := l.checkMainline("WriteByteBlocking"); err != nil {
		return err
	}
	return loopShifter{l}.WriteByteBlocking(b)
}

// ReadByteBlocking dequeues one byte
func (l *Loopback) ReadByteBlocking() (byte, error) {
	if err := l.checkMainline("ReadByteBlocking"); err != nil {
		return 0, err
	}
	return loopShifter{l}.ReadByteBlocking()
}

// loopShifter is the unchecked byte primitive used inside the blocking loops
type loopShifter struct{ l *Loopback }

func (s loopShifter) WriteByteBlocking(b byte) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return s.l.push(b)
}

func (s loopShifter) ReadByteBlocking() (byte, error) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return s.l.pop(), nil
}

func (l *Loopback) push(b byte) error {
	if !l.fifo.PushByte(b) {
		return ErrBufferFull
	}
	return nil
}

func (l *Loopback) pop() byte {
	b, _ := l.fifo.PopByte()
	return b
}

func (l *Loopback) WriteNonBlocking(ctx WriteContext) error {
	if len(ctx.Buffer) == 0 {
		if ctx.Callback != nil {
			ctx.Callback()
		}
		return nil
	}

	state := disableInterrupts()
	err := l.state.ArmWrite(ctx.Buffer, ctx.Callback)
	restoreInterrupts(state)
	if err != nil {
		return err
	}
	RecordEvent(EvtWriteArmed, uint32(len(ctx.Buffer)), 0)
	return nil
}

func (l *Loopback) ReadNonBlocking(dst []byte, done Callback) error {
	if len(dst) == 0 {
		if done != nil {
			done()
		}
		return nil
	}

	state := disableInterrupts()
	err := l.state.ArmRead(dst, done)
	restoreInterrupts(state)
	if err != nil {
		return err
	}
	RecordEvent(EvtReadArmed, uint32(len(dst)), 0)
	return nil
}

// HandleWriteInterrupt moves the next byte of the pending write into the queue
func (l *Loopback) HandleWriteInterrupt() {
	l.guard.enter()
	defer l.guard.exit()

	var (
		done     Callback
		finished bool
		err      error
	)

	state := disableInterrupts()
	if b, ok := l.state.NextOutput(); ok {
		if err = l.push(b); err == nil {
			var more bool
			_, more, done = l.state.WriteUnit()
			finished = !more
		}
	}
	restoreInterrupts(state)

	if err != nil {
		// Queue full: the byte stays pending until a read drains the queue
		RecordEvent(EvtFault, uint32(l.WriteRemaining()), 0)
		return
	}
	if finished {
		RecordEvent(EvtWriteDone, 0, 0)
		if done != nil {
			done()
		}
	}
}

// HandleReadInterrupt moves one queued byte into the pending read
func (l *Loopback) HandleReadInterrupt() {
	l.guard.enter()
	defer l.guard.exit()

	var (
		done     Callback
		finished bool
	)

	state := disableInterrupts()
	if l.state.ReadPending() {
		var more bool
		more, done = l.state.ReadUnit(l.pop())
		finished = !more
	}
	restoreInterrupts(state)

	if finished {
		RecordEvent(EvtReadDone, 0, 0)
		if done != nil {
			done()
		}
	}
}

// WriteRemaining returns the bytes the pending write has yet to queue
func (l *Loopback) WriteRemaining() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.state.WriteRemaining()
}

// ReadRemaining returns the bytes the pending read has yet to receive
func (l *Loopback) ReadRemaining() int {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.state.ReadRemaining()
}

// Idle reports whether no non-blocking transfer is pending
func (l *Loopback) Idle() bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return l.state.Idle()
}
