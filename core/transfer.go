package core

import "sync/atomic"

// TransferState is the per-bus state of interrupt-driven transfers.
// One write and one read may be pending at the same time; each direction is
// tracked on its own.
//
// Mainline arms a direction and hands its buffer over. From then on only the
// interrupt handler touches that direction, until the completion callback
// hands the buffer back.
//
// TransferState does no locking of its own: callers serialise access, with
// interrupts disabled on the MCU or a mutex on hosted drivers.
type TransferState struct {
	output    []byte // bytes still to send, nil when idle
	input     []byte // slots still to fill, nil when idle
	writeDone Callback
	readDone  Callback
}

// ArmWrite hands buf to the interrupt handler. buf must not be empty.
func (t *TransferState) ArmWrite(buf []byte, done Callback) error {
	if t.output != nil {
		return ErrTransferPending
	}
	t.output = buf
	t.writeDone = done
	return nil
}

// ArmRead hands dst to the interrupt handler. dst must not be empty.
func (t *TransferState) ArmRead(dst []byte, done Callback) error {
	if t.input != nil {
		return ErrTransferPending
	}
	t.input = dst
	t.readDone = done
	return nil
}

// NextOutput returns the byte the pending write sends next.
func (t *TransferState) NextOutput() (byte, bool) {
	if len(t.output) == 0 {
		return 0, false
	}
	return t.output[0], true
}

// WriteUnit records that one byte of the pending write has left the bus.
// It returns the next byte to send, or the completion callback once the
// buffer is drained, at which point the write side is idle again.
func (t *TransferState) WriteUnit() (next byte, more bool, done Callback) {
	if t.output == nil {
		return 0, false, nil
	}
	t.output = t.output[1:]
	if len(t.output) > 0 {
		return t.output[0], true, nil
	}
	done = t.writeDone
	t.output = nil
	t.writeDone = nil
	return 0, false, done
}

// ReadUnit stores one received byte into the pending read. It reports
// whether more bytes are expected, or returns the completion callback once
// the buffer is full, at which point the read side is idle again.
func (t *TransferState) ReadUnit(b byte) (more bool, done Callback) {
	if t.input == nil {
		return false, nil
	}
	t.input[0] = b
	t.input = t.input[1:]
	if len(t.input) > 0 {
		return true, nil
	}
	done = t.readDone
	t.input = nil
	t.readDone = nil
	return false, done
}

// DropWrite abandons the pending write without running its callback.
func (t *TransferState) DropWrite() {
	t.output = nil
	t.writeDone = nil
}

// DropRead abandons the pending read without running its callback.
func (t *TransferState) DropRead() {
	t.input = nil
	t.readDone = nil
}

// WritePending reports whether a write is in flight.
func (t *TransferState) WritePending() bool { return t.output != nil }

// ReadPending reports whether a read is in flight.
func (t *TransferState) ReadPending() bool { return t.input != nil }

// WriteRemaining returns the number of bytes the pending write still has to send.
func (t *TransferState) WriteRemaining() int { return len(t.output) }

// ReadRemaining returns the number of bytes the pending read still expects.
func (t *TransferState) ReadRemaining() int { return len(t.input) }

// Idle reports whether neither direction is pending.
func (t *TransferState) Idle() bool {
	return t.output == nil && t.input == nil
}

// handlerGuard counts how deep a driver is inside its own interrupt
// handlers and completion callbacks.
type handlerGuard struct {
	depth atomic.Int32
}

func (g *handlerGuard) enter() { g.depth.Add(1) }
func (g *handlerGuard) exit()  { g.depth.Add(-1) }

// mainline panics if called from interrupt context. A blocking transfer
// there would stall the handler and clobber the transfer it is servicing.
func (g *handlerGuard) mainline(op string) {
	if inInterrupt() || g.depth.Load() > 0 {
		panic("core: " + op + " called from interrupt context")
	}
}
