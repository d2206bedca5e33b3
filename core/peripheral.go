// Package core implements the peripheral interface for a shared SPI bus:
// the driver contract, bus arbitration and the interrupt-driven transfer model.
package core

import "errors"

// Peripheral identifies one device on a bus. Drivers assert it to their own
// descriptor type. Descriptors are passed as pointers; the pointer is the
// identity the bus lock is keyed by.
type Peripheral interface{}

// Callback is invoked from interrupt context when a non-blocking transfer
// completes. It must not block.
type Callback func()

// WriteContext bundles everything a non-blocking write needs.
// Buffer belongs to the driver until Callback runs.
type WriteContext struct {
	Buffer   []byte
	Callback Callback
}

var (
	// ErrBusy is returned by SelectPeripheral when another selection holds the bus.
	ErrBusy = errors.New("peripheral interface busy")

	// ErrLockMismatch is returned when a device that does not hold the bus
	// tries to release it.
	ErrLockMismatch = errors.New("peripheral interface lock held by another device")

	// ErrTransferPending is returned when a non-blocking transfer is still
	// in flight and the requested operation would disturb it.
	ErrTransferPending = errors.New("non-blocking transfer pending")

	// ErrInvalidPeripheral is returned for descriptors the driver cannot use.
	ErrInvalidPeripheral = errors.New("invalid peripheral descriptor")

	// ErrNoResponse is returned when the hardware never reports transfer complete.
	ErrNoResponse = errors.New("no response from bus hardware")

	// ErrBufferFull is returned by drivers with bounded internal queues.
	ErrBufferFull = errors.New("bus buffer full")

	// ErrInvalidConfig is returned by SPIDriver.Init for a register layout
	// it cannot drive.
	ErrInvalidConfig = errors.New("invalid SPI bus configuration")

	// ErrNoRegisters is returned by SPIDriver.Init without register access.
	ErrNoRegisters = errors.New("no register access configured")
)

// Interface is the capability set every bus driver implements.
// Platform-specific implementations handle the actual hardware.
type Interface interface {
	// WriteBlocking sends buf one byte at a time and returns after the last
	// byte is on the wire.
	WriteBlocking(buf []byte) error

	// ReadBlocking fills dst one byte at a time.
	ReadBlocking(dst []byte) error

	// WriteNonBlocking arms an interrupt-driven write and returns immediately.
	WriteNonBlocking(ctx WriteContext) error

	// ReadNonBlocking arms an interrupt-driven read into dst and returns
	// immediately. done runs once dst is full.
	ReadNonBlocking(dst []byte, done Callback) error

	// SelectPeripheral takes the bus for p and asserts its chip select.
	// Returns ErrBusy without side effects if the bus is taken.
	SelectPeripheral(p Peripheral) error

	// DeselectPeripheral releases the chip select of p, then the bus.
	DeselectPeripheral(p Peripheral) error

	// HandleWriteInterrupt is called from the transfer-complete interrupt.
	HandleWriteInterrupt()

	// HandleReadInterrupt is called from the transfer-complete interrupt.
	HandleReadInterrupt()
}

// ByteIO is the single-byte primitive the blocking loops are built on.
type ByteIO interface {
	WriteByteBlocking(b byte) error
	ReadByteBlocking() (byte, error)
}

// Transferer is implemented by drivers that can exchange a byte in full duplex.
type Transferer interface {
	TransferByte(b byte) (byte, error)
}

// WriteBytes sends buf through d one byte at a time.
// The caller's memory is read only as each byte is needed.
func WriteBytes(d ByteIO, buf []byte) error {
	for _, b := range buf {
		if err := d.WriteByteBlocking(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes fills dst from d one byte at a time.
func ReadBytes(d ByteIO, dst []byte) error {
	for i := range dst {
		b, err := d.ReadByteBlocking()
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}
