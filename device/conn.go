// Package device adapts a shared bus to the tinygo.org/x/drivers SPI
// interface, so device drivers written against drivers.SPI run on any
// core.Interface.
package device

import (
	"fmt"

	"go.uber.org/multierr"
	"tinygo.org/x/drivers"

	"spiperiph/core"
)

// Conn is one device's view of a shared bus. Every call is a complete
// transaction: select, transfer, deselect. Another device may take the bus
// between calls.
type Conn struct {
	bus core.Interface
	dev core.Peripheral
}

var _ drivers.SPI = (*Conn)(nil)

// NewConn binds dev to bus
func NewConn(bus core.Interface, dev core.Peripheral) *Conn {
	return &Conn{bus: bus, dev: dev}
}

// Tx runs one transaction. When both w and r are given and the bus can
// exchange bytes in full duplex, byte i of r is received while byte i of w
// is sent; the shorter buffer is padded with zeros. Otherwise w is sent
// first and r is read afterwards.
//
// The bus is released even when the transfer fails; both errors are
// reported.
func (c *Conn) Tx(w, r []byte) (err error) {
	if err := c.bus.SelectPeripheral(c.dev); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	defer func() {
		if derr := c.bus.DeselectPeripheral(c.dev); derr != nil {
			err = multierr.Append(err, fmt.Errorf("deselect: %w", derr))
		}
	}()

	if t, ok := c.bus.(core.Transferer); ok && len(w) > 0 && len(r) > 0 {
		return duplex(t, w, r)
	}
	if len(w) > 0 {
		if err := c.bus.WriteBlocking(w); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	if len(r) > 0 {
		if err := c.bus.ReadBlocking(r); err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
	return nil
}

func duplex(t core.Transferer, w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, err := t.TransferByte(out)
		if err != nil {
			return fmt.Errorf("transfer byte %d: %w", i, err)
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

// Transfer sends b in its own transaction and returns the byte received
func (c *Conn) Transfer(b byte) (byte, error) {
	var rx [1]byte
	if err := c.Tx([]byte{b}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}
