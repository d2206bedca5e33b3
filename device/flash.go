package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tinygo.org/x/drivers"
)

// SPI NOR commands
const (
	cmdRead       = 0x03
	cmdReadStatus = 0x05
	cmdJEDECID    = 0x9F
)

const statusBusy = 1 << 0

// ErrNotResponding is returned when the JEDEC ID reads as all ones or all
// zeros, i.e. nothing drives MISO.
var ErrNotResponding = errors.New("flash not responding")

// JEDECID identifies a flash chip
type JEDECID struct {
	Manufacturer byte
	MemoryType   byte
	Capacity     byte // log2 of the size in bytes
}

func (id JEDECID) String() string {
	return fmt.Sprintf("%02x %02x %02x", id.Manufacturer, id.MemoryType, id.Capacity)
}

// Size returns the chip size in bytes, or 0 if the capacity code is out of range
func (id JEDECID) Size() uint32 {
	if id.Capacity >= 32 {
		return 0
	}
	return 1 << id.Capacity
}

// Flash talks to a SPI NOR flash on any drivers.SPI
type Flash struct {
	bus drivers.SPI
}

// NewFlash creates a flash helper on bus
func NewFlash(bus drivers.SPI) *Flash {
	return &Flash{bus: bus}
}

// JEDECID reads the manufacturer and device ID
func (f *Flash) JEDECID() (JEDECID, error) {
	tx := []byte{cmdJEDECID, 0, 0, 0}
	rx := make([]byte, len(tx))
	if err := f.bus.Tx(tx, rx); err != nil {
		return JEDECID{}, fmt.Errorf("read JEDEC ID: %w", err)
	}
	id := JEDECID{Manufacturer: rx[1], MemoryType: rx[2], Capacity: rx[3]}
	if id == (JEDECID{0xFF, 0xFF, 0xFF}) || id == (JEDECID{}) {
		return id, ErrNotResponding
	}
	return id, nil
}

// Status reads status register 1
func (f *Flash) Status() (byte, error) {
	tx := []byte{cmdReadStatus, 0}
	rx := make([]byte, len(tx))
	if err := f.bus.Tx(tx, rx); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return rx[1], nil
}

// Read fills buf starting at the 24-bit address addr
func (f *Flash) Read(addr uint32, buf []byte) error {
	if addr > 0xFFFFFF {
		return fmt.Errorf("address 0x%x out of 24-bit range", addr)
	}
	tx := make([]byte, 4+len(buf))
	tx[0] = cmdRead
	tx[1] = byte(addr >> 16)
	tx[2] = byte(addr >> 8)
	tx[3] = byte(addr)
	rx := make([]byte, len(tx))
	if err := f.bus.Tx(tx, rx); err != nil {
		return fmt.Errorf("read 0x%06x: %w", addr, err)
	}
	copy(buf, rx[4:])
	return nil
}

// WaitReady polls the status register until the busy bit clears
func (f *Flash) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := f.Status()
		if err != nil {
			return err
		}
		if status&statusBusy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
