package device

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"spiperiph/core"
	"spiperiph/sim"
)

var winbond = [3]byte{0xEF, 0x40, 0x18}

func flashBus(t *testing.T, mem []byte) (*core.SPIDriver, *core.SPISlave, *sim.Flash) {
	t.Helper()
	regs := sim.NewRegisters(core.ATmega328P)
	d, err := core.NewSPIDriver(regs, core.ATmega328P)
	if err != nil {
		t.Fatalf("NewSPIDriver failed: %v", err)
	}

	slave := &core.SPISlave{
		DataDirectionRegister: 0x24,
		DataRegister:          0x25,
		SelectPin:             1,
		ClockRateDivider:      core.Divider64,
		DataOrder:             core.MSBFirst,
		IdleSignal:            core.IdleHigh,
		Mode:                  core.Mode0,
	}
	if err := d.ConfigureSlave(slave); err != nil {
		t.Fatalf("ConfigureSlave failed: %v", err)
	}
	flash := sim.NewFlash(winbond, mem)
	regs.AttachSlave(flash, slave)
	return d, slave, flash
}

func TestFlashOverSPIDriver(t *testing.T) {
	mem := []byte("spi nor contents")
	d, slave, model := flashBus(t, mem)
	f := NewFlash(NewConn(d, slave))

	id, err := f.JEDECID()
	if err != nil {
		t.Fatalf("JEDECID failed: %v", err)
	}
	if id != (JEDECID{0xEF, 0x40, 0x18}) {
		t.Errorf("Expected ef 40 18, got %v", id)
	}
	if id.Size() != 16<<20 {
		t.Errorf("Expected 16 MiB, got %d", id.Size())
	}

	model.SetStatus(0x02)
	if status, err := f.Status(); err != nil || status != 0x02 {
		t.Errorf("Expected status 0x02, got 0x%02x (%v)", status, err)
	}

	buf := make([]byte, 3)
	if err := f.Read(4, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("nor")) {
		t.Errorf("Expected \"nor\", got %q", buf)
	}

	if d.Owner() != nil {
		t.Errorf("Expected bus released after each transaction")
	}
	if got := model.Commands(); !bytes.Equal(got, []byte{0x9F, 0x05, 0x03}) {
		t.Errorf("Unexpected command sequence % x", got)
	}
}

func TestFlashNotResponding(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	d, _ := core.NewSPIDriver(regs, core.ATmega328P)
	slave := &core.SPISlave{DataDirectionRegister: 0x24, DataRegister: 0x25, SelectPin: 1, ClockRateDivider: core.Divider4}

	_, err := NewFlash(NewConn(d, slave)).JEDECID()
	if !errors.Is(err, ErrNotResponding) {
		t.Errorf("Expected ErrNotResponding with nothing attached, got %v", err)
	}
}

func TestFlashWaitReady(t *testing.T) {
	d, slave, model := flashBus(t, nil)
	f := NewFlash(NewConn(d, slave))

	model.SetStatus(0x01)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.WaitReady(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline while busy, got %v", err)
	}

	model.SetStatus(0x00)
	if err := f.WaitReady(context.Background(), time.Millisecond); err != nil {
		t.Errorf("WaitReady failed: %v", err)
	}
}

// loopDev is a descriptor for loop-back buses, which accept any pointer
type loopDev struct{ name string }

func TestConnLoopbackHalfDuplex(t *testing.T) {
	bus := core.NewLoopback()
	c := NewConn(bus, new(loopDev))

	rx := make([]byte, 2)
	if err := c.Tx([]byte{0xA1, 0xA2}, rx); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if !bytes.Equal(rx, []byte{0xA1, 0xA2}) {
		t.Errorf("Expected written bytes read back, got % x", rx)
	}
	if b, err := c.Transfer(0x42); err != nil || b != 0x42 {
		t.Errorf("Transfer: expected 0x42, got 0x%02x (%v)", b, err)
	}
}

func TestConnBusy(t *testing.T) {
	bus := core.NewLoopback()
	other := "other"
	_ = bus.SelectPeripheral(&other)

	err := NewConn(bus, new(loopDev)).Tx([]byte{1}, nil)
	if !errors.Is(err, core.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
}

// failingBus fails every write after selecting
type failingBus struct {
	*core.Loopback
}

var errWrite = errors.New("write failed")

func (f failingBus) WriteBlocking(buf []byte) error { return errWrite }

func TestConnReleasesBusOnFailure(t *testing.T) {
	bus := failingBus{core.NewLoopback()}
	err := NewConn(bus, new(loopDev)).Tx([]byte{1, 2}, nil)
	if !errors.Is(err, errWrite) {
		t.Errorf("Expected write error, got %v", err)
	}
	if bus.Owner() != nil {
		t.Errorf("Expected bus released after failed transfer")
	}
	if n := len(multierr.Errors(err)); n != 1 {
		t.Errorf("Expected a single error, got %d", n)
	}
}
