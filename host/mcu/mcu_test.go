package mcu

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"spiperiph/bridge"
	"spiperiph/core"
	"spiperiph/device"
	"spiperiph/sim"
)

func TestAttachAndReadID(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega32U4)
	slave := &core.SPISlave{
		DataDirectionRegister: 0x24,
		DataRegister:          0x25,
		SelectPin:             4,
		ClockRateDivider:      core.Divider16,
		DataOrder:             core.MSBFirst,
		IdleSignal:            core.IdleHigh,
		Mode:                  core.Mode0,
	}
	regs.AttachSlave(sim.NewFlash([3]byte{0x20, 0xBA, 0x19}, nil), slave)

	hostEnd, targetEnd := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- bridge.NewServer(regs, nil).Serve(context.Background(), targetEnd) }()

	m := NewMCU(zaptest.NewLogger(t))
	if _, err := m.Bus(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before Attach, got %v", err)
	}
	if err := m.Attach(hostEnd, "pipe", core.ATmega32U4); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !m.IsConnected() {
		t.Errorf("Expected connected after Attach")
	}
	if m.String() != "pipe" {
		t.Errorf("Expected name pipe, got %s", m.String())
	}

	bus, err := m.Bus()
	if err != nil {
		t.Fatalf("Bus failed: %v", err)
	}
	id, err := device.NewFlash(device.NewConn(bus, slave)).JEDECID()
	if err != nil {
		t.Fatalf("JEDECID failed: %v", err)
	}
	if id != (device.JEDECID{Manufacturer: 0x20, MemoryType: 0xBA, Capacity: 0x19}) {
		t.Errorf("Expected 20 ba 19, got %v", id)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if m.IsConnected() {
		t.Errorf("Expected disconnected after Close")
	}
	if err := <-done; err != nil {
		t.Errorf("Serve failed: %v", err)
	}
	// Closing twice is harmless
	if err := m.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestNonBlockingServiced(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	slave := &core.SPISlave{
		DataDirectionRegister: 0x24,
		DataRegister:          0x25,
		SelectPin:             2,
		ClockRateDivider:      core.Divider4,
		DataOrder:             core.MSBFirst,
		IdleSignal:            core.IdleHigh,
		Mode:                  core.Mode0,
	}
	regs.AttachSlave(sim.NewFlash([3]byte{0xC2, 0x20, 0x16}, nil), slave)

	hostEnd, targetEnd := net.Pipe()
	go func() { _ = bridge.NewServer(regs, nil).Serve(context.Background(), targetEnd) }()

	m := NewMCU(zaptest.NewLogger(t))
	if _, err := m.Service(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before Attach, got %v", err)
	}
	if err := m.Attach(hostEnd, "pipe", core.ATmega328P); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer m.Close()

	bus, _ := m.Bus()
	if ran, err := m.Service(); ran || err != nil {
		t.Errorf("Expected idle bus to need no service, got %v %v", ran, err)
	}

	if err := bus.ConfigureSlave(slave); err != nil {
		t.Fatalf("ConfigureSlave failed: %v", err)
	}
	if err := bus.SelectPeripheral(slave); err != nil {
		t.Fatalf("SelectPeripheral failed: %v", err)
	}

	id := make([]byte, 3)
	writes, reads := 0, 0
	err := bus.WriteNonBlocking(core.WriteContext{
		Buffer: []byte{0x9F},
		Callback: func() {
			writes++
			if err := bus.ReadNonBlocking(id, func() { reads++ }); err != nil {
				t.Errorf("ReadNonBlocking from write callback failed: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("WriteNonBlocking failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if writes != 1 || reads != 1 {
		t.Errorf("Expected one callback each, got writes=%d reads=%d", writes, reads)
	}
	if !bytes.Equal(id, []byte{0xC2, 0x20, 0x16}) {
		t.Errorf("Expected c2 20 16, got % x", id)
	}
	if err := bus.DeselectPeripheral(slave); err != nil {
		t.Errorf("DeselectPeripheral failed: %v", err)
	}
}

func TestAttachRejectsBadChip(t *testing.T) {
	hostEnd, _ := net.Pipe()
	m := NewMCU(nil)
	if err := m.Attach(hostEnd, "pipe", core.SPIConfig{}); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for an empty chip config, got %v", err)
	}
	if m.IsConnected() {
		t.Errorf("Failed Attach left the MCU connected")
	}
}
