// Package mcu connects to a microcontroller running the register bridge
// firmware and drives its SPI controller from the host.
package mcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spiperiph/bridge"
	"spiperiph/core"
	"spiperiph/host/serial"
)

// ErrNotConnected is returned by operations that need a live connection
var ErrNotConnected = errors.New("mcu: not connected")

const (
	// spif is the transfer-complete flag in the target's SPSR
	spif = 1 << 7

	// serviceSpins bounds one remote wait for spif
	serviceSpins = 1 << 10
)

// MCU represents a connection to a bridge target
type MCU struct {
	logger *zap.Logger

	// Link to the target
	client *bridge.Client

	// SPI controller on the target, driven through the link
	bus *core.SPIDriver

	// Connection state
	connected bool
	name      string
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU(logger *zap.Logger) *MCU {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCU{logger: logger}
}

// Connect connects to an ATmega328P target on device with default settings
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device), core.ATmega328P)
}

// ConnectWithConfig opens the serial port and binds an SPI driver for chip
// to the target's registers
func (m *MCU) ConnectWithConfig(cfg *serial.Config, chip core.SPIConfig) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	// Give the target time to come out of reset, then drop its boot noise
	time.Sleep(100 * time.Millisecond)
	if err := port.Flush(); err != nil {
		m.logger.Warn("flush failed", zap.Error(err))
	}

	return m.Attach(port, cfg.Device, chip)
}

// Attach runs the bridge over an already open link. The MCU owns link from
// now on, even when Attach fails.
func (m *MCU) Attach(link io.ReadWriteCloser, name string, chip core.SPIConfig) error {
	if m.connected {
		return errors.New("mcu: already connected")
	}

	client := bridge.NewClient(link, bridge.WithLogger(m.logger.Named("bridge")))
	bus, err := core.NewSPIDriver(client, chip)
	if err != nil {
		return multierr.Append(fmt.Errorf("init SPI on %s: %w", name, err), client.Close())
	}

	m.client = client
	m.bus = bus
	m.name = name
	m.connected = true
	m.logger.Info("connected", zap.String("target", name))
	return nil
}

// Bus returns the target's SPI controller. The target runs no
// transfer-complete vector, so non-blocking transfers on it only advance
// while Service or Flush is called.
func (m *MCU) Bus() (*core.SPIDriver, error) {
	if !m.connected {
		return nil, ErrNotConnected
	}
	return m.bus, nil
}

// Service plays the target's transfer-complete interrupt once: it waits on
// the target for spif and runs the bus's handlers. It reports whether a
// byte completed. An idle bus costs no round trip.
func (m *MCU) Service() (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	if m.bus.Idle() {
		return false, nil
	}

	_, err := m.client.WaitBits(m.bus.Config().StatusRegister, spif, serviceSpins)
	if errors.Is(err, core.ErrNoResponse) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.bus.HandleInterrupt()
	// Handlers report register faults through the debug log only
	if err := m.client.Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Flush services the bus until no non-blocking transfer is pending
func (m *MCU) Flush(ctx context.Context) error {
	for {
		if !m.connected {
			return ErrNotConnected
		}
		if m.bus.Idle() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.Service(); err != nil {
			return err
		}
	}
}

// Registers returns raw register access to the target
func (m *MCU) Registers() (core.Registers, error) {
	if !m.connected {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// IsConnected returns whether the link is up. A link failure since connecting
// counts as disconnected.
func (m *MCU) IsConnected() bool {
	return m.connected && m.client.Err() == nil
}

// String returns the target name
func (m *MCU) String() string {
	if m.name == "" {
		return "mcu(unconnected)"
	}
	return m.name
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	m.bus = nil
	return m.client.Close()
}
