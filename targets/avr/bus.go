//go:build avr && !spibridge

package main

import (
	"device/avr"
	"runtime/interrupt"

	"spiperiph/core"
)

// The SPI controller's handle lives in static storage; the vector below
// reaches it through the bus registry.
var bus core.SPIDriver

const busID core.BusID = 0

// InitBus brings up the controller and publishes its handle
func InitBus() error {
	if err := bus.Init(core.MMIO{}, core.ATmega328P); err != nil {
		return err
	}
	core.RegisterBus(busID, &bus)

	interrupt.New(avr.IRQ_SPI_STC, func(interrupt.Interrupt) {
		core.MustBus(busID).(*core.SPIDriver).HandleInterrupt()
	}).Enable()
	return nil
}
