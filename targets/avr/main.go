//go:build avr && !spibridge

package main

import (
	"runtime/volatile"
	"time"

	"spiperiph/core"
	"spiperiph/device"
)

// Flash on the SS line of the ATmega328P (Arduino D10)
var flashChip = core.SPISlave{
	DataDirectionRegister: 0x24, // DDRB
	DataRegister:          0x25, // PORTB
	SelectPin:             2,
	ClockRateDivider:      core.Divider4,
	DataOrder:             core.MSBFirst,
	IdleSignal:            core.IdleHigh,
	Mode:                  core.Mode0,
}

var (
	statusCmd  = []byte{0x05}
	statusByte [1]byte
	statusDone volatile.Register8 // set from the SPI vector
)

func statusFinished() { statusDone.Set(1) }

func main() {
	InitSerial()
	core.SetDebugWriter(DebugPrintln)
	core.SetDebugEnabled(true)
	// No worker goroutine here; the loop below drains handler faults
	core.InitDebugQueue()

	if err := InitBus(); err != nil {
		DebugPrintln("spi init: " + err.Error())
		return
	}
	if err := bus.ConfigureSlave(&flashChip); err != nil {
		DebugPrintln("configure flash: " + err.Error())
		return
	}

	flash := device.NewFlash(device.NewConn(&bus, &flashChip))
	for {
		id, err := flash.JEDECID()
		if err != nil {
			DebugPrintln("jedec: " + err.Error())
		} else {
			DebugPrintln("jedec: " + id.String())
		}

		if err := readStatusAsync(); err != nil {
			DebugPrintln("status: " + err.Error())
		}
		core.DrainDebug()

		time.Sleep(time.Second)
	}
}

// readStatusAsync reads the status register with interrupt-driven
// transfers: the command goes out, then its completion arms the read.
func readStatusAsync() error {
	if err := bus.SelectPeripheral(&flashChip); err != nil {
		return err
	}
	err := bus.WriteNonBlocking(core.WriteContext{
		Buffer: statusCmd,
		Callback: func() {
			if bus.ReadNonBlocking(statusByte[:], statusFinished) != nil {
				statusFinished()
			}
		},
	})
	if err != nil {
		_ = bus.DeselectPeripheral(&flashChip)
		return err
	}

	deadline := time.Now().Add(10 * time.Millisecond)
	for statusDone.Get() == 0 {
		if time.Now().After(deadline) {
			core.DumpEventRing()
			return core.ErrNoResponse
		}
	}
	statusDone.Set(0)
	DebugPrintln("status: 0x" + hex8(statusByte[0]))
	return bus.DeselectPeripheral(&flashChip)
}

func hex8(v byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>4], digits[v&0x0F]})
}
