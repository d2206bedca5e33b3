//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"spiperiph/core"
	"spiperiph/device"
)

// Flash wired to GPIO2-5, the SPI0 pins of the Pico
var flashChip = Chip{Select: machine.GPIO5}

var (
	spi   *PIOSPI
	strip *device.Strip

	statusCmd  = []byte{0x05}
	statusByte [1]byte
	statusBusy bool

	// Debug counters
	probes   uint32
	failures uint32
)

func main() {
	// Disable watchdog on boot to clear any previous state
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	core.SetDebugWriter(DebugPrintln)
	core.SetDebugEnabled(true)
	core.InitAsyncDebug()

	spi, err = NewPIOSPI(rp2pio.PIO0.StateMachine(0), machine.SPIConfig{
		Frequency: 4_000_000,
		SCK:       machine.GPIO2,
		SDO:       machine.GPIO3,
		SDI:       machine.GPIO4,
		Mode:      0,
	})
	if err != nil {
		DebugPrintln("pio spi: " + err.Error())
		return
	}
	core.RegisterBus(0, spi)
	spi.ConfigureChip(&flashChip)
	strip = NewLEDStrip(spi)

	flash := device.NewFlash(device.NewConn(spi, &flashChip))
	next := time.Now()

	// Main loop
	for {
		// Recover from panics in the main loop to prevent a firmware crash
		func() {
			defer func() {
				if r := recover(); r != nil {
					failures++
					core.DumpEventRing()
				}
			}()

			spi.Service()

			if time.Now().Before(next) {
				return
			}
			next = next.Add(time.Second)
			probes++

			if id, err := flash.JEDECID(); err != nil {
				failures++
				DebugPrintln("jedec: " + err.Error())
			} else {
				DebugPrintln("jedec: " + id.String())
			}
			if err := strip.ShowLevel(uint8(probes)); err != nil {
				DebugPrintln("leds: " + err.Error())
			}
			if err := startStatusRead(); err != nil {
				DebugPrintln("status: " + err.Error())
			}
		}()

		// Yield to other goroutines
		time.Sleep(10 * time.Microsecond)
	}
}

// startStatusRead queues the status command; its completion arms the read
// and the read's completion releases the chip. Both run from Service.
func startStatusRead() error {
	if statusBusy {
		return nil
	}
	if err := spi.SelectPeripheral(&flashChip); err != nil {
		return err
	}
	statusBusy = true

	err := spi.WriteNonBlocking(core.WriteContext{Buffer: statusCmd, Callback: readStatus})
	if err != nil {
		finishStatus()
	}
	return err
}

func readStatus() {
	err := spi.ReadNonBlocking(statusByte[:], func() {
		DebugPrintln("status: 0x" + hex8(statusByte[0]))
		finishStatus()
	})
	if err != nil {
		DebugPrintln("status: " + err.Error())
		finishStatus()
	}
}

func finishStatus() {
	if err := spi.DeselectPeripheral(&flashChip); err != nil {
		DebugPrintln("status: " + err.Error())
	}
	statusBusy = false
}

func hex8(v byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>4], digits[v&0x0F]})
}
