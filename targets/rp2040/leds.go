//go:build rp2040 || rp2350

package main

import (
	"image/color"
	"machine"

	"spiperiph/device"
)

// The strip shares the bus with the flash. A 74HCT125 buffer gates its data
// (GPIO3) and clock (GPIO2); the buffer enable, GPIO6 active low, is the
// strip's chip select.
const stripLength = 8

var (
	stripChip  = Chip{Select: machine.GPIO6}
	stripColor = color.RGBA{R: 0x20, G: 0x08, A: 0xFF}
)

// NewLEDStrip configures the strip's chip select on bus
func NewLEDStrip(bus *PIOSPI) *device.Strip {
	bus.ConfigureChip(&stripChip)
	return device.NewStrip(device.NewConn(bus, &stripChip), stripLength, stripColor)
}
