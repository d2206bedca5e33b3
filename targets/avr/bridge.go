//go:build avr && spibridge

package main

import (
	"spiperiph/bridge/target"
	"spiperiph/core"
	"spiperiph/protocol"
)

// Bridge firmware: the host drives the SPI controller's registers over
// UART0. No transfer-complete vector is installed here. Entering it would
// clear SPIF before the host polls for it, so the host services the
// interrupt itself (see mcu.MCU.Service).
func main() {
	InitSerial()

	h := target.New(core.MMIO{})
	h.OnFault = func(protocol.Request, error) {
		core.RecordEvent(core.EvtFault, 0, 0)
	}

	var buf [32]byte
	for {
		n := 0
		for n < len(buf) && SerialAvailable() > 0 {
			b, err := SerialRead()
			if err != nil {
				break
			}
			buf[n] = b
			n++
		}
		if n == 0 {
			continue
		}
		if h.Feed(buf[:n]) < n {
			h.Reset()
			continue
		}
		_ = h.Process(serialWriter{})
	}
}

type serialWriter struct{}

func (serialWriter) Write(p []byte) (int, error) {
	return SerialWriteBytes(p)
}
