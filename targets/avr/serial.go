//go:build avr

package main

import (
	"machine"
)

// InitSerial configures UART0, the link to the host
func InitSerial() {
	err := machine.Serial.Configure(machine.UARTConfig{BaudRate: 115200})
	if err != nil {
		return
	}
}

// SerialAvailable returns the number of bytes waiting in the receive buffer
func SerialAvailable() int {
	return machine.Serial.Buffered()
}

// SerialRead reads a single byte
func SerialRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// SerialWriteBytes writes data to the host
func SerialWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}

// DebugPrintln writes a line to the host
func DebugPrintln(s string) {
	machine.Serial.Write([]byte(s))
	machine.Serial.Write([]byte("\r\n"))
}
