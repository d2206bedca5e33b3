// Package protocol implements the register bridge wire protocol.
//
// Frames follow the Klipper message block layout:
//
//	len | seq | payload... | crc16 hi | crc16 lo | 0x7E
//
// Payload fields are VLQ encoded. The first field is the opcode.
package protocol

// Protocol constants
const (
	MessageMax = 512 // Scratch buffer size, holds several frames

	// Message sequence mask
	MessageSeqMask = 0x0F
)

// Message is one decoded frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header/trailer
	CRC      uint16
}

// NextSequence returns the sequence byte that follows seq
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
