package protocol

import "errors"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
)

// ErrFrameTooLong is returned when a payload does not fit one frame
var ErrFrameTooLong = errors.New("frame payload too long")

// EncodeFrame writes one complete frame carrying the payload produced by
// body. Nothing is written if the payload exceeds MessagePayloadMax.
func EncodeFrame(output OutputBuffer, seq uint8, body func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	if body != nil {
		body(scratch)
	}
	payload := scratch.Result()
	if len(payload) > MessagePayloadMax {
		return ErrFrameTooLong
	}

	cursor := output.CurPosition()
	output.Output([]byte{uint8(len(payload) + MessageLengthMin), seq&MessageSeqMask | MessageDest})
	output.Output(payload)

	crc := CRC16(output.DataSince(cursor))
	output.Output(crcBytes(crc))
	output.Output([]byte{MessageValueSync})
	return nil
}

// DecoderStats counts what a Decoder saw on the wire
type DecoderStats struct {
	Frames    uint32 // Valid frames delivered
	CRCErrors uint32 // Frames dropped for a bad checksum
	Resyncs   uint32 // Times the decoder lost framing
}

// Decoder extracts frames from a byte stream. After any framing error it
// discards input up to the next sync byte.
type Decoder struct {
	synchronized bool
	stats        DecoderStats
}

// NewDecoder creates a Decoder that starts synchronized
func NewDecoder() *Decoder {
	return &Decoder{synchronized: true}
}

// Stats returns the decoder counters
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Decode delivers every complete frame in input to handle and pops the
// consumed bytes. A partial frame stays in input until more data arrives.
// Payloads passed to handle are copies.
func (d *Decoder) Decode(input InputBuffer, handle func(msg *Message)) {
	data := input.Data()

	for len(data) > 0 {
		if !d.synchronized {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}
			if syncPos < 0 {
				data = nil
				break
			}
			data = data[syncPos+1:]
			d.synchronized = true
			continue
		}

		// Skip leading sync bytes
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			d.lostSync()
			continue
		}

		seq := data[MessagePositionSeq]
		if seq&^MessageSeqMask != MessageDest {
			d.lostSync()
			continue
		}

		if len(data) < msgLen {
			break
		}

		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			d.lostSync()
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			d.stats.CRCErrors++
			d.lostSync()
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		msg := &Message{
			Length:   uint8(msgLen),
			Sequence: seq,
			Payload:  payload,
			CRC:      frameCRC,
		}
		data = data[msgLen:]

		d.stats.Frames++
		if handle != nil {
			handle(msg)
		}
	}

	consumed := input.Available() - len(data)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (d *Decoder) lostSync() {
	d.synchronized = false
	d.stats.Resyncs++
}

// Reset returns the decoder to its initial state
func (d *Decoder) Reset() {
	d.synchronized = true
	d.stats = DecoderStats{}
}
