package protocol

import (
	"errors"
	"fmt"
)

// Request opcodes, host to target
const (
	OpLoad  = 0x01 // reg
	OpStore = 0x02 // reg value
	OpWait  = 0x03 // reg mask spins
)

// Response opcodes, target to host
const (
	OpValue = 0x41 // reg value
	OpAck   = 0x42
	OpError = 0x43 // code
)

// Error codes carried by OpError
const (
	CodeMalformed = 1 // Request could not be decoded
	CodeUnknownOp = 2
	CodeBusFault  = 3 // Register access failed on the target
	CodeTimeout   = 4 // Wait condition never met
)

var (
	ErrUnknownOp    = errors.New("unknown opcode")
	ErrTrailingData = errors.New("trailing data after message")
)

// Request is one register operation
type Request struct {
	Op    uint8
	Reg   uint32
	Value uint8  // OpStore
	Mask  uint8  // OpWait
	Spins uint32 // OpWait
}

// Encode writes the request payload
func (r Request) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(r.Op))
	EncodeVLQUint(output, r.Reg)
	switch r.Op {
	case OpStore:
		EncodeVLQUint(output, uint32(r.Value))
	case OpWait:
		EncodeVLQUint(output, uint32(r.Mask))
		EncodeVLQUint(output, r.Spins)
	}
}

func (r Request) String() string {
	switch r.Op {
	case OpLoad:
		return fmt.Sprintf("load(0x%02x)", r.Reg)
	case OpStore:
		return fmt.Sprintf("store(0x%02x, 0x%02x)", r.Reg, r.Value)
	case OpWait:
		return fmt.Sprintf("wait(0x%02x, mask=0x%02x, spins=%d)", r.Reg, r.Mask, r.Spins)
	default:
		return fmt.Sprintf("op(0x%02x)", r.Op)
	}
}

// DecodeRequest parses a request payload. The whole payload must be consumed.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	op, err := DecodeVLQUint(&payload)
	if err != nil {
		return r, err
	}
	r.Op = uint8(op)

	switch r.Op {
	case OpLoad, OpStore, OpWait:
	default:
		return r, ErrUnknownOp
	}

	if r.Reg, err = DecodeVLQUint(&payload); err != nil {
		return r, err
	}
	switch r.Op {
	case OpStore:
		v, err := DecodeVLQUint(&payload)
		if err != nil {
			return r, err
		}
		r.Value = uint8(v)
	case OpWait:
		mask, err := DecodeVLQUint(&payload)
		if err != nil {
			return r, err
		}
		r.Mask = uint8(mask)
		if r.Spins, err = DecodeVLQUint(&payload); err != nil {
			return r, err
		}
	}

	if len(payload) != 0 {
		return r, ErrTrailingData
	}
	return r, nil
}

// Response answers one Request
type Response struct {
	Op    uint8
	Reg   uint32 // OpValue
	Value uint8  // OpValue
	Code  uint8  // OpError
}

// Encode writes the response payload
func (r Response) Encode(output OutputBuffer) {
	EncodeVLQUint(output, uint32(r.Op))
	switch r.Op {
	case OpValue:
		EncodeVLQUint(output, r.Reg)
		EncodeVLQUint(output, uint32(r.Value))
	case OpError:
		EncodeVLQUint(output, uint32(r.Code))
	}
}

// DecodeResponse parses a response payload
func DecodeResponse(payload []byte) (Response, error) {
	var r Response
	op, err := DecodeVLQUint(&payload)
	if err != nil {
		return r, err
	}
	r.Op = uint8(op)

	switch r.Op {
	case OpValue:
		if r.Reg, err = DecodeVLQUint(&payload); err != nil {
			return r, err
		}
		v, err := DecodeVLQUint(&payload)
		if err != nil {
			return r, err
		}
		r.Value = uint8(v)
	case OpAck:
	case OpError:
		code, err := DecodeVLQUint(&payload)
		if err != nil {
			return r, err
		}
		r.Code = uint8(code)
	default:
		return r, ErrUnknownOp
	}

	if len(payload) != 0 {
		return r, ErrTrailingData
	}
	return r, nil
}

// CodeName returns a short description of an error code
func CodeName(code uint8) string {
	switch code {
	case CodeMalformed:
		return "malformed request"
	case CodeUnknownOp:
		return "unknown opcode"
	case CodeBusFault:
		return "bus fault"
	case CodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("code %d", code)
	}
}
