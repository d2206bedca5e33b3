// Package target answers register bridge requests against local registers.
// It carries no host dependencies, so the same code runs in bridge firmware
// and inside the host-side server.
package target

import (
	"errors"
	"io"

	"spiperiph/core"
	"spiperiph/protocol"
)

// Handler decodes request frames, executes them and encodes the responses
type Handler struct {
	regs   core.Registers
	input  *protocol.FifoBuffer
	dec    *protocol.Decoder
	output *protocol.ScratchOutput

	// OnFault, when set, observes failed register accesses
	OnFault func(req protocol.Request, err error)

	// OnBadRequest, when set, observes payloads that do not decode
	OnBadRequest func(payload []byte, err error)

	// OnRequest, when set, observes every executed request
	OnRequest func(req protocol.Request, resp protocol.Response)
}

// New creates a handler for regs
func New(regs core.Registers) *Handler {
	return &Handler{
		regs:   regs,
		input:  protocol.NewFifoBuffer(protocol.MessageMax),
		dec:    protocol.NewDecoder(),
		output: protocol.NewScratchOutput(),
	}
}

// Feed queues received bytes and returns how many fit
func (h *Handler) Feed(data []byte) int {
	return h.input.Write(data)
}

// Process answers every complete request queued so far, writing all
// responses to w in one call
func (h *Handler) Process(w io.Writer) error {
	h.output.Reset()
	h.dec.Decode(h.input, func(msg *protocol.Message) {
		resp := h.Handle(msg.Payload)
		// Responses are a few bytes; they always fit a frame
		_ = protocol.EncodeFrame(h.output, msg.Sequence, resp.Encode)
	})
	if h.output.CurPosition() == 0 {
		return nil
	}
	_, err := w.Write(h.output.Result())
	return err
}

// Stats returns the frame decoder's counters
func (h *Handler) Stats() protocol.DecoderStats {
	return h.dec.Stats()
}

// Reset drops queued input and decoder state
func (h *Handler) Reset() {
	h.input.Reset()
	h.dec.Reset()
}

// Handle decodes and executes one request payload
func (h *Handler) Handle(payload []byte) protocol.Response {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		if h.OnBadRequest != nil {
			h.OnBadRequest(payload, err)
		}
		if errors.Is(err, protocol.ErrUnknownOp) {
			return protocol.Response{Op: protocol.OpError, Code: protocol.CodeUnknownOp}
		}
		return protocol.Response{Op: protocol.OpError, Code: protocol.CodeMalformed}
	}
	resp := h.Execute(req)
	if h.OnRequest != nil {
		h.OnRequest(req, resp)
	}
	return resp
}

// Execute runs one request. A wait spins locally and answers CodeTimeout
// when the bits never show up.
func (h *Handler) Execute(req protocol.Request) protocol.Response {
	reg := core.Register(req.Reg)
	switch req.Op {
	case protocol.OpLoad:
		v, err := h.regs.Load(reg)
		if err != nil {
			return h.fault(req, err)
		}
		return protocol.Response{Op: protocol.OpValue, Reg: req.Reg, Value: v}

	case protocol.OpStore:
		if err := h.regs.Store(reg, req.Value); err != nil {
			return h.fault(req, err)
		}
		return protocol.Response{Op: protocol.OpAck}

	case protocol.OpWait:
		for i := uint32(0); i < req.Spins; i++ {
			v, err := h.regs.Load(reg)
			if err != nil {
				return h.fault(req, err)
			}
			if v&req.Mask != 0 {
				return protocol.Response{Op: protocol.OpValue, Reg: req.Reg, Value: v}
			}
		}
		return protocol.Response{Op: protocol.OpError, Code: protocol.CodeTimeout}
	}
	return protocol.Response{Op: protocol.OpError, Code: protocol.CodeUnknownOp}
}

func (h *Handler) fault(req protocol.Request, err error) protocol.Response {
	if h.OnFault != nil {
		h.OnFault(req, err)
	}
	return protocol.Response{Op: protocol.OpError, Code: protocol.CodeBusFault}
}
