package target

import (
	"bytes"
	"errors"
	"testing"

	"spiperiph/core"
	"spiperiph/protocol"
	"spiperiph/sim"
)

// frame encodes req as the host would
func frame(t *testing.T, seq uint8, req protocol.Request) []byte {
	t.Helper()
	out := protocol.NewScratchOutput()
	if err := protocol.EncodeFrame(out, seq, req.Encode); err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return append([]byte(nil), out.Result()...)
}

// responses decodes every frame in data
func responses(t *testing.T, data []byte) []protocol.Response {
	t.Helper()
	in := protocol.NewFifoBuffer(protocol.MessageMax)
	in.Write(data)

	var out []protocol.Response
	protocol.NewDecoder().Decode(in, func(msg *protocol.Message) {
		resp, err := protocol.DecodeResponse(msg.Payload)
		if err != nil {
			t.Errorf("bad response: %v", err)
			return
		}
		out = append(out, resp)
	})
	return out
}

func TestProcessBatch(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	h := New(regs)

	var in []byte
	in = append(in, frame(t, 0x10, protocol.Request{Op: protocol.OpStore, Reg: 0x2B, Value: 0x5A})...)
	in = append(in, frame(t, 0x11, protocol.Request{Op: protocol.OpLoad, Reg: 0x2B})...)
	if n := h.Feed(in); n != len(in) {
		t.Fatalf("Expected %d bytes accepted, got %d", len(in), n)
	}

	var out bytes.Buffer
	if err := h.Process(&out); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	resps := responses(t, out.Bytes())
	if len(resps) != 2 {
		t.Fatalf("Expected 2 responses, got %d", len(resps))
	}
	if resps[0].Op != protocol.OpAck {
		t.Errorf("Expected ack, got %+v", resps[0])
	}
	if resps[1].Op != protocol.OpValue || resps[1].Value != 0x5A {
		t.Errorf("Expected value 0x5a, got %+v", resps[1])
	}
	if h.Stats().Frames != 2 {
		t.Errorf("Expected 2 frames counted, got %d", h.Stats().Frames)
	}

	// Nothing queued: nothing written
	out.Reset()
	if err := h.Process(&out); err != nil || out.Len() != 0 {
		t.Errorf("Expected no output, got %d bytes (%v)", out.Len(), err)
	}
}

func TestWaitBits(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	h := New(regs)

	resp := h.Execute(protocol.Request{Op: protocol.OpWait, Reg: 0x4D, Mask: 0x80, Spins: 5})
	if resp.Op != protocol.OpError || resp.Code != protocol.CodeTimeout {
		t.Errorf("Expected timeout, got %+v", resp)
	}

	// Enable the controller and shift a byte so SPIF is set
	_ = regs.Store(0x4C, 0x50)
	_ = regs.Store(0x4E, 0x00)
	resp = h.Execute(protocol.Request{Op: protocol.OpWait, Reg: 0x4D, Mask: 0x80, Spins: 5})
	if resp.Op != protocol.OpValue || resp.Value&0x80 == 0 {
		t.Errorf("Expected SPIF set, got %+v", resp)
	}
}

type brokenRegs struct{}

func (brokenRegs) Load(core.Register) (uint8, error) { return 0, errors.New("bus fault") }
func (brokenRegs) Store(core.Register, uint8) error  { return errors.New("bus fault") }

func TestHooks(t *testing.T) {
	h := New(brokenRegs{})
	faults, bad := 0, 0
	h.OnFault = func(protocol.Request, error) { faults++ }
	h.OnBadRequest = func([]byte, error) { bad++ }

	resp := h.Handle([]byte{protocol.OpLoad, 0x4E})
	if resp.Op != protocol.OpError || resp.Code != protocol.CodeBusFault {
		t.Errorf("Expected bus fault, got %+v", resp)
	}
	resp = h.Handle([]byte{0x09})
	if resp.Code != protocol.CodeUnknownOp {
		t.Errorf("Expected unknown opcode, got %+v", resp)
	}
	resp = h.Handle([]byte{protocol.OpStore, 0x4C})
	if resp.Code != protocol.CodeMalformed {
		t.Errorf("Expected malformed, got %+v", resp)
	}

	if faults != 1 || bad != 2 {
		t.Errorf("Expected 1 fault and 2 bad requests, got %d and %d", faults, bad)
	}
}
