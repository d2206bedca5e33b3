package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"spiperiph/core"
	"spiperiph/protocol"
	"spiperiph/sim"
)

// startBridge serves regs on one end of a pipe and returns a client on the other
func startBridge(t *testing.T, regs core.Registers, opts ...Option) *Client {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()

	srv := NewServer(regs, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), serverEnd) }()

	c := NewClient(clientEnd, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("Serve failed: %v", err)
		}
	})
	return c
}

func TestBridgeLoadStore(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	c := startBridge(t, regs)

	if err := c.Store(0x2B, 0xA5); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if regs.Peek(0x2B) != 0xA5 {
		t.Errorf("Store did not reach the target")
	}
	v, err := c.Load(0x2B)
	if err != nil || v != 0xA5 {
		t.Errorf("Expected 0xa5, got 0x%02x (%v)", v, err)
	}

	// Sequence numbers wrap after 16 requests
	for i := 0; i < 40; i++ {
		if _, err := c.Load(0x2B); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
}

func TestBridgeJEDEC(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	slave := &core.SPISlave{
		DataDirectionRegister: 0x2A,
		DataRegister:          0x2B,
		SelectPin:             2,
		ClockRateDivider:      core.Divider64,
		DataOrder:             core.MSBFirst,
		IdleSignal:            core.IdleHigh,
		Mode:                  core.Mode0,
	}
	regs.AttachSlave(sim.NewFlash([3]byte{0xC2, 0x20, 0x16}, nil), slave)

	c := startBridge(t, regs)
	d, err := core.NewSPIDriver(c, core.ATmega328P)
	if err != nil {
		t.Fatalf("NewSPIDriver over bridge failed: %v", err)
	}

	if err := d.SelectPeripheral(slave); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := d.WriteBlocking([]byte{0x9F}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	id := make([]byte, 3)
	if err := d.ReadBlocking(id); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := d.DeselectPeripheral(slave); err != nil {
		t.Fatalf("deselect failed: %v", err)
	}

	if !bytes.Equal(id, []byte{0xC2, 0x20, 0x16}) {
		t.Errorf("Expected c2 20 16, got % x", id)
	}
}

func TestBridgeWaitTimeout(t *testing.T) {
	regs := sim.NewRegisters(core.ATmega328P)
	c := startBridge(t, regs)

	if _, err := c.WaitBits(0x4D, 0x80, 10); !errors.Is(err, core.ErrNoResponse) {
		t.Errorf("Expected ErrNoResponse, got %v", err)
	}
	// Not a link failure
	if c.Err() != nil {
		t.Errorf("Expected no sticky error, got %v", c.Err())
	}
}

type faultyRegs struct{}

func (faultyRegs) Load(core.Register) (uint8, error) { return 0, errors.New("bus fault") }
func (faultyRegs) Store(core.Register, uint8) error  { return errors.New("bus fault") }

func TestBridgeRemoteFault(t *testing.T) {
	c := startBridge(t, faultyRegs{})

	_, err := c.Load(0x4E)
	if !errors.Is(err, ErrRemote) {
		t.Errorf("Expected ErrRemote, got %v", err)
	}
	// The link itself is still fine
	if err := c.Store(0x4E, 1); !errors.Is(err, ErrRemote) {
		t.Errorf("Expected ErrRemote on second request, got %v", err)
	}
}

func TestClientTimeoutIsSticky(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverEnd) }()

	c := NewClient(clientEnd, WithTimeout(20*time.Millisecond), WithLogger(zap.NewNop()))
	defer c.Close()

	_, err := c.Load(0x4E)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if _, err2 := c.Load(0x4E); err2 != err {
		t.Errorf("Expected the same sticky error, got %v", err2)
	}
}

func TestClientAfterClose(t *testing.T) {
	clientEnd, _ := net.Pipe()
	c := NewClient(clientEnd)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Store(0x4C, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestServerRejectsMalformed(t *testing.T) {
	srv := NewServer(sim.NewRegisters(core.ATmega328P), nil)

	resp := srv.target.Handle([]byte{0x09})
	if resp.Op != protocol.OpError || resp.Code != protocol.CodeUnknownOp {
		t.Errorf("Expected unknown opcode error, got %+v", resp)
	}
	resp = srv.target.Handle([]byte{protocol.OpStore, 0x4C})
	if resp.Op != protocol.OpError || resp.Code != protocol.CodeMalformed {
		t.Errorf("Expected malformed error, got %+v", resp)
	}
}
