package bridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spiperiph/core"
	"spiperiph/protocol"
)

// DefaultTimeout bounds each request round trip
const DefaultTimeout = 2 * time.Second

var (
	// ErrTimeout is returned when the target does not answer in time.
	// The link is out of step afterwards, so the error is sticky.
	ErrTimeout = errors.New("bridge: response timeout")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("bridge: client closed")

	// ErrRemote wraps errors reported by the target
	ErrRemote = errors.New("bridge: target error")
)

// Client implements core.Registers and core.Poller over a serial link.
// Requests are serialized; each waits for its response.
//
// Any link failure is sticky: once the stream breaks or a response times
// out, every later request fails with the same error.
type Client struct {
	port    io.ReadWriteCloser
	logger  *zap.Logger
	timeout time.Duration

	mu  sync.Mutex // one request in flight
	seq uint8
	out *protocol.ScratchOutput

	respChan  chan *protocol.Message
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

var (
	_ core.Registers = (*Client)(nil)
	_ core.Poller    = (*Client)(nil)
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client's logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient starts a client on port. The client owns port from now on.
func NewClient(port io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		port:     port,
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		seq:      protocol.MessageDest,
		out:      protocol.NewScratchOutput(),
		respChan: make(chan *protocol.Message, 4),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c
}

// Load implements core.Registers
func (c *Client) Load(r core.Register) (uint8, error) {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpLoad, Reg: uint32(r)})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// Store implements core.Registers
func (c *Client) Store(r core.Register, v uint8) error {
	_, err := c.roundTrip(protocol.Request{Op: protocol.OpStore, Reg: uint32(r), Value: v})
	return err
}

// WaitBits implements core.Poller. The target spins on the register, so
// polling costs one round trip.
func (c *Client) WaitBits(r core.Register, mask uint8, spins uint32) (uint8, error) {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpWait, Reg: uint32(r), Mask: mask, Spins: spins})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// Err returns the sticky link error, if any
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) fail(err error) error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
		if !errors.Is(err, ErrClosed) {
			c.logger.Error("bridge link failed", zap.Error(err))
		}
	}
	return c.err
}

func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Err(); err != nil {
		return protocol.Response{}, err
	}

	c.out.Reset()
	seq := c.seq
	if err := protocol.EncodeFrame(c.out, seq, req.Encode); err != nil {
		return protocol.Response{}, fmt.Errorf("encode %v: %w", req, err)
	}
	if _, err := c.port.Write(c.out.Result()); err != nil {
		return protocol.Response{}, c.fail(fmt.Errorf("write %v: %w", req, err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-c.respChan:
			if !ok {
				return protocol.Response{}, c.fail(ErrClosed)
			}
			if msg.Sequence != seq {
				c.logger.Warn("dropping stale response",
					zap.Uint8("expected", seq), zap.Uint8("got", msg.Sequence))
				continue
			}
			c.seq = protocol.NextSequence(seq)
			return c.result(req, msg)

		case <-timer.C:
			return protocol.Response{}, c.fail(fmt.Errorf("%v: %w after %v", req, ErrTimeout, c.timeout))
		}
	}
}

func (c *Client) result(req protocol.Request, msg *protocol.Message) (protocol.Response, error) {
	resp, err := protocol.DecodeResponse(msg.Payload)
	if err != nil {
		return resp, c.fail(fmt.Errorf("decode response to %v: %w", req, err))
	}
	c.logger.Debug("response", zap.Stringer("req", req), zap.Uint8("op", resp.Op), zap.Uint8("value", resp.Value))

	switch resp.Op {
	case protocol.OpError:
		if resp.Code == protocol.CodeTimeout {
			return resp, core.ErrNoResponse
		}
		return resp, fmt.Errorf("%v: %w: %s", req, ErrRemote, protocol.CodeName(resp.Code))
	case protocol.OpValue:
		if req.Op == protocol.OpStore {
			return resp, c.fail(fmt.Errorf("%v: unexpected value response", req))
		}
	case protocol.OpAck:
		if req.Op != protocol.OpStore {
			return resp, c.fail(fmt.Errorf("%v: unexpected ack", req))
		}
	}
	return resp, nil
}

// readLoop decodes responses until the port fails or the client closes
func (c *Client) readLoop() {
	defer close(c.doneChan)
	defer close(c.respChan)

	input := protocol.NewFifoBuffer(protocol.MessageMax)
	dec := protocol.NewDecoder()
	buf := make([]byte, 256)

	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			input.Write(buf[:n])
			dec.Decode(input, c.dispatch)
		}
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				c.fail(fmt.Errorf("read: %w", err))
			}
			c.logger.Debug("read loop done", zap.Any("stats", dec.Stats()))
			return
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	select {
	case c.respChan <- msg:
	default:
		// Nobody is waiting: drop the oldest unclaimed response
		select {
		case <-c.respChan:
		default:
		}
		c.respChan <- msg
	}
}

// Close stops the client and closes the port. It reports the port's close
// error together with any link failure seen before.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopChan)
		err = c.port.Close()
		<-c.doneChan

		linkErr := c.fail(ErrClosed)
		if !errors.Is(linkErr, ErrClosed) {
			err = multierr.Append(err, linkErr)
		}
	})
	return err
}
