// Package bridge carries register accesses over a byte stream, so a host
// can drive an SPI controller that lives on another machine.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"spiperiph/bridge/target"
	"spiperiph/core"
	"spiperiph/protocol"
)

// Server answers register requests against local registers
type Server struct {
	target *target.Handler
	logger *zap.Logger
}

// NewServer creates a server for regs. A nil logger discards output.
func NewServer(regs core.Registers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := target.New(regs)
	t.OnFault = func(req protocol.Request, err error) {
		logger.Error("register access failed", zap.Stringer("req", req), zap.Error(err))
	}
	t.OnBadRequest = func(payload []byte, err error) {
		logger.Warn("bad request", zap.Binary("payload", payload), zap.Error(err))
	}
	t.OnRequest = func(req protocol.Request, resp protocol.Response) {
		logger.Debug("request", zap.Stringer("req", req), zap.Uint8("op", resp.Op), zap.Uint8("value", resp.Value))
	}
	return &Server{target: t, logger: logger}
}

// Serve handles requests from rw until the stream ends or ctx is done.
// A closed stream ends Serve without error.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := rw.Read(buf)
		if n > 0 {
			if w := s.target.Feed(buf[:n]); w < n {
				s.logger.Warn("input overflow, dropping bytes", zap.Int("dropped", n-w))
			}
			if werr := s.target.Process(rw); werr != nil {
				if isClosed(werr) {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if isClosed(err) {
				s.logger.Debug("stream closed", zap.Any("stats", s.target.Stats()))
				return nil
			}
			return err
		}
	}
}

// Handle executes one request
func (s *Server) Handle(req protocol.Request) protocol.Response {
	return s.target.Execute(req)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
