package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/flashkv/flashkv/internal/protocol"
)

// clientConn is the state of one client connection.
type clientConn struct {
	id        string
	conn      net.Conn
	remote    string
	createdAt time.Time
	limiter   *rate.Limiter
	commands  atomic.Int64
}

func newClientConn(id string, conn net.Conn, perSecond float64) *clientConn {
	c := &clientConn{
		id:        id,
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		createdAt: time.Now(),
	}
	if perSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
	return c
}

func (c *clientConn) info() ClientInfo {
	return ClientInfo{
		ID:        c.id,
		Remote:    c.remote,
		CreatedAt: c.createdAt,
		Commands:  c.commands.Load(),
	}
}

// serveConn reads requests from c until the client goes away, sends quit,
// or sends bytes that cannot be decoded. Commands run strictly in order and
// each reply is written before the next command executes.
func (s *Server) serveConn(ctx context.Context, c *clientConn) {
	defer c.conn.Close()

	s.logger.Debug("connection accepted", "conn_id", c.id, "remote", c.remote)

	parser := protocol.NewParser(s.cfg.MaxRequestBytes)
	buf := make([]byte, s.cfg.ReadBufferSize)
	var out []byte

	for {
		if s.cfg.IdleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return
			}
		}

		n, readErr := c.conn.Read(buf)
		if n > 0 {
			if err := parser.Feed(buf[:n]); err != nil {
				s.protocolError(c, err)
				return
			}
			for {
				cmd, err := parser.Next()
				if protocol.IsIncomplete(err) {
					break
				}
				if err != nil {
					s.protocolError(c, err)
					return
				}

				if c.limiter != nil {
					if err := c.limiter.Wait(ctx); err != nil {
						return
					}
				}

				c.commands.Add(1)
				res := s.dispatcher.Execute(cmd)
				out = protocol.AppendValue(out[:0], res.Reply)
				if err := s.write(c, out); err != nil {
					s.logger.Debug("write failed", "conn_id", c.id, "error", err)
					return
				}
				if res.Close {
					return
				}
			}
		}

		if readErr != nil {
			s.logReadError(c, readErr)
			return
		}
	}
}

func (s *Server) write(c *clientConn, b []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(b)
	return err
}

// protocolError tells the client why its connection is being closed.
func (s *Server) protocolError(c *clientConn, err error) {
	s.metrics.ProtocolError()
	s.logger.Warn("protocol error, closing connection", "conn_id", c.id, "remote", c.remote, "error", err)
	_ = s.write(c, protocol.Encode(protocol.Errorf("Protocol error: %s", err)))
}

func (s *Server) logReadError(c *clientConn, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Debug("connection idle timeout", "conn_id", c.id, "remote", c.remote)
		return
	}
	s.logger.Debug("connection read error", "conn_id", c.id, "remote", c.remote, "error", err)
}
