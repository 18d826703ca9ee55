// Package server implements the FlashKV TCP server: the accept loop, the
// per-connection read loop and the command dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flashkv/flashkv/internal/metrics"
	"github.com/flashkv/flashkv/internal/protocol"
)

// Config holds server configuration.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// MaxClients caps concurrent connections. 0 means no limit.
	MaxClients int
	// IdleTimeout closes connections that send nothing for this long.
	// 0 disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds writing one reply. 0 disables it.
	WriteTimeout time.Duration
	// RateLimit is the number of commands per second allowed on one
	// connection. Commands over the limit wait. 0 disables limiting.
	RateLimit float64
	// ReadBufferSize is the size of a connection's read buffer.
	ReadBufferSize int
	// MaxRequestBytes bounds the bytes buffered for one unfinished request.
	MaxRequestBytes int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:6380",
		MaxClients:      10000,
		IdleTimeout:     0,
		WriteTimeout:    10 * time.Second,
		RateLimit:       0,
		ReadBufferSize:  4096,
		MaxRequestBytes: protocol.DefaultMaxPending,
	}
}

// ClientInfo describes one connected client.
type ClientInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	CreatedAt time.Time `json:"created_at"`
	Commands  int64     `json:"commands"`
}

// Server represents the FlashKV TCP server.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*clientConn
	closed   bool
	cancel   context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a server that executes commands with d. A nil logger uses
// slog.Default(); m may be nil.
func New(cfg Config, d *Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = protocol.DefaultMaxPending
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		metrics:    m,
		clients:    make(map[string]*clientConn),
		ready:      make(chan struct{}),
	}
}

// Start listens on the configured address and serves connections.
// It blocks until the context is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("server listening", "addr", ln.Addr().String(), "max_clients", s.cfg.MaxClients)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("failed to accept connection", "error", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		c, ok := s.register(conn)
		if !ok {
			s.reject(conn)
			continue
		}

		go func() {
			defer s.wg.Done()
			defer s.unregister(c)
			s.serveConn(ctx, c)
		}()
	}
}

// register admits conn unless the server is closed or full. An admitted
// connection is counted in s.wg.
func (s *Server) register(conn net.Conn) (*clientConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
		return nil, false
	}
	c := newClientConn(ulid.Make().String(), conn, s.cfg.RateLimit)
	s.clients[c.id] = c
	s.wg.Add(1)
	s.metrics.ConnOpened()
	return c, true
}

func (s *Server) unregister(c *clientConn) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.metrics.ConnClosed()
	s.logger.Debug("connection closed", "conn_id", c.id, "remote", c.remote, "commands", c.commands.Load())
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	s.metrics.ConnRejected()
	s.logger.Warn("max clients reached, rejecting connection", "remote", conn.RemoteAddr().String())
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, _ = conn.Write(protocol.Encode(protocol.Errorf("max number of clients reached")))
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every client connection and waits for the
// connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	var err error
	if !s.closed {
		s.closed = true
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			err = s.listener.Close()
		}
		for _, c := range s.clients {
			c.conn.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listen address, or nil before the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients lists connected clients, oldest first.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	infos := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		infos = append(infos, c.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
