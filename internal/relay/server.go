package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

// defaultHandshakeTimeout bounds the challenge/auth exchange.
const defaultHandshakeTimeout = 5 * time.Second

// Logger is the logging interface used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds relay counters for the status API.
type Stats struct {
	Connected   bool      `json:"connected"`
	Connections uint64    `json:"connections"`
	Rejected    uint64    `json:"rejected"`
	Received    uint64    `json:"received"`
	Forwarded   uint64    `json:"forwarded"`
	Dropped     uint64    `json:"dropped"`
	LastRecord  time.Time `json:"last_record,omitzero"`
}

// Server is the gateway side of the relay channel.
//
// It serves one producer connection at a time: the accept loop only returns
// to Accept once the current producer disconnects. Records are forwarded on
// the serving goroutine, so a slow publish back-pressures the producer.
type Server struct {
	network          string
	address          string
	secret           []byte
	forwarder        Forwarder
	logger           Logger
	handshakeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn

	connected   atomic.Bool
	connections atomic.Uint64
	rejected    atomic.Uint64
	received    atomic.Uint64
	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	lastRecord  atomic.Int64
}

// NewServer creates a relay server. Call Listen (or Serve) to bind it.
func NewServer(cfg config.RelayConfig, forwarder Forwarder) (*Server, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	if network != "tcp" && network != "unix" {
		return nil, fmt.Errorf("relay: unsupported network %q (use tcp or unix)", network)
	}
	return &Server{
		network:          network,
		address:          cfg.Address,
		secret:           []byte(cfg.Secret),
		forwarder:        forwarder,
		logger:           noopLogger{},
		handshakeTimeout: defaultHandshakeTimeout,
	}, nil
}

// SetLogger sets the logger.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// Listen binds the listening socket. A stale Unix socket file is removed first.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale relay socket: %w", err)
		}
	}

	ln, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("relay listen on %s %s: %w", s.network, s.address, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns a snapshot of the relay counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Connected:   s.connected.Load(),
		Connections: s.connections.Load(),
		Rejected:    s.rejected.Load(),
		Received:    s.received.Load(),
		Forwarded:   s.forwarded.Load(),
		Dropped:     s.dropped.Load(),
	}
	if ts := s.lastRecord.Load(); ts != 0 {
		st.LastRecord = time.Unix(0, ts)
	}
	return st
}

// Serve accepts producer connections until ctx is cancelled.
// Returns nil on cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ln.Close() //nolint:errcheck // Unblocks Accept
		if s.conn != nil {
			s.conn.Close() //nolint:errcheck // Unblocks the record loop
		}
	})
	defer stop()

	s.logger.Info("telemetry relay listening", "network", s.network, "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		if ctx.Err() != nil {
			conn.Close() //nolint:errcheck // Shutting down
			return nil
		}

		s.serveConn(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

// serveConn authenticates one producer and forwards its records until it
// disconnects or sends an oversized frame.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	s.connections.Add(1)

	remote := conn.RemoteAddr().String()
	frames := newFrameReader(conn)

	if err := s.handshake(conn, frames); err != nil {
		s.rejected.Add(1)
		s.logger.Warn("relay producer rejected", "remote", remote, "error", err)
		return
	}

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("relay producer connected", "remote", remote)

	for {
		var rec Record
		err := frames.next(&rec)
		switch {
		case err == nil:
			err = rec.validate()
		case errors.Is(err, io.EOF):
			s.logger.Info("relay producer disconnected", "remote", remote)
			return
		case errors.Is(err, ErrInvalidRecord):
		default:
			s.logger.Warn("relay connection closed", "remote", remote, "error", err)
			return
		}

		s.received.Add(1)
		s.lastRecord.Store(time.Now().UnixNano())
		if err == nil {
			err = s.forwarder.Forward(rec)
		}
		if err != nil {
			s.dropped.Add(1)
			s.logDrop(rec, err)
			continue
		}
		s.forwarded.Add(1)
	}
}

func (s *Server) handshake(conn net.Conn, frames *frameReader) error {
	if err := conn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return err
	}

	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	if err := writeFrame(conn, challengeFrame{Challenge: challenge}); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	var auth authFrame
	if err := frames.next(&auth); err != nil {
		return fmt.Errorf("%w: reading auth: %w", ErrUnauthorized, err)
	}
	if !verify(s.secret, challenge, auth.Auth) {
		_ = writeFrame(conn, ackFrame{OK: false}) //nolint:errcheck // Connection is closed next
		return ErrUnauthorized
	}

	if err := writeFrame(conn, ackFrame{OK: true}); err != nil {
		return fmt.Errorf("sending ack: %w", err)
	}
	return conn.SetDeadline(time.Time{})
}

func (s *Server) logDrop(rec Record, err error) {
	if errors.Is(err, mqtt.ErrNotConnected) {
		s.logger.Debug("telemetry dropped, session not running", "topic", rec.Topic)
		return
	}
	s.logger.Warn("telemetry dropped", "topic", rec.Topic, "error", err)
}
