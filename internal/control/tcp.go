package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// MaxLineSize bounds a single request line on the TCP transport
const MaxLineSize = 64 << 10

// ErrServerClosed is returned by Serve after Shutdown
var ErrServerClosed = errors.New("control server closed")

// TCPServer serves the command channel as newline-delimited JSON. Every line
// is one request and gets exactly one reply line.
type TCPServer struct {
	addr        string
	channel     *Channel
	idleTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	inShutdown atomic.Bool
}

// NewTCPServer creates a line-protocol control server. A zero idleTimeout
// keeps idle connections open forever.
func NewTCPServer(addr string, channel *Channel, idleTimeout time.Duration, logger *zap.Logger) *TCPServer {
	return &TCPServer{
		addr:        addr,
		channel:     channel,
		idleTimeout: idleTimeout,
		logger:      logger.Named("control.tcp"),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Listen binds the control socket
func (s *TCPServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve accepts control connections on ln
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	s.logger.Info("Control channel listening", zap.String("address", ln.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if !retryableAccept(err) {
				s.logger.Error("Accept failed", zap.Error(err))
				return fmt.Errorf("accept: %w", err)
			}
			tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
			s.logger.Warn("Accept failed, retrying",
				zap.Error(err),
				zap.Duration("delay", tempDelay))
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (s *TCPServer) handle(conn net.Conn) {
	logger := s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	logger.Debug("Control client connected")

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		logger.Debug("Control client disconnected")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		if !scanner.Scan() {
			break
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if err := writeLine(conn, s.channel.Handle(line)); err != nil {
			logger.Debug("Failed to write control reply", zap.Error(err))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// the stream cannot be resynchronised after an oversized line
			_ = writeLine(conn, errorResponse(MessageMalformedRequest))
		}
		logger.Debug("Control connection ended", zap.Error(err))
	}
}

func writeLine(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(append(data, '\n'))
	return err
}

// Addr returns the listening address, nil before Serve
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener and all open control connections, then waits
// for their handlers to return
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
