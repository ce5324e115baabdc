package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vision-sensor/internal/capture"
	"vision-sensor/internal/region"
	"vision-sensor/internal/telemetry"
)

var (
	// ErrInvalidGeometry is returned when the capture device reports a
	// non-positive size at startup
	ErrInvalidGeometry = errors.New("invalid capture geometry")
	// ErrServerClosed is returned by Serve after Shutdown
	ErrServerClosed = errors.New("stream server closed")
)

// Config configures the frame server
type Config struct {
	Addr    string
	Session SessionConfig
}

// Server accepts stream clients and runs one Session per connection
type Server struct {
	cfg      Config
	provider capture.Provider
	store    *region.Store
	stats    *telemetry.Aggregator
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	inShutdown atomic.Bool
}

// NewServer creates a frame server
func NewServer(
	cfg Config,
	provider capture.Provider,
	store *region.Store,
	stats *telemetry.Aggregator,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		store:    store,
		stats:    stats,
		logger:   logger.Named("stream"),
		sessions: make(map[string]*Session),
	}
}

// Probe checks that the capture device reports a positive geometry
func (s *Server) Probe() (image.Rectangle, error) {
	bounds, err := s.provider.Probe()
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("probe capture source: %w", err)
	}
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return bounds, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, bounds.Dx(), bounds.Dy())
	}
	return bounds, nil
}

// Listen probes the capture device and binds the listening socket. Nothing
// is bound when the probe fails.
func (s *Server) Listen() (net.Listener, error) {
	if _, err := s.Probe(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// Serve probes the capture device and accepts connections on ln. On a failed
// probe ln is closed and no connection is accepted.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	bounds, err := s.Probe()
	if err != nil {
		ln.Close()
		return err
	}
	return s.serve(ctx, ln, bounds)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, bounds image.Rectangle) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	s.logger.Info("Stream server listening",
		zap.String("address", ln.Addr().String()),
		zap.Stringer("display", bounds),
		zap.Int("target_fps", s.cfg.Session.TargetFPS))

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
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Warn("Accept failed, retrying",
				zap.Error(err),
				zap.Duration("delay", tempDelay))
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.startSession(ctx, conn)
	}
}

// retryableAccept reports whether an accept error is worth backing off on:
// timeouts and running out of file descriptors
func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	session := NewSession(conn, s.provider, s.store, s.stats, s.cfg.Session, s.logger)

	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[session.ID()] = session
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.removeSession(session.ID())

		if err := session.Run(ctx); err != nil {
			s.logger.Info("Client disconnected",
				zap.String("session_id", session.ID()),
				zap.Error(err))
		}
	}()
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions lists live sessions ordered by connection time
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, session.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Addr returns the listening address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener, stops sessions at their next tick and waits
// for them to finish or for ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
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
