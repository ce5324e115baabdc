package stream

import (
	"context"
	"fmt"
	"image"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vision-sensor/internal/capture"
	"vision-sensor/internal/region"
	"vision-sensor/internal/telemetry"
)

// DefaultRefreshEvery is the number of ticks between reads of the capture
// rectangle. A region change takes effect within this many ticks.
const DefaultRefreshEvery = 10

// traceEvery controls how often a session logs a progress line
const traceEvery = 100

// State is the lifecycle state of a streaming session
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig controls pacing of a streaming session
type SessionConfig struct {
	TargetFPS    int
	RefreshEvery int
	WriteTimeout time.Duration
}

func (c SessionConfig) period() time.Duration {
	if c.TargetFPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.TargetFPS)
}

func (c SessionConfig) refreshEvery() int {
	if c.RefreshEvery <= 0 {
		return DefaultRefreshEvery
	}
	return c.RefreshEvery
}

// SessionInfo describes a live session
type SessionInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	State         string    `json:"state"`
	FramesSent    uint64    `json:"frames_sent"`
	BytesSent     uint64    `json:"bytes_sent"`
	SkippedFrames uint64    `json:"skipped_frames"`
}

// Session streams frames to a single client. It owns the connection and its
// capture handle exclusively.
type Session struct {
	id          string
	conn        net.Conn
	provider    capture.Provider
	store       *region.Store
	stats       *telemetry.Aggregator
	cfg         SessionConfig
	logger      *zap.Logger
	connectedAt time.Time

	src    capture.Source
	window *telemetry.Window

	state   atomic.Int32
	frames  atomic.Uint64
	bytes   atomic.Uint64
	skipped atomic.Uint64

	closeOnce sync.Once
}

// NewSession creates a session for an accepted connection
func NewSession(
	conn net.Conn,
	provider capture.Provider,
	store *region.Store,
	stats *telemetry.Aggregator,
	cfg SessionConfig,
	logger *zap.Logger,
) *Session {
	id := uuid.New().String()
	return &Session{
		id:          id,
		conn:        conn,
		provider:    provider,
		store:       store,
		stats:       stats,
		cfg:         cfg,
		connectedAt: time.Now(),
		window:      telemetry.NewWindow(telemetry.WindowSize),
		logger: logger.With(
			zap.String("session_id", id),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Info returns a snapshot of the session counters
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.conn.RemoteAddr().String(),
		ConnectedAt:   s.connectedAt,
		State:         s.State().String(),
		FramesSent:    s.frames.Load(),
		BytesSent:     s.bytes.Load(),
		SkippedFrames: s.skipped.Load(),
	}
}

// Run registers the client, acquires a capture handle and streams until the
// peer goes away or ctx is cancelled. The returned error is the I/O error that
// ended the session, nil on shutdown.
func (s *Session) Run(ctx context.Context) error {
	clients := s.stats.IncrementClients()
	s.logger.Info("Client connected", zap.Int("active_clients", clients))
	defer s.close()

	src, err := s.provider.Open()
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	s.src = src

	s.state.Store(int32(StateStreaming))
	return s.stream(ctx)
}

func (s *Session) stream(ctx context.Context) error {
	period := s.cfg.period()
	refreshEvery := s.cfg.refreshEvery()

	var rect image.Rectangle
	for tick := 0; ; tick++ {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()

		if tick%refreshEvery == 0 {
			rect = s.store.Rect().Bounds()
		}

		payload, err := s.src.Capture(rect)
		if err != nil {
			s.skipped.Add(1)
			s.stats.AddSkipped()
			s.logger.Debug("Capture failed, skipping tick",
				zap.Stringer("rect", rect),
				zap.Error(err))
			if !sleep(ctx, period-time.Since(start)) {
				return nil
			}
			continue
		}

		timestamp := s.store.CurrentTime()
		if err := s.write(payload, timestamp); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}

		s.window.Add(time.Now())
		if fps, ok := s.window.FPS(); ok {
			s.stats.ReportFPS(fps)
		}

		if n := s.frames.Add(1); n%traceEvery == 0 {
			s.logger.Debug("Streaming",
				zap.Uint64("frames", n),
				zap.Stringer("rect", rect),
				zap.Int("payload_size", len(payload)))
		}

		if !sleep(ctx, period-time.Since(start)) {
			return nil
		}
	}
}

func (s *Session) write(payload []byte, timestamp float64) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	n, err := WriteFrame(s.conn, payload, timestamp)
	if err != nil {
		return err
	}

	s.bytes.Add(uint64(n))
	s.stats.AddFrame(n)
	return nil
}

// close releases the capture handle and the socket and unregisters the
// client. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.src != nil {
			if err := s.src.Close(); err != nil {
				s.logger.Warn("Failed to release capture source", zap.Error(err))
			}
		}
		_ = s.conn.Close()
		clients := s.stats.DecrementClients()

		s.logger.Info("Socket closed",
			zap.Uint64("frames", s.frames.Load()),
			zap.Uint64("skipped", s.skipped.Load()),
			zap.Int("active_clients", clients))
	})
}

// sleep waits for d or until ctx is done. It returns false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
