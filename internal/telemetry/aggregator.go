package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
)

// Snapshot is the telemetry reported in status replies
type Snapshot struct {
	FPS           float64 `json:"fps"`
	ActiveClients int     `json:"active_clients"`
}

// Stats extends Snapshot with process-wide counters
type Stats struct {
	Snapshot
	FramesSent    uint64 `json:"frames_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
	SkippedFrames uint64 `json:"skipped_frames"`
}

// Aggregator collects telemetry from all streaming sessions.
//
// The exposed FPS is whatever session reported last. With several clients
// connected it approximates one session's rate, not a sum or an average.
type Aggregator struct {
	mu      sync.RWMutex
	fps     float64
	clients int

	framesSent    atomic.Uint64
	bytesSent     atomic.Uint64
	skippedFrames atomic.Uint64
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// IncrementClients registers a connected client and returns the new count
func (a *Aggregator) IncrementClients() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.clients++
	return a.clients
}

// DecrementClients unregisters a client; the count never goes below zero
func (a *Aggregator) DecrementClients() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clients > 0 {
		a.clients--
	}
	return a.clients
}

// ReportFPS stores a session's rolling FPS estimate
func (a *Aggregator) ReportFPS(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		v = 0
	}

	a.mu.Lock()
	a.fps = v
	a.mu.Unlock()
}

// AddFrame counts one frame written to a client
func (a *Aggregator) AddFrame(bytes int) {
	a.framesSent.Add(1)
	a.bytesSent.Add(uint64(bytes))
}

// AddSkipped counts one tick skipped because of a transient capture error
func (a *Aggregator) AddSkipped() {
	a.skippedFrames.Add(1)
}

// Snapshot returns the current FPS and client count
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{FPS: a.fps, ActiveClients: a.clients}
}

// Stats returns the snapshot plus frame counters
func (a *Aggregator) Stats() Stats {
	return Stats{
		Snapshot:      a.Snapshot(),
		FramesSent:    a.framesSent.Load(),
		BytesSent:     a.bytesSent.Load(),
		SkippedFrames: a.skippedFrames.Load(),
	}
}
