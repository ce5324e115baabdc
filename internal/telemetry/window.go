package telemetry

import "time"

// WindowSize is the number of completion times kept per session
const WindowSize = 30

// Window keeps the most recent frame completion times of one session.
// It is not safe for concurrent use; each session owns its own.
type Window struct {
	size    int
	samples []time.Time
}

// NewWindow creates a window holding at most size samples
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{
		size:    size,
		samples: make([]time.Time, 0, size),
	}
}

// Add records a completion time, evicting the oldest sample when full
func (w *Window) Add(t time.Time) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, t)
}

// Len returns the number of samples held
func (w *Window) Len() int {
	return len(w.samples)
}

// FPS returns (n-1)/(newest-oldest). ok is false with fewer than two samples
// or a zero time span.
func (w *Window) FPS() (fps float64, ok bool) {
	n := len(w.samples)
	if n < 2 {
		return 0, false
	}
	span := w.samples[n-1].Sub(w.samples[0]).Seconds()
	if span <= 0 {
		return 0, false
	}
	return float64(n-1) / span, true
}
