package region

import "sync"

// Store guards the single capture region shared by all streaming sessions.
// Reads return full copies; every write is atomic with respect to other writes.
type Store struct {
	mu     sync.RWMutex
	region CaptureRegion
}

// NewStore creates a store with the given rectangle, falling back to the
// default rectangle when it is invalid
func NewStore(initial Rect) *Store {
	if initial.Validate() != nil {
		initial = DefaultRect()
	}
	return &Store{
		region: CaptureRegion{
			Rect:        initial,
			VideoStatus: StatusPlaying,
		},
	}
}

// Get returns a consistent copy of the whole region
func (s *Store) Get() CaptureRegion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.region
}

// Rect returns the current capture rectangle
func (s *Store) Rect() Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.region.Rect
}

// CurrentTime returns the last pushed playback position
func (s *Store) CurrentTime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.region.CurrentTime
}

// UpdateRegion replaces the rectangle. Telemetry fields are not touched and an
// invalid rectangle leaves the store unchanged.
func (s *Store) UpdateRegion(r Rect) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.Rect = r
	return nil
}

// UpdateTelemetry merges the fields present in u
func (s *Store) UpdateTelemetry(u TelemetryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CurrentTime != nil {
		s.region.CurrentTime = Sanitize(*u.CurrentTime)
	}
	if u.IsEnded != nil {
		s.region.IsEnded = *u.IsEnded
	}
	if u.Status != nil {
		s.region.VideoStatus = *u.Status
	}
	if u.Duration != nil {
		s.region.Duration = Sanitize(*u.Duration)
	}
}

// SetDuration stores the media duration
func (s *Store) SetDuration(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.Duration = Sanitize(d)
}
