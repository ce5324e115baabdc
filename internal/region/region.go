package region

import (
	"errors"
	"image"
	"math"
)

// ErrInvalidDimensions is returned when a rectangle has a non-positive width or height
var ErrInvalidDimensions = errors.New("invalid dimensions")

// Default capture rectangle used at server start
const (
	DefaultTop    = 0
	DefaultLeft   = 0
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// VideoStatus is the playback state pushed by the controller
type VideoStatus string

const (
	StatusPlaying  VideoStatus = "playing"
	StatusPaused   VideoStatus = "paused"
	StatusComplete VideoStatus = "complete"
)

// ParseVideoStatus validates a status string
func ParseVideoStatus(s string) (VideoStatus, bool) {
	switch VideoStatus(s) {
	case StatusPlaying, StatusPaused, StatusComplete:
		return VideoStatus(s), true
	}
	return "", false
}

// Rect is the captured area of the display
type Rect struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultRect returns the full-frame rectangle used when nothing else is configured
func DefaultRect() Rect {
	return Rect{Top: DefaultTop, Left: DefaultLeft, Width: DefaultWidth, Height: DefaultHeight}
}

// Validate checks that the rectangle has a positive area
func (r Rect) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return ErrInvalidDimensions
	}
	return nil
}

// Bounds converts the rectangle to image coordinates
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

// CaptureRegion is the full shared state: rectangle plus playback telemetry
type CaptureRegion struct {
	Rect
	CurrentTime float64     `json:"current_time"`
	Duration    float64     `json:"duration"`
	IsEnded     bool        `json:"is_ended"`
	VideoStatus VideoStatus `json:"video_status"`
}

// TelemetryUpdate carries a partial telemetry push; nil fields are left untouched
type TelemetryUpdate struct {
	CurrentTime *float64
	IsEnded     *bool
	Status      *VideoStatus
	Duration    *float64
}

// Sanitize maps NaN and ±Inf to 0 and clamps negatives to 0
func Sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
