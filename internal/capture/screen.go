package capture

import (
	"errors"
	"image"
	"os"

	"github.com/kbinani/screenshot"
)

// ScreenProvider captures the desktop of the local display server
type ScreenProvider struct {
	opts Options
}

// NewScreenProvider creates a provider for the display named in opts.
// A non-empty Display is exported as DISPLAY for the X11 backend.
func NewScreenProvider(opts Options) *ScreenProvider {
	if opts.Display != "" {
		os.Setenv("DISPLAY", opts.Display)
	}
	return &ScreenProvider{opts: opts}
}

// Probe returns the union of all active display bounds
func (p *ScreenProvider) Probe() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return image.Rectangle{}, errors.New("no active displays")
	}

	bounds := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		bounds = bounds.Union(screenshot.GetDisplayBounds(i))
	}
	return bounds, nil
}

// Open returns a capture handle with its own encoder
func (p *ScreenProvider) Open() (Source, error) {
	return &screenSource{
		encoder: NewEncoder(p.opts.PNGCompression, p.opts.MaxWidth),
	}, nil
}

type screenSource struct {
	encoder *Encoder
}

func (s *screenSource) Capture(rect image.Rectangle) ([]byte, error) {
	if rect.Empty() {
		return nil, transient("grab", ErrEmptyRect)
	}

	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, transient("grab", err)
	}

	payload, err := s.encoder.Encode(img)
	if err != nil {
		return nil, transient("encode", err)
	}
	return payload, nil
}

func (s *screenSource) Close() error {
	return nil
}
