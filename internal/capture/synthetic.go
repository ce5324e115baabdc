package capture

import (
	"image"
	"image/color"
	"image/draw"
)

// SyntheticProvider renders a moving test pattern instead of grabbing a screen.
// It is used on headless hosts and in tests.
type SyntheticProvider struct {
	opts   Options
	bounds image.Rectangle
}

// NewSyntheticProvider creates a provider whose virtual display has the
// configured geometry
func NewSyntheticProvider(opts Options) *SyntheticProvider {
	return &SyntheticProvider{
		opts:   opts,
		bounds: image.Rect(0, 0, opts.SyntheticWidth, opts.SyntheticHeight),
	}
}

// Probe returns the virtual display geometry
func (p *SyntheticProvider) Probe() (image.Rectangle, error) {
	return p.bounds, nil
}

// Open returns a new pattern generator
func (p *SyntheticProvider) Open() (Source, error) {
	return &syntheticSource{
		encoder: NewEncoder(p.opts.PNGCompression, p.opts.MaxWidth),
	}, nil
}

type syntheticSource struct {
	encoder *Encoder
	frame   int
}

func (s *syntheticSource) Capture(rect image.Rectangle) ([]byte, error) {
	if rect.Empty() {
		return nil, transient("grab", ErrEmptyRect)
	}
	s.frame++

	img := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	bg := color.RGBA{R: uint8(rect.Min.X), G: uint8(rect.Min.Y), B: 64, A: 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	// vertical bar sweeping across the frame
	barWidth := rect.Dx()/16 + 1
	x := (s.frame * barWidth) % rect.Dx()
	bar := image.Rect(x, 0, x+barWidth, rect.Dy()).Intersect(img.Bounds())
	draw.Draw(img, bar, &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	payload, err := s.encoder.Encode(img)
	if err != nil {
		return nil, transient("encode", err)
	}
	return payload, nil
}

func (s *syntheticSource) Close() error {
	return nil
}
