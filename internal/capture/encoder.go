package capture

import (
	"bytes"
	"image"
	"image/png"

	"github.com/nfnt/resize"
)

// Encoder turns captured images into lossless PNG payloads.
// One encoder belongs to one Source and reuses its buffers.
type Encoder struct {
	png      png.Encoder
	maxWidth int
	buffer   bytes.Buffer
}

type bufferPool struct {
	b *png.EncoderBuffer
}

func (p *bufferPool) Get() *png.EncoderBuffer  { return p.b }
func (p *bufferPool) Put(b *png.EncoderBuffer) { p.b = b }

// NewEncoder creates a PNG encoder. compression follows the zlib scale:
// 0 stores uncompressed, 1 is fastest, 9 is smallest. Images wider than
// maxWidth are scaled down first; maxWidth <= 0 disables scaling.
func NewEncoder(compression int, maxWidth int) *Encoder {
	return &Encoder{
		png: png.Encoder{
			CompressionLevel: compressionLevel(compression),
			BufferPool:       &bufferPool{},
		},
		maxWidth: maxWidth,
	}
}

func compressionLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level >= 8:
		return png.BestCompression
	default:
		return png.DefaultCompression
	}
}

// Encode returns the PNG bytes of img. The returned slice is owned by the caller.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if e.maxWidth > 0 && img.Bounds().Dx() > e.maxWidth {
		img = resize.Resize(uint(e.maxWidth), 0, img, resize.Bilinear)
	}

	e.buffer.Reset()
	if err := e.png.Encode(&e.buffer, img); err != nil {
		return nil, err
	}

	out := make([]byte, e.buffer.Len())
	copy(out, e.buffer.Bytes())
	return out, nil
}
