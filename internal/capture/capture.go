package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
)

// Backend names accepted in configuration
const (
	BackendScreen    = "screen"
	BackendSynthetic = "synthetic"
)

// ErrEmptyRect is returned when asked to capture a zero-area rectangle
var ErrEmptyRect = errors.New("empty capture rectangle")

// Provider creates capture handles. Every streaming session opens its own
// Source; handles are never shared between goroutines.
type Provider interface {
	// Probe returns the geometry of the capture device
	Probe() (image.Rectangle, error)
	// Open acquires a new capture handle
	Open() (Source, error)
}

// Source grabs and encodes one frame per call
type Source interface {
	io.Closer
	Capture(rect image.Rectangle) ([]byte, error)
}

// TransientError marks a capture or encode failure that only costs the
// current tick
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// NewProvider builds the provider for the named backend
func NewProvider(backend string, opts Options) (Provider, error) {
	switch backend {
	case BackendScreen, "":
		return NewScreenProvider(opts), nil
	case BackendSynthetic:
		return NewSyntheticProvider(opts), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", backend)
	}
}

// Options configures capture backends and the frame encoder
type Options struct {
	Display         string
	PNGCompression  int
	MaxWidth        int
	SyntheticWidth  int
	SyntheticHeight int
}
