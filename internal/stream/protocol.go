package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fixed frame header: 8 bytes length, 8 bytes timestamp
const HeaderSize = 16

// MaxFrameSize bounds the payload length accepted by ReadFrame
const MaxFrameSize = 256 << 20

// Frame is one encoded capture as carried on the wire
type Frame struct {
	Payload   []byte
	Timestamp float64
}

// MarshalFrame builds header and payload as one contiguous buffer
func MarshalFrame(payload []byte, timestamp float64) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(payload)))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(timestamp))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one frame with a single Write call so that a frame is
// never interleaved with another on the same connection
func WriteFrame(w io.Writer, payload []byte, timestamp float64) (int, error) {
	return w.Write(MarshalFrame(payload, timestamp))
}

// ReadFrame reads exactly one frame
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint64(header[0:8])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame length %d exceeds limit %d", length, MaxFrameSize)
	}
	timestamp := math.Float64frombits(binary.BigEndian.Uint64(header[8:16]))

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read payload: %w", err)
	}
	return Frame{Payload: payload, Timestamp: timestamp}, nil
}
