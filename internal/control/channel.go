package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/haqury/helpy"
	"go.uber.org/zap"

	"vision-sensor/internal/region"
	"vision-sensor/internal/telemetry"
)

// Command names understood by the channel
const (
	CommandStatus          = "status"
	CommandRegionUpdate    = "region_update"
	CommandSetDuration     = "set_duration"
	CommandUpdateTelemetry = "update_telemetry"
)

// Reply status values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error messages sent back to callers
const (
	MessageInvalidDimensions = "invalid dimensions"
	MessageUnknownCommand    = "unknown command"
	MessageMalformedRequest  = "malformed request"
)

var errMissingField = errors.New("missing required field")

// Float is a JSON number that also accepts NaN and ±Infinity, bare or quoted,
// and numbers outside the float64 range
type Float float64

// UnmarshalJSON implements json.Unmarshaler
func (f *Float) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	switch strings.ToLower(s) {
	case "nan":
		*f = Float(math.NaN())
		return nil
	case "infinity", "+infinity", "inf", "+inf":
		*f = Float(math.Inf(1))
		return nil
	case "-infinity", "-inf":
		*f = Float(math.Inf(-1))
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			*f = Float(v)
			return nil
		}
		return fmt.Errorf("invalid number %q", s)
	}
	*f = Float(v)
	return nil
}

// MarshalJSON implements json.Marshaler. Non-finite values are written as
// quoted tokens so the output stays valid JSON.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func floatPtr(f *Float) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

// Request is a single control message
type Request struct {
	Command string `json:"command"`

	Top    *int `json:"top,omitempty"`
	Left   *int `json:"left,omitempty"`
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`

	CurrentTime *Float  `json:"current_time,omitempty"`
	IsEnded     *bool   `json:"is_ended,omitempty"`
	VideoStatus *string `json:"video_status,omitempty"`
	Duration    *Float  `json:"duration,omitempty"`
}

// StatusRequest builds a status query
func StatusRequest() Request {
	return Request{Command: CommandStatus}
}

// RegionUpdateRequest builds a region_update request
func RegionUpdateRequest(r region.Rect) Request {
	return Request{
		Command: CommandRegionUpdate,
		Top:     &r.Top,
		Left:    &r.Left,
		Width:   &r.Width,
		Height:  &r.Height,
	}
}

// SetDurationRequest builds a set_duration request
func SetDurationRequest(d float64) Request {
	f := Float(d)
	return Request{Command: CommandSetDuration, Duration: &f}
}

// TelemetryRequest builds an update_telemetry request. The channel rejects
// it unless CurrentTime and IsEnded are set.
func TelemetryRequest(u region.TelemetryUpdate) Request {
	req := Request{Command: CommandUpdateTelemetry, IsEnded: u.IsEnded}
	if u.CurrentTime != nil {
		f := Float(*u.CurrentTime)
		req.CurrentTime = &f
	}
	if u.Duration != nil {
		f := Float(*u.Duration)
		req.Duration = &f
	}
	if u.Status != nil {
		s := string(*u.Status)
		req.VideoStatus = &s
	}
	return req
}

func (r Request) rect() (region.Rect, error) {
	if r.Top == nil || r.Left == nil || r.Width == nil || r.Height == nil {
		return region.Rect{}, errMissingField
	}
	return region.Rect{Top: *r.Top, Left: *r.Left, Width: *r.Width, Height: *r.Height}, nil
}

// ParseRequest decodes one control message
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := Decode(data, &req); err != nil {
		return Request{}, err
	}
	if req.Command == "" {
		return Request{}, fmt.Errorf("%w: command", errMissingField)
	}
	return req, nil
}

// Decode unmarshals JSON that may contain bare NaN, Infinity or -Infinity
// tokens
func Decode(data []byte, v any) error {
	return json.Unmarshal(quoteNonFinite(data), v)
}

var nonFiniteTokens = []string{"-Infinity", "Infinity", "NaN"}

// quoteNonFinite rewrites bare non-finite tokens outside of strings into
// quoted strings
func quoteNonFinite(data []byte) []byte {
	var out []byte
	inString, escaped := false, false

	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			if out != nil {
				out = append(out, c)
			}
			continue
		}
		if c == '"' {
			inString = true
			if out != nil {
				out = append(out, c)
			}
			continue
		}

		if tok := nonFiniteAt(data[i:]); tok != "" {
			if out == nil {
				out = make([]byte, 0, len(data)+8)
				out = append(out, data[:i]...)
			}
			out = append(out, '"')
			out = append(out, tok...)
			out = append(out, '"')
			i += len(tok) - 1
			continue
		}
		if out != nil {
			out = append(out, c)
		}
	}

	if out == nil {
		return data
	}
	return out
}

func nonFiniteAt(b []byte) string {
	for _, tok := range nonFiniteTokens {
		if len(b) >= len(tok) && string(b[:len(tok)]) == tok {
			return tok
		}
	}
	return ""
}

// Response is the reply to a control message
type Response struct {
	Status        string                `json:"status"`
	Message       string                `json:"message,omitempty"`
	CaptureRegion *region.CaptureRegion `json:"capture_region,omitempty"`
	FPS           *float64              `json:"fps,omitempty"`
	ActiveClients *int                  `json:"active_clients,omitempty"`
}

// OK reports whether the request succeeded
func (r Response) OK() bool {
	return r.Status == StatusOK
}

func okResponse() Response {
	return Response{Status: StatusOK}
}

func errorResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Ack returns the reply as the shared API envelope. Only status and message
// are carried; status payloads are dropped.
func (r Response) Ack() *helpy.ApiResponse {
	return &helpy.ApiResponse{
		Status:  r.Status,
		Message: r.Message,
	}
}

// envelope picks the wire form of a reply: the full Response for status
// queries, the API envelope for everything else
func envelope(r Response) any {
	if r.CaptureRegion != nil {
		return r
	}
	return r.Ack()
}

// Channel applies control requests to the region store and reports
// telemetry. Requests are processed one at a time.
type Channel struct {
	mu     sync.Mutex
	store  *region.Store
	stats  *telemetry.Aggregator
	logger *zap.Logger
}

// NewChannel creates a command channel
func NewChannel(store *region.Store, stats *telemetry.Aggregator, logger *zap.Logger) *Channel {
	return &Channel{
		store:  store,
		stats:  stats,
		logger: logger.Named("control"),
	}
}

// Handle decodes and applies a raw request. It never returns an error: bad
// input yields an error response and leaves state unchanged.
func (c *Channel) Handle(data []byte) Response {
	req, err := ParseRequest(data)
	if err != nil {
		c.logger.Debug("Malformed control request", zap.Error(err))
		return errorResponse(MessageMalformedRequest)
	}
	return c.Do(req)
}

// Do applies a decoded request
func (c *Channel) Do(req Request) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Command {
	case CommandStatus:
		return c.status()

	case CommandRegionUpdate:
		rect, err := req.rect()
		if err != nil {
			return errorResponse(MessageMalformedRequest)
		}
		if err := c.updateRegion(rect); err != nil {
			return errorResponse(MessageInvalidDimensions)
		}
		return okResponse()

	case CommandSetDuration:
		if req.Duration == nil {
			return errorResponse(MessageMalformedRequest)
		}
		c.setDuration(float64(*req.Duration))
		return okResponse()

	case CommandUpdateTelemetry:
		if req.CurrentTime == nil || req.IsEnded == nil {
			return errorResponse(MessageMalformedRequest)
		}
		c.updateTelemetry(c.telemetryUpdate(req))
		return okResponse()

	default:
		c.logger.Debug("Unknown control command", zap.String("command", req.Command))
		return errorResponse(MessageUnknownCommand)
	}
}

// Status returns the capture region and the telemetry snapshot
func (c *Channel) Status() Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

func (c *Channel) status() Response {
	current := c.store.Get()
	snapshot := c.stats.Snapshot()
	return Response{
		Status:        StatusOK,
		CaptureRegion: &current,
		FPS:           &snapshot.FPS,
		ActiveClients: &snapshot.ActiveClients,
	}
}

func (c *Channel) updateRegion(r region.Rect) error {
	if err := c.store.UpdateRegion(r); err != nil {
		c.logger.Warn("Rejected region update",
			zap.Int("width", r.Width),
			zap.Int("height", r.Height),
			zap.Error(err))
		return err
	}
	c.logger.Info("Capture region updated",
		zap.Int("top", r.Top),
		zap.Int("left", r.Left),
		zap.Int("width", r.Width),
		zap.Int("height", r.Height))
	return nil
}

func (c *Channel) setDuration(d float64) {
	c.store.SetDuration(d)
	c.logger.Debug("Duration set", zap.Float64("duration", region.Sanitize(d)))
}

func (c *Channel) updateTelemetry(u region.TelemetryUpdate) {
	c.store.UpdateTelemetry(u)
	if u.Status != nil {
		c.logger.Debug("Telemetry updated", zap.String("video_status", string(*u.Status)))
	}
}

func (c *Channel) telemetryUpdate(req Request) region.TelemetryUpdate {
	u := region.TelemetryUpdate{
		CurrentTime: floatPtr(req.CurrentTime),
		IsEnded:     req.IsEnded,
		Duration:    floatPtr(req.Duration),
	}
	if req.VideoStatus != nil && *req.VideoStatus != "" {
		if status, ok := region.ParseVideoStatus(*req.VideoStatus); ok {
			u.Status = &status
		} else {
			c.logger.Debug("Ignoring unknown video status", zap.String("video_status", *req.VideoStatus))
		}
	}
	return u
}
