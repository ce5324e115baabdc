package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"vision-sensor/internal/region"
)

// DefaultClientTimeout applies to requests whose context has no deadline
const DefaultClientTimeout = 5 * time.Second

// Client talks to a TCPServer over a single persistent connection
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a control server
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
	}, nil
}

// Do sends one request and waits for its reply
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	return c.roundTrip(ctx, data)
}

// DoRaw sends a pre-encoded request line
func (c *Client) DoRaw(ctx context.Context, data []byte) (Response, error) {
	return c.roundTrip(ctx, data)
}

func (c *Client) roundTrip(ctx context.Context, data []byte) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultClientTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read reply: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}

// Status queries the capture region and telemetry
func (c *Client) Status(ctx context.Context) (Response, error) {
	return c.Do(ctx, StatusRequest())
}

// UpdateRegion sends a region_update
func (c *Client) UpdateRegion(ctx context.Context, r region.Rect) (Response, error) {
	return c.Do(ctx, RegionUpdateRequest(r))
}

// SetDuration sends a set_duration
func (c *Client) SetDuration(ctx context.Context, d float64) (Response, error) {
	return c.Do(ctx, SetDurationRequest(d))
}

// UpdateTelemetry sends an update_telemetry
func (c *Client) UpdateTelemetry(ctx context.Context, u region.TelemetryUpdate) (Response, error) {
	return c.Do(ctx, TelemetryRequest(u))
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
