package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"vision-sensor/internal/control"
	"vision-sensor/internal/stream"
	"vision-sensor/internal/telemetry"
)

// GetVerifyCommand returns the command that checks a running sensor
func GetVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Read frames from a running sensor and check them",
		Description: `Connect to the frame stream, read a number of frames, decode each
payload and report sizes, timestamps and the observed frame rate. Then query
status over the TCP control channel.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "frames",
				Aliases: []string{"n"},
				Value:   60,
				Usage:   "Number of frames to read",
			},
			&cli.StringFlag{
				Name:  "stream-addr",
				Usage: "Stream address (default from config)",
			},
			&cli.StringFlag{
				Name:  "control-addr",
				Usage: "TCP control address (default from config, empty config port skips status)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "Read timeout per frame",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			streamAddr := c.String("stream-addr")
			if streamAddr == "" {
				streamAddr = dialAddr(ctx.Config, ctx.Config.Stream.Port)
			}
			controlAddr := c.String("control-addr")
			if controlAddr == "" && ctx.Config.Control.Port != 0 {
				controlAddr = dialAddr(ctx.Config, ctx.Config.Control.Port)
			}

			report, err := Verify(c.Context, streamAddr, c.Int("frames"), c.Duration("timeout"))
			if err != nil {
				ctx.Logger.Error("Stream verification failed",
					zap.String("address", streamAddr),
					zap.Error(err))
				return err
			}
			report.Print(os.Stdout)

			if controlAddr == "" {
				return nil
			}
			status, err := queryStatus(c.Context, controlAddr)
			if err != nil {
				ctx.Logger.Warn("Status query failed",
					zap.String("address", controlAddr),
					zap.Error(err))
				return err
			}
			fmt.Fprintf(os.Stdout, "Status:     %s\n", status)
			return nil
		},
	}
}

// VerifyReport summarizes frames read from a stream
type VerifyReport struct {
	Frames         int
	Width          int
	Height         int
	MinBytes       int
	MaxBytes       int
	TotalBytes     int
	FirstTimestamp float64
	LastTimestamp  float64
	FPS            float64
	Elapsed        time.Duration
}

// Verify reads n frames from addr, checking that every payload decodes as
// an image
func Verify(ctx context.Context, addr string, n int, timeout time.Duration) (VerifyReport, error) {
	var report VerifyReport
	if n <= 0 {
		return report, errors.New("frame count must be positive")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return report, fmt.Errorf("dial stream %s: %w", addr, err)
	}
	defer conn.Close()

	window := telemetry.NewWindow(telemetry.WindowSize)
	start := time.Now()

	for i := 0; i < n; i++ {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		frame, err := stream.ReadFrame(conn)
		if err != nil {
			return report, fmt.Errorf("frame %d: %w", i, err)
		}
		window.Add(time.Now())

		imgCfg, _, err := image.DecodeConfig(bytes.NewReader(frame.Payload))
		if err != nil {
			return report, fmt.Errorf("frame %d: decode payload: %w", i, err)
		}

		size := len(frame.Payload)
		if i == 0 {
			report.FirstTimestamp = frame.Timestamp
			report.MinBytes = size
		}
		report.Frames++
		report.Width, report.Height = imgCfg.Width, imgCfg.Height
		report.LastTimestamp = frame.Timestamp
		report.TotalBytes += size
		report.MinBytes = min(report.MinBytes, size)
		report.MaxBytes = max(report.MaxBytes, size)
	}

	report.Elapsed = time.Since(start)
	report.FPS, _ = window.FPS()
	return report, nil
}

// Print writes a human readable summary
func (r VerifyReport) Print(w io.Writer) {
	avg := 0
	if r.Frames > 0 {
		avg = r.TotalBytes / r.Frames
	}
	fmt.Fprintf(w, "Frames:     %d in %s\n", r.Frames, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Resolution: %dx%d\n", r.Width, r.Height)
	fmt.Fprintf(w, "Payload:    min %d / avg %d / max %d bytes\n", r.MinBytes, avg, r.MaxBytes)
	fmt.Fprintf(w, "Playhead:   %.2fs -> %.2fs\n", r.FirstTimestamp, r.LastTimestamp)
	fmt.Fprintf(w, "FPS:        %.1f\n", r.FPS)
}

func queryStatus(ctx context.Context, addr string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, control.DefaultClientTimeout)
	defer cancel()

	client, err := control.Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := client.Status(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
