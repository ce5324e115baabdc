package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"vision-sensor/internal/capture"
)

// GetBenchmarkCommand returns the command that measures raw capture speed
func GetBenchmarkCommand() *cli.Command {
	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure capture and encode throughput without streaming",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Value:   5 * time.Second,
				Usage:   "How long to capture",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Capture backend: screen or synthetic",
			},
			&cli.StringFlag{
				Name:  "display",
				Usage: "X11 display to capture",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			cfg := ctx.Config
			provider, err := capture.NewProvider(cfg.Capture.Backend, cfg.CaptureOptions())
			if err != nil {
				return err
			}
			bounds, err := provider.Probe()
			if err != nil {
				return fmt.Errorf("probe capture source: %w", err)
			}

			src, err := provider.Open()
			if err != nil {
				return fmt.Errorf("open capture source: %w", err)
			}
			defer src.Close()

			rect := cfg.RegionRect().Bounds()
			ctx.Logger.Info("Benchmarking capture",
				zap.String("backend", cfg.Capture.Backend),
				zap.Stringer("display", bounds),
				zap.Stringer("rect", rect),
				zap.Duration("duration", c.Duration("duration")))

			res := capture.Benchmark(src, rect, c.Duration("duration"))

			fmt.Fprintf(os.Stdout, "Frames:   %d (%d failed)\n", res.Frames, res.Failures)
			fmt.Fprintf(os.Stdout, "Avg FPS:  %.1f\n", res.AvgFPS)
			fmt.Fprintf(os.Stdout, "Frame:    min %s / avg %s / max %s\n", res.MinFrame, res.AvgFrame, res.MaxFrame)
			return nil
		},
	}
}
