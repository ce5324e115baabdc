package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"vision-sensor/internal/app"
	"vision-sensor/internal/capture"
)

// GetServerCommand returns the command that runs the sensor
func GetServerCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Start the frame stream and control servers",
		Description: `Start streaming captured frames and accept control commands.

Examples:
  vision-sensor server --fps 30 --stream-port 5555
  vision-sensor server --backend synthetic --grpc-port 9090`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Listen host",
			},
			&cli.IntFlag{
				Name:    "stream-port",
				Aliases: []string{"p"},
				Usage:   "Frame stream port",
			},
			&cli.IntFlag{
				Name:  "fps",
				Usage: "Target frames per second per client",
			},
			&cli.IntFlag{
				Name:  "control-port",
				Usage: "TCP control channel port, 0 disables",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "HTTP control port, 0 disables",
			},
			&cli.IntFlag{
				Name:  "grpc-port",
				Usage: "gRPC control port, 0 disables",
			},
			&cli.StringFlag{
				Name:  "display",
				Usage: "X11 display to capture",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Capture backend: screen or synthetic",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer ctx.Logger.Sync()

			cfg := ctx.Config
			ctx.Logger.Info("🚀 Starting vision sensor",
				zap.String("version", Version),
				zap.Int("stream_port", cfg.Stream.Port),
				zap.Int("control_port", cfg.Control.Port),
				zap.Int("http_port", cfg.Control.HTTPPort),
				zap.Int("grpc_port", cfg.Control.GRPCPort),
				zap.String("backend", cfg.Capture.Backend),
				zap.String("display", cfg.Capture.Display))

			provider, err := capture.NewProvider(cfg.Capture.Backend, cfg.CaptureOptions())
			if err != nil {
				return err
			}

			application := app.NewApplicationWithConfig(cfg, provider, ctx.Logger, Version)

			runCtx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()

			if err := application.Run(runCtx); err != nil {
				ctx.Logger.Error("Vision sensor stopped with error", zap.Error(err))
				return err
			}

			ctx.Logger.Info("✅ Vision sensor stopped")
			return nil
		},
	}
}
