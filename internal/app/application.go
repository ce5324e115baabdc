package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vision-sensor/internal/capture"
	"vision-sensor/internal/config"
	"vision-sensor/internal/control"
	"vision-sensor/internal/region"
	"vision-sensor/internal/stream"
	"vision-sensor/internal/telemetry"
)

// shutdownTimeout bounds graceful shutdown of all servers
const shutdownTimeout = 10 * time.Second

// Application wires the frame server and the control transports around one
// region store and one telemetry aggregator
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	version string

	store    *region.Store
	stats    *telemetry.Aggregator
	provider capture.Provider
	channel  *control.Channel

	streamServer *stream.Server
	tcpServer    *control.TCPServer
	grpcServer   *control.GRPCServer
	httpServer   *http.Server
	httpHandler  *control.HTTPHandler
	router       http.Handler
}

// NewApplicationWithConfig creates the application. Disabled transports
// (zero port) are not constructed.
func NewApplicationWithConfig(
	cfg *config.Config,
	provider capture.Provider,
	logger *zap.Logger,
	version string,
) *Application {
	store := region.NewStore(cfg.RegionRect())
	stats := telemetry.NewAggregator()
	channel := control.NewChannel(store, stats, logger)

	streamServer := stream.NewServer(stream.Config{
		Addr: cfg.Addr(cfg.Stream.Port),
		Session: stream.SessionConfig{
			TargetFPS:    cfg.Stream.TargetFPS,
			RefreshEvery: cfg.Stream.RefreshEvery,
			WriteTimeout: cfg.Stream.WriteTimeout,
		},
	}, provider, store, stats, logger)

	app := &Application{
		config:       cfg,
		logger:       logger,
		version:      version,
		store:        store,
		stats:        stats,
		provider:     provider,
		channel:      channel,
		streamServer: streamServer,
	}

	if cfg.Control.Port != 0 {
		app.tcpServer = control.NewTCPServer(cfg.Addr(cfg.Control.Port), channel, cfg.Control.IdleTimeout, logger)
	}
	if cfg.Control.GRPCPort != 0 {
		app.grpcServer = control.NewGRPCServer(cfg.Addr(cfg.Control.GRPCPort), channel, logger)
	}
	if cfg.Control.HTTPPort != 0 {
		handler := control.NewHTTPHandler(channel, streamServer, stats, cfg.Control.AllowedOrigins, logger)
		app.httpHandler = handler
		app.router = NewRouter(handler, cfg.Control.AllowedOrigins, version, logger.Named("http"))
		app.httpServer = &http.Server{
			Addr:              cfg.Addr(cfg.Control.HTTPPort),
			Handler:           app.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app
}

// GetRouter returns the HTTP control router, nil when disabled
func (app *Application) GetRouter() http.Handler {
	return app.router
}

type listeners struct {
	stream  net.Listener
	control net.Listener
	grpc    net.Listener
	http    net.Listener
}

func (l *listeners) close() {
	for _, ln := range []net.Listener{l.stream, l.control, l.grpc, l.http} {
		if ln != nil {
			ln.Close()
		}
	}
}

// listen probes the capture device and binds every enabled socket. On any
// failure whatever was bound is released.
func (app *Application) listen() (*listeners, error) {
	var (
		ls  listeners
		err error
	)

	if ls.stream, err = app.streamServer.Listen(); err != nil {
		return nil, err
	}
	if app.tcpServer != nil {
		if ls.control, err = app.tcpServer.Listen(); err != nil {
			ls.close()
			return nil, err
		}
	}
	if app.grpcServer != nil {
		if ls.grpc, err = app.grpcServer.Listen(); err != nil {
			ls.close()
			return nil, err
		}
	}
	if app.httpServer != nil {
		if ls.http, err = net.Listen("tcp", app.httpServer.Addr); err != nil {
			ls.close()
			return nil, fmt.Errorf("listen %s: %w", app.httpServer.Addr, err)
		}
	}
	return &ls, nil
}

// Run starts every server and blocks until ctx is cancelled or one of them
// fails. Startup errors are returned before anything is served.
func (app *Application) Run(ctx context.Context) error {
	ls, err := app.listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)

	go func() {
		err := app.streamServer.Serve(ctx, ls.stream)
		if errors.Is(err, stream.ErrServerClosed) {
			err = nil
		}
		errCh <- wrap("stream server", err)
	}()

	if ls.control != nil {
		go func() {
			err := app.tcpServer.Serve(ctx, ls.control)
			if errors.Is(err, control.ErrServerClosed) {
				err = nil
			}
			errCh <- wrap("control server", err)
		}()
	}

	if ls.grpc != nil {
		go func() {
			errCh <- wrap("gRPC server", app.grpcServer.Serve(ls.grpc))
		}()
	}

	if ls.http != nil {
		go func() {
			app.logger.Info("HTTP control listening", zap.String("address", ls.http.Addr().String()))
			err := app.httpServer.Serve(ls.http)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- wrap("HTTP server", err)
		}()
	}

	app.logger.Info("Vision sensor started",
		zap.String("version", app.version),
		zap.String("stream", ls.stream.Addr().String()),
		zap.Int("target_fps", app.config.Stream.TargetFPS))

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("Shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			app.logger.Error("Server failed", zap.Error(runErr))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := app.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Stop shuts down all servers. Stream sessions end at their next tick.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	var errs []error
	if app.httpServer != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
		app.httpHandler.Close()
	}
	if app.grpcServer != nil {
		app.grpcServer.Shutdown(ctx)
	}
	if app.tcpServer != nil {
		if err := app.tcpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control server: %w", err))
		}
	}
	if err := app.streamServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stream server: %w", err))
	}

	app.logger.Info("Application stopped",
		zap.Uint64("frames_sent", app.stats.Stats().FramesSent))
	return errors.Join(errs...)
}
