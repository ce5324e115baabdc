package commands

import (
	"fmt"
	"net"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vision-sensor/internal/app"
	"vision-sensor/internal/config"
)

// Build metadata, set from main
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// CommandContext holds what every command needs
type CommandContext struct {
	Logger *zap.Logger
	Config *config.Config
}

// GlobalFlags are accepted by every command
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "./config/config.yaml",
			Usage:   "Path to the YAML config file",
			EnvVars: []string{"VISION_SENSOR_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error (overrides logging.level)",
		},
	}
}

// NewCommandContext loads the configuration, applies command-line overrides
// and builds the logger
func NewCommandContext(c *cli.Context) (*CommandContext, error) {
	path := c.String("config")
	cfg, fromDefaults, err := app.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(c, cfg)

	logger, err := createLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	if fromDefaults {
		logger.Warn("Config file not found, using defaults", zap.String("path", path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &CommandContext{
		Logger: logger,
		Config: cfg,
	}, nil
}

// applyFlags copies explicitly set flags over the loaded configuration
func applyFlags(c *cli.Context, cfg *config.Config) {
	ints := map[string]*int{
		"stream-port":  &cfg.Stream.Port,
		"fps":          &cfg.Stream.TargetFPS,
		"control-port": &cfg.Control.Port,
		"http-port":    &cfg.Control.HTTPPort,
		"grpc-port":    &cfg.Control.GRPCPort,
	}
	for name, dst := range ints {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	strs := map[string]*string{
		"host":      &cfg.Host,
		"display":   &cfg.Capture.Display,
		"backend":   &cfg.Capture.Backend,
		"log-level": &cfg.Logging.Level,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
}

// createLogger builds a zap logger. format "console" selects the
// development encoder, anything else JSON.
func createLogger(level, format string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	switch level {
	case "debug":
		logLevel = zap.DebugLevel
	case "warn":
		logLevel = zap.WarnLevel
	case "error":
		logLevel = zap.ErrorLevel
	default:
		logLevel = zap.InfoLevel
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(logLevel)

	return zcfg.Build()
}

// dialAddr turns a configured listen host into something a local client can
// dial
func dialAddr(cfg *config.Config, port int) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
