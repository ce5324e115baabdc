package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vision-sensor/internal/capture"
	"vision-sensor/internal/region"
)

// Config is the process configuration
type Config struct {
	Host string `yaml:"host"`

	Stream  StreamConfig  `yaml:"stream"`
	Control ControlConfig `yaml:"control"`
	Capture CaptureConfig `yaml:"capture"`
	Region  RegionConfig  `yaml:"region"`
	Logging LoggingConfig `yaml:"logging"`
}

// StreamConfig configures the frame server
type StreamConfig struct {
	Port         int           `yaml:"port"`
	TargetFPS    int           `yaml:"target_fps"`
	RefreshEvery int           `yaml:"refresh_every"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig configures the command channel transports. A zero port
// disables that transport.
type ControlConfig struct {
	Port           int           `yaml:"port"`
	HTTPPort       int           `yaml:"http_port"`
	GRPCPort       int           `yaml:"grpc_port"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// CaptureConfig selects and tunes the capture backend
type CaptureConfig struct {
	Backend         string `yaml:"backend"`
	Display         string `yaml:"display"`
	PNGCompression  int    `yaml:"png_compression"`
	MaxWidth        int    `yaml:"max_width"`
	SyntheticWidth  int    `yaml:"synthetic_width"`
	SyntheticHeight int    `yaml:"synthetic_height"`
}

// RegionConfig is the capture rectangle used at startup
type RegionConfig struct {
	Top    int `yaml:"top"`
	Left   int `yaml:"left"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// GetDefaultConfig returns the built-in configuration
func GetDefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Stream: StreamConfig{
			Port:         5555,
			TargetFPS:    30,
			RefreshEvery: 10,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Port:        5556,
			HTTPPort:    8000,
			GRPCPort:    0,
			IdleTimeout: 0,
		},
		Capture: CaptureConfig{
			Backend:         capture.BackendScreen,
			Display:         ":99",
			PNGCompression:  1,
			SyntheticWidth:  1920,
			SyntheticHeight: 1080,
		},
		Region: RegionConfig{
			Top:    region.DefaultTop,
			Left:   region.DefaultLeft,
			Width:  region.DefaultWidth,
			Height: region.DefaultHeight,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ApplyEnv overrides values from the environment variables the sensor has
// always honoured
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"STREAM_PORT", &c.Stream.Port},
		{"STREAM_FPS", &c.Stream.TargetFPS},
		{"CONTROL_PORT", &c.Control.HTTPPort},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := lookup("DISPLAY"); ok && v != "" {
		c.Capture.Display = v
	}
	return nil
}

// Validate rejects values the sensor cannot run with
func (c *Config) Validate() error {
	if err := validPort("stream.port", c.Stream.Port, false); err != nil {
		return err
	}
	if err := validPort("control.port", c.Control.Port, true); err != nil {
		return err
	}
	if err := validPort("control.http_port", c.Control.HTTPPort, true); err != nil {
		return err
	}
	if err := validPort("control.grpc_port", c.Control.GRPCPort, true); err != nil {
		return err
	}
	if c.Stream.TargetFPS <= 0 || c.Stream.TargetFPS > 240 {
		return fmt.Errorf("stream.target_fps must be in 1..240, got %d", c.Stream.TargetFPS)
	}
	if c.Stream.RefreshEvery < 0 {
		return fmt.Errorf("stream.refresh_every must not be negative, got %d", c.Stream.RefreshEvery)
	}
	if c.Stream.WriteTimeout < 0 {
		return fmt.Errorf("stream.write_timeout must not be negative, got %s", c.Stream.WriteTimeout)
	}
	if err := c.RegionRect().Validate(); err != nil {
		return fmt.Errorf("region: %w", err)
	}
	switch c.Capture.Backend {
	case capture.BackendScreen, capture.BackendSynthetic:
	default:
		return fmt.Errorf("capture.backend must be %q or %q, got %q",
			capture.BackendScreen, capture.BackendSynthetic, c.Capture.Backend)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func validPort(name string, port int, optional bool) error {
	if optional && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", name, port)
	}
	return nil
}

// RegionRect returns the configured startup rectangle
func (c *Config) RegionRect() region.Rect {
	return region.Rect{
		Top:    c.Region.Top,
		Left:   c.Region.Left,
		Width:  c.Region.Width,
		Height: c.Region.Height,
	}
}

// CaptureOptions maps the capture section to backend options
func (c *Config) CaptureOptions() capture.Options {
	return capture.Options{
		Display:         c.Capture.Display,
		PNGCompression:  c.Capture.PNGCompression,
		MaxWidth:        c.Capture.MaxWidth,
		SyntheticWidth:  c.Capture.SyntheticWidth,
		SyntheticHeight: c.Capture.SyntheticHeight,
	}
}

// Addr joins the configured host with port
func (c *Config) Addr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
