package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"vision-sensor/internal/config"
)

// LoadConfig reads the config file and applies environment overrides. A
// missing file yields the defaults and fromDefaults set.
func LoadConfig(path string) (cfg *config.Config, fromDefaults bool, err error) {
	cfg, err = config.LoadConfig(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		cfg, fromDefaults = config.GetDefaultConfig(), true
	default:
		return nil, false, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, false, fmt.Errorf("environment: %w", err)
	}
	return cfg, fromDefaults, nil
}
