package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable the config reads.
const EnvPrefix = "ENGAGEKIT_"

// loadFromEnv overlays environment variables onto cfg. Unset variables keep
// the value already in cfg, so file and profile values survive.
func loadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
