package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "HOSTPLANE_"

// DotenvFiles are loaded, when present, before the environment is parsed.
// Variables already set in the process win.
var DotenvFiles = []string{".env"}

// LoadFromEnv overlays HOSTPLANE_* variables onto cfg.
func LoadFromEnv(cfg *Config) error {
	for _, f := range DotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
