package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load resolves the configuration file to read with the following
// precedence, highest first: an explicit path argument, the
// YGGDRASIL_CONFIG environment variable, an environment-named file
// (config.<YGGDRASIL_ENV>.yaml) next to the default file, then
// config.yaml itself. Values are layered over Default() and may be
// overridden by YGGDRASIL_-prefixed environment variables.
func Load(explicitPath string) (*Config, error) {
	path := resolvePath(explicitPath)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("YGGDRASIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || isConfigFileNotFound(err) {
			return applyEnvOverrides(v, Default())
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isConfigFileNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) (*Config, error) {
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal defaults with env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("YGGDRASIL_CONFIG"); p != "" {
		return p
	}

	dir := "./config"
	if env := os.Getenv("YGGDRASIL_ENV"); env != "" {
		candidate := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(dir, "config.yaml")
}
