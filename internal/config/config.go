// Package config loads optional JSON-with-comments configuration for
// cmd/sstorecli, following the same global-then-project precedence the
// teacher's own ticket-tracker config uses.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the admin CLI's defaults.
type Config struct {
	StorePath      string `json:"store_path,omitempty"` //nolint:tagliatelle // snake_case for config file
	Writeback      string `json:"writeback,omitempty"`
	GrowSpareBytes int64  `json:"grow_spare_bytes,omitempty"`
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".sstore.json"

var errConfigFileNotFound = errors.New("config: file not found")

// Default returns the built-in CLI defaults: writeback mode "sync", every
// other field empty.
func Default() Config {
	return Config{Writeback: "sync"}
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/sstore/config.json, falling
// back to ~/.config/sstore/config.json.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "sstore", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sstore", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "sstore", "config.json")
	}

	return ""
}

// Load applies, in increasing precedence: defaults, the global user config,
// the project-local config file at workDir, and an explicit configPath if
// given.
func Load(workDir, configPath string, env []string) (Config, error) {
	cfg := Default()

	if globalPath := getGlobalConfigPath(env); globalPath != "" {
		loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, loaded)
	}

	projectPath := filepath.Join(workDir, ConfigFileName)

	loaded, err := loadFile(projectPath, false)
	if err != nil {
		return Config{}, err
	}

	cfg = merge(cfg, loaded)

	if configPath != "" {
		loaded, err := loadFile(configPath, true)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, loaded)
	}

	return cfg, nil
}

func loadFile(path string, mustExist bool) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
			}

			return Config{}, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON in %s: %w", path, err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.StorePath != "" {
		base.StorePath = overlay.StorePath
	}

	if overlay.Writeback != "" {
		base.Writeback = overlay.Writeback
	}

	if overlay.GrowSpareBytes != 0 {
		base.GrowSpareBytes = overlay.GrowSpareBytes
	}

	return base
}
