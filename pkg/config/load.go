package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
)

// appName names the config, cache and runtime subdirectories.
const appName = "pixelpane"

// Load reads configuration from the standard config path.
// Search order:
//  1. $XDG_CONFIG_HOME/pixelpane/config.toml
//  2. ~/.config/pixelpane/config.toml
//
// If no file exists, returns DefaultConfig() with environment overrides.
func Load() (*Config, error) {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromFile(p)
		}
	}
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path. A missing file
// yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes TOML from r on top of DefaultConfig().
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			LogFile:  filepath.Join(xdg.CacheHome, appName, appName+".log"),
		},
		Output: OutputConfig{
			Backend:       "auto",
			QueryTimeout:  Duration{50 * time.Millisecond},
			TrackInterval: Duration{200 * time.Millisecond},
		},
		Socket: SocketConfig{
			Enabled: true,
		},
		Decode: DecodeConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
	}
}

// SocketPath returns the configured socket path, or the per-process default
// under $XDG_RUNTIME_DIR.
func (c *Config) SocketPath(pid int) string {
	if c.Socket.Path != "" {
		return c.Socket.Path
	}
	dir := xdg.RuntimeDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName+"-"+strconv.Itoa(pid)+".sock")
}

// applyEnvOverrides checks environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIXELPANE_BACKEND"); v != "" {
		cfg.Output.Backend = v
	}
	if v := os.Getenv("PIXELPANE_SOCKET"); v != "" {
		cfg.Socket.Path = v
	}
	if v := os.Getenv("PIXELPANE_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
	if v := os.Getenv("PIXELPANE_SILENT"); v == "1" || v == "true" {
		cfg.General.Silent = true
	}
}

// configSearchPaths returns the ordered list of config file paths to try.
func configSearchPaths() []string {
	paths := []string{filepath.Join(xdg.ConfigHome, appName, "config.toml")}

	// If XDG_CONFIG_HOME was explicitly set, also try the fallback default.
	if home, err := os.UserHomeDir(); err == nil {
		defaultXDG := filepath.Join(home, ".config")
		if xdg.ConfigHome != defaultXDG {
			paths = append(paths, filepath.Join(defaultXDG, appName, "config.toml"))
		}
	}
	return paths
}
