// Package config provides TOML-based configuration for pixelpane.
//
// The resolved Config is the only configuration the core packages see:
// backend preference, silence/verbosity, an optional geometry override, and
// the control socket settings. Flag parsing happens in main and is layered on
// top of the loaded file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration object.
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Output   OutputConfig   `toml:"output"`
	Geometry GeometryConfig `toml:"geometry"`
	Socket   SocketConfig   `toml:"socket"`
	Decode   DecodeConfig   `toml:"decode"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	LogLevel string `toml:"log_level"` // debug, info, warn, error
	LogFile  string `toml:"log_file"`
	Silent   bool   `toml:"silent"`
	PIDFile  string `toml:"pid_file"`
}

// OutputConfig selects the rendering backend.
type OutputConfig struct {
	// Backend is one of auto, sixel, kitty, iterm2, halfblocks, x11, none.
	Backend string `toml:"backend"`

	// QueryTimeout bounds every terminal capability query round trip.
	QueryTimeout Duration `toml:"query_timeout"`

	// TrackInterval is how often overlay windows re-check the terminal
	// window position.
	TrackInterval Duration `toml:"track_interval"`
}

// GeometryConfig is an optional override of the measured cell geometry.
// Zero values mean "measure".
type GeometryConfig struct {
	CellWidth  float64 `toml:"cell_width"`
	CellHeight float64 `toml:"cell_height"`
	PaddingX   float64 `toml:"padding_x"`
	PaddingY   float64 `toml:"padding_y"`
}

// Active reports whether any override field is set.
func (g GeometryConfig) Active() bool {
	return g.CellWidth > 0 || g.CellHeight > 0 || g.PaddingX > 0 || g.PaddingY > 0
}

// SocketConfig controls the multi-client control channel.
type SocketConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	TCP     string `toml:"tcp"` // optional host:port listener
}

// DecodeConfig names the external helpers used for video sources.
type DecodeConfig struct {
	FFmpeg  string `toml:"ffmpeg"`
	FFprobe string `toml:"ffprobe"`
}

// validBackends lists the accepted output.backend values.
var validBackends = []string{"auto", "sixel", "kitty", "iterm2", "halfblocks", "x11", "none"}

// Validate checks enum fields and numeric ranges.
func (c *Config) Validate() error {
	backend := strings.ToLower(c.Output.Backend)
	ok := false
	for _, b := range validBackends {
		if backend == b {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("output.backend %q: must be one of %s", c.Output.Backend, strings.Join(validBackends, ", "))
	}

	switch strings.ToLower(c.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level %q: must be debug, info, warn or error", c.General.LogLevel)
	}

	g := c.Geometry
	if g.CellWidth < 0 || g.CellHeight < 0 || g.PaddingX < 0 || g.PaddingY < 0 {
		return fmt.Errorf("geometry override values must not be negative")
	}
	if c.Output.QueryTimeout.Duration <= 0 {
		return fmt.Errorf("output.query_timeout must be positive")
	}
	return nil
}

// Duration wraps time.Duration so TOML files can say "50ms" or "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q not allowed", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
