// Package config loads the settings file and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robalobadob/applepop/assets"
	"github.com/robalobadob/applepop/internal/game"
)

// Config is the top-level settings structure.
type Config struct {
	Game   GameConfig   `yaml:"game"`
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
}

// GameConfig holds the defaults for new sessions.
type GameConfig struct {
	Rows                  int     `yaml:"rows"`
	Cols                  int     `yaml:"cols"`
	TimeLimitSeconds      int     `yaml:"time_limit_seconds"`
	AutoClearDelaySeconds float64 `yaml:"auto_clear_delay_seconds"`
}

// ServerConfig holds HTTP and storage settings.
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	DBPath           string `yaml:"db_path"`
	SessionRetention string `yaml:"session_retention"` // duration string, e.g. "10m"
}

// AudioConfig is passed through to clients.
type AudioConfig struct {
	MusicEnabled bool `yaml:"music_enabled" json:"musicEnabled"`
	Volume       int  `yaml:"volume" json:"volume"` // 0..100
}

// Default parses the embedded settings file.
func Default() (Config, error) {
	return parse(assets.DefaultSettings)
}

// Load reads path on top of the embedded defaults, so a file only needs the
// keys it changes. An empty path returns the defaults. Environment variables
// referenced as ${VAR} are expanded before parsing.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse defaults: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PORT, DB_PATH, GAME_ROWS, GAME_COLS,
// GAME_TIME_LIMIT and GAME_AUTO_CLEAR_DELAY. Malformed numbers are errors.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"GAME_ROWS", &c.Game.Rows},
		{"GAME_COLS", &c.Game.Cols},
		{"GAME_TIME_LIMIT", &c.Game.TimeLimitSeconds},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", e.key, err)
		}
		*e.dst = n
	}
	if v := os.Getenv("GAME_AUTO_CLEAR_DELAY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: GAME_AUTO_CLEAR_DELAY: %w", err)
		}
		c.Game.AutoClearDelaySeconds = f
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if err := c.Game.Session().Validate(); err != nil {
		return fmt.Errorf("config: game: %w", err)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server: addr is required")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("config: server: db_path is required")
	}
	if _, err := c.Server.Retention(); err != nil {
		return err
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return fmt.Errorf("config: audio: volume must be 0..100, got %d", c.Audio.Volume)
	}
	return nil
}

// Session converts the game section to a game.Config.
func (g GameConfig) Session() game.Config {
	return game.Config{
		Rows:           g.Rows,
		Cols:           g.Cols,
		TimeLimit:      time.Duration(g.TimeLimitSeconds) * time.Second,
		AutoClearDelay: time.Duration(g.AutoClearDelaySeconds * float64(time.Second)),
	}
}

// Retention parses SessionRetention; empty means ten minutes.
func (s ServerConfig) Retention() (time.Duration, error) {
	if s.SessionRetention == "" {
		return 10 * time.Minute, nil
	}
	d, err := time.ParseDuration(s.SessionRetention)
	if err != nil {
		return 0, fmt.Errorf("config: server: session_retention: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: server: session_retention must be positive")
	}
	return d, nil
}
