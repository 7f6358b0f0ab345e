package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/applepop/internal/game"
)

func TestDefault_MatchesReferenceGame(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, game.DefaultConfig(), cfg.Game.Session())
	assert.Equal(t, ":5175", cfg.Server.Addr)
	assert.True(t, cfg.Audio.MusicEnabled)
	assert.Equal(t, 30, cfg.Audio.Volume)

	d, err := cfg.Server.Retention()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)
}

func TestLoad_OverlaysFile(t *testing.T) {
	t.Setenv("TEST_DB", "/tmp/x.db")
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
game:
  time_limit_seconds: 90
  auto_clear_delay_seconds: 1.5
server:
  db_path: ${TEST_DB}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Game.Rows, "unset keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Game.Session().TimeLimit)
	assert.Equal(t, 1500*time.Millisecond, cfg.Game.Session().AutoClearDelay)
	assert.Equal(t, "/tmp/x.db", cfg.Server.DBPath)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("game: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	t.Setenv("PORT", "9000")
	t.Setenv("GAME_ROWS", "4")
	t.Setenv("GAME_AUTO_CLEAR_DELAY", "0.25")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Game.Rows)
	assert.Equal(t, 250*time.Millisecond, cfg.Game.Session().AutoClearDelay)

	t.Setenv("GAME_COLS", "many")
	assert.Error(t, cfg.ApplyEnv())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero rows", func(c *Config) { c.Game.Rows = 0 }},
		{"zero time", func(c *Config) { c.Game.TimeLimitSeconds = 0 }},
		{"no delay", func(c *Config) { c.Game.AutoClearDelaySeconds = 0 }},
		{"no addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad retention", func(c *Config) { c.Server.SessionRetention = "soon" }},
		{"loud", func(c *Config) { c.Audio.Volume = 101 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tc.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
