package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/sensorless/internal/errors"
)

// resetArgs strips the test binary's flags so Load only sees what each
// test injects.
func resetArgs(t *testing.T, args ...string) {
	t.Helper()

	saved := os.Args
	os.Args = append([]string{"sensorless"}, args...)
	t.Cleanup(func() { os.Args = saved })
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sensorless.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	resetArgs(t)
	t.Setenv("SENSORLESS_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, "default", cfg.Profile)
	assert.Equal(t, 50, cfg.Interval)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, []float64{500, 1000, 2000, 4000}, cfg.ProbeSpeeds)
	assert.Equal(t, 1000.0, cfg.SearchDistance)
	assert.Equal(t, 0.05, cfg.BacklashReaction)
	assert.Equal(t, 30, cfg.IdleTimeout)
}

func TestLoadFromFile(t *testing.T) {
	resetArgs(t)
	path := writeConfig(t, `
port = "/dev/ttyACM0"
baud = 250000
profile = "shop-router"
interval = 25
log_level = "debug"
probe_speeds = [600.0, 1200.0]
backlash_deviation = 15.0
`)
	t.Setenv("SENSORLESS_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, 250000, cfg.Baud)
	assert.Equal(t, "shop-router", cfg.Profile)
	assert.Equal(t, 25, cfg.Interval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []float64{600, 1200}, cfg.ProbeSpeeds)
	assert.Equal(t, 15.0, cfg.BacklashDeviation)
	assert.Equal(t, 20.0, cfg.ProbeDistance, "Expected unset keys to keep defaults")
}

func TestLoadInvalidFileFormat(t *testing.T) {
	resetArgs(t)
	path := writeConfig(t, `{"this": "is json, not toml"`)
	t.Setenv("SENSORLESS_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadInvalidLogLevel(t *testing.T) {
	resetArgs(t)
	path := writeConfig(t, `log_level = "loud"`)
	t.Setenv("SENSORLESS_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestLoadFlagOverridesFile(t *testing.T) {
	resetArgs(t, "--log-level", "error", "--profile", "cli-profile", "--interval", "10")
	path := writeConfig(t, `
log_level = "debug"
profile = "file-profile"
`)
	t.Setenv("SENSORLESS_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "cli-profile", cfg.Profile)
	assert.Equal(t, 10, cfg.Interval)
}

func TestLoadIgnoresUnknownFlags(t *testing.T) {
	resetArgs(t, "--not-a-real-flag", "value")
	t.Setenv("SENSORLESS_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := Load()
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Baud:              115200,
			Interval:          50,
			LogLevel:          "info",
			ProbeSpeeds:       []float64{500, 1000},
			ProbeDistance:     20,
			SearchDistance:    1000,
			SearchSpeed:       500,
			BacklashDeviation: 20,
			BacklashReaction:  0.05,
			BacklashFeed:      100,
			IdleTimeout:       30,
		}
	}

	assert.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		code   errors.ErrorCode
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, errors.ErrInvalidLogLevel},
		{"zero interval", func(c *Config) { c.Interval = 0 }, errors.ErrInvalidInterval},
		{"negative baud", func(c *Config) { c.Baud = -1 }, errors.ErrInvalidConfig},
		{"empty probe speeds", func(c *Config) { c.ProbeSpeeds = nil }, errors.ErrInvalidConfig},
		{"descending probe speeds", func(c *Config) { c.ProbeSpeeds = []float64{1000, 500} }, errors.ErrInvalidConfig},
		{"negative probe speed", func(c *Config) { c.ProbeSpeeds = []float64{-500, 1000} }, errors.ErrInvalidConfig},
		{"zero search speed", func(c *Config) { c.SearchSpeed = 0 }, errors.ErrInvalidConfig},
		{"zero backlash feed", func(c *Config) { c.BacklashFeed = 0 }, errors.ErrInvalidConfig},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, errors.ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
}
