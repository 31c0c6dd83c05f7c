package config

import (
	"os"
	"sort"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/sensorless/internal/errors"
)

const (
	DefaultLogLevel = "info"

	defaultConfigName = "sensorless"
	defaultConfigPath = "/etc"
	configEnvVar      = "SENSORLESS_CONFIG"
)

// Config carries everything the daemon and the calibration engine need.
// Calibration thresholds that the engine treats as empirical (probe speeds,
// backlash deviation and reaction offset) are deliberately configuration,
// not constants.
type Config struct {
	// Transport
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`

	// Persistence
	Database string `mapstructure:"database"`
	Profile  string `mapstructure:"profile"`

	// Monitor loop
	Interval int `mapstructure:"interval"` // milliseconds

	// Logging
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`

	// Calibration
	ProbeSpeeds       []float64 `mapstructure:"probe_speeds"`       // mm/min
	ProbeDistance     float64   `mapstructure:"probe_distance"`     // mm
	SearchDistance    float64   `mapstructure:"search_distance"`    // mm
	SearchSpeed       float64   `mapstructure:"search_speed"`       // mm/min
	BacklashDeviation float64   `mapstructure:"backlash_deviation"` // load units
	BacklashReaction  float64   `mapstructure:"backlash_reaction"`  // mm
	BacklashFeed      float64   `mapstructure:"backlash_feed"`      // mm/min
	IdleTimeout       int       `mapstructure:"idle_timeout"`       // seconds
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "")
	v.SetDefault("baud", 115200)
	v.SetDefault("database", "/var/lib/sensorless/profiles.db")
	v.SetDefault("profile", "default")
	v.SetDefault("interval", 50)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("probe_speeds", []float64{500, 1000, 2000, 4000})
	v.SetDefault("probe_distance", 20.0)
	v.SetDefault("search_distance", 1000.0)
	v.SetDefault("search_speed", 500.0)
	v.SetDefault("backlash_deviation", 20.0)
	v.SetDefault("backlash_reaction", 0.05)
	v.SetDefault("backlash_feed", 100.0)
	v.SetDefault("idle_timeout", 30)
}

// Load reads configuration from file, environment and flags, in increasing
// priority. The config file is taken from SENSORLESS_CONFIG when set,
// otherwise /etc/sensorless.toml is tried; a missing file is not an error.
func Load() (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("sensorless", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.String("port", "", "Serial port of the grblHAL controller")
	fs.Int("baud", 115200, "Serial baud rate")
	fs.String("database", "", "Path to the profile database")
	fs.String("profile", "", "Machine profile name")
	fs.Int("interval", 50, "Monitor loop interval in milliseconds")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetConfigType("toml")
	if path := os.Getenv(configEnvVar); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		key := f.Name
		if key == "log-level" {
			key = "log_level"
		}
		v.Set(key, f.Value.String())
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Baud <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "baud must be positive")
	}
	if len(c.ProbeSpeeds) == 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "probe_speeds must not be empty")
	}
	if !sort.Float64sAreSorted(c.ProbeSpeeds) {
		return errFactory.WithData(errors.ErrInvalidConfig, "probe_speeds must be ascending")
	}
	for _, s := range c.ProbeSpeeds {
		if s <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "probe_speeds must be positive")
		}
	}
	if c.SearchDistance <= 0 || c.SearchSpeed <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "search distance and speed must be positive")
	}
	if c.BacklashDeviation <= 0 || c.BacklashReaction < 0 || c.BacklashFeed <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "invalid backlash tuning")
	}
	if c.IdleTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "idle_timeout must be positive")
	}

	return nil
}
