package calibration

import (
	"time"

	"codeberg.org/mutker/sensorless/internal/errors"
)

// Config carries the calibration tunables. The backlash thresholds are
// empirical values, not physics, so they are settable rather than constants.
type Config struct {
	ProbeSpeeds       []float64     // mm/min, ascending
	ProbeDistance     float64       // mm per probe move
	SearchDistance    float64       // mm, bounded limit search
	SearchSpeed       float64       // mm/min during limit search
	BacklashDeviation float64       // load units off baseline
	BacklashReaction  float64       // mm subtracted for reaction time
	BacklashFeed      float64       // mm/min during the reverse move
	IdleTimeout       time.Duration // wait-for-idle barrier deadline
}

func DefaultConfig() Config {
	return Config{
		ProbeSpeeds:       []float64{500, 1000, 2000, 4000},
		ProbeDistance:     20,
		SearchDistance:    1000,
		SearchSpeed:       500,
		BacklashDeviation: 20,
		BacklashReaction:  0.05,
		BacklashFeed:      100,
		IdleTimeout:       30 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if len(c.ProbeSpeeds) == 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "no probe speeds")
	}
	if c.ProbeDistance <= 0 || c.SearchDistance <= 0 || c.SearchSpeed <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "distances and speeds must be positive")
	}
	if c.BacklashDeviation <= 0 || c.BacklashFeed <= 0 || c.BacklashReaction < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "invalid backlash tuning")
	}
	if c.IdleTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "idle timeout must be positive")
	}

	return nil
}
