package calibration

import (
	"context"
	"fmt"
	"math"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
	"codeberg.org/mutker/sensorless/internal/sample"
)

// calibrateStallGuard measures the no-load StallGuard baseline per axis.
// Probe moves run at each configured speed; the per-speed mean uses only
// the middle of the window, and the worst case (minimum) across speeds
// governs the threshold.
func (c *Calibrator) calibrateStallGuard(ctx context.Context) error {
	errFactory := errors.New()

	for i, axis := range machine.Axes() {
		c.session.report(PhaseStallGuard, axis, true,
			axisPercent(i, 0, len(c.cfg.ProbeSpeeds)+1),
			fmt.Sprintf("measuring no-load baseline on %s", axis))

		if env := c.prof.Envelope[axis]; env.Measured {
			center := env.Min + (env.Max-env.Min)/2
			if err := c.moveTo(ctx, axis, center, c.cfg.SearchSpeed); err != nil {
				return err
			}
		}

		var means []float64
		direction := 1.0

		for j, speed := range c.cfg.ProbeSpeeds {
			mark := c.buf.Mark(axis)

			if err := c.move(ctx, axis, direction*c.cfg.ProbeDistance, speed); err != nil {
				return err
			}
			// Alternate direction so repeated probes stay near the start
			// position.
			direction = -direction

			window := c.buf.Since(axis, mark)
			if len(window) < minProbeSamples {
				c.log.Debug().
					Str("axis", axis.String()).
					Float64("speed", speed).
					Int("samples", len(window)).
					Msg("Probe window too small, discarding")
				continue
			}

			mean, ok := sample.MiddleMean(window, transientDiscard)
			if !ok {
				continue
			}

			means = append(means, mean)

			c.session.report(PhaseStallGuard, axis, true,
				axisPercent(i, j+1, len(c.cfg.ProbeSpeeds)+1),
				fmt.Sprintf("probe at %.0f mm/min: mean load %.1f", speed, mean))
		}

		if len(means) == 0 {
			return errFactory.WithData(ErrInsufficientData, axis.String())
		}

		noLoad := means[0]
		for _, m := range means[1:] {
			if m < noLoad {
				noLoad = m
			}
		}

		noLoadValue := int(math.Round(noLoad))
		threshold := int(math.Round(float64(noLoadValue) * thresholdFactor))
		if threshold <= 0 || threshold >= noLoadValue {
			return errFactory.WithData(ErrInsufficientData,
				fmt.Sprintf("%s: unusable baseline %d", axis, noLoadValue))
		}

		if err := c.ctrl.SendCommand(ctx, grbl.SetStallGuardThreshold(axis, threshold)); err != nil {
			return err
		}

		c.prof.StallGuard[axis] = profile.StallGuard{
			Threshold:   threshold,
			NoLoadValue: noLoadValue,
			Calibrated:  true,
		}
		c.prof.Motors[axis].StallGuardThreshold = threshold

		c.log.Info().
			Str("axis", axis.String()).
			Int("no_load", noLoadValue).
			Int("threshold", threshold).
			Msg("StallGuard calibrated")
	}

	c.session.report(PhaseStallGuard, 0, false, 100, "stallguard calibration complete")

	return nil
}
