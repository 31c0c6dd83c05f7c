package calibration

import (
	"context"
	"fmt"

	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/machine"
)

const (
	speedSearchLow  = 500.0  // mm/min
	speedSearchHigh = 8000.0 // mm/min
	speedConverge   = 500.0  // interval width terminating the bisection
	speedMargin     = 0.9    // fraction of the converged reliable speed
	speedLoadMargin = 1.5    // min sample must stay above this x threshold

	accelSearchLow   = 50.0   // mm/s^2
	accelSearchHigh  = 1000.0 // mm/s^2
	accelConverge    = 50.0
	accelMargin      = 0.85
	accelLoadMargin  = 1.2
	accelBadFraction = 0.05
	accelStressTrips = 3

	// maxBisectIterations bounds both searches independently of the
	// interval-width test, so pathological sample noise cannot spin the
	// loop forever.
	maxBisectIterations = 16

	tripDistanceMax     = 50.0
	tripDistanceDefault = 20.0
	tripDistanceMin     = 5.0
)

// optimizeDynamics binary-searches each axis's maximum reliable speed and
// acceleration, then derates the converged values before applying them.
func (c *Calibrator) optimizeDynamics(ctx context.Context) error {
	for i, axis := range machine.Axes() {
		threshold, err := c.threshold(axis)
		if err != nil {
			return err
		}

		c.session.report(PhaseDynamics, axis, true, axisPercent(i, 0, 3),
			fmt.Sprintf("searching maximum speed on %s", axis))

		speed, err := c.searchSpeed(ctx, axis, threshold)
		if err != nil {
			return err
		}

		c.prof.Mechanics[axis].MaxSpeed = speed
		if err := c.ctrl.SendCommand(ctx, grbl.SetMaxRate(axis, speed)); err != nil {
			return err
		}

		c.session.report(PhaseDynamics, axis, true, axisPercent(i, 1, 3),
			fmt.Sprintf("%s max speed: %.0f mm/min", axis, speed))

		accel, err := c.searchAcceleration(ctx, axis, threshold, speed)
		if err != nil {
			return err
		}

		c.prof.Mechanics[axis].Acceleration = accel
		if err := c.ctrl.SendCommand(ctx, grbl.SetAcceleration(axis, accel)); err != nil {
			return err
		}

		c.session.report(PhaseDynamics, axis, true, axisPercent(i, 2, 3),
			fmt.Sprintf("%s acceleration: %.0f mm/s²", axis, accel))

		c.log.Info().
			Str("axis", axis.String()).
			Float64("max_speed", speed).
			Float64("acceleration", accel).
			Msg("Dynamics optimized")
	}

	c.session.report(PhaseDynamics, 0, false, 100, "dynamics optimization complete")

	return nil
}

// searchSpeed bisects between the search bounds; a candidate is reliable
// when the minimum load sample across a round trip keeps an ample stall
// margin. Returns the derated result.
func (c *Calibrator) searchSpeed(ctx context.Context, axis machine.Axis, threshold int) (float64, error) {
	lo, hi := speedSearchLow, speedSearchHigh
	reliable := lo

	for iter := 0; iter < maxBisectIterations && hi-lo > speedConverge; iter++ {
		mid := (lo + hi) / 2

		ok, err := c.speedTrial(ctx, axis, mid, threshold)
		if err != nil {
			return 0, err
		}

		if ok {
			reliable = mid
			lo = mid
		} else {
			hi = mid
		}
	}

	return reliable * speedMargin, nil
}

func (c *Calibrator) speedTrial(ctx context.Context, axis machine.Axis, speed float64, threshold int) (bool, error) {
	mark := c.buf.Mark(axis)

	distance := c.tripDistance(axis)
	if err := c.move(ctx, axis, distance, speed); err != nil {
		return false, err
	}
	if err := c.move(ctx, axis, -distance, speed); err != nil {
		return false, err
	}

	minLoad, ok := c.buf.Min(axis, mark)
	if !ok {
		// No samples at all is treated as unreliable, not as an error;
		// the bisection then converges downward.
		return false, nil
	}

	return float64(minLoad) >= speedLoadMargin*float64(threshold), nil
}

// searchAcceleration bisects acceleration; a candidate is reliable when
// fewer than accelBadFraction of the samples across the stress trips dip
// below the margin.
func (c *Calibrator) searchAcceleration(ctx context.Context, axis machine.Axis, threshold int, speed float64) (float64, error) {
	lo, hi := accelSearchLow, accelSearchHigh
	reliable := lo

	for iter := 0; iter < maxBisectIterations && hi-lo > accelConverge; iter++ {
		mid := (lo + hi) / 2

		ok, err := c.accelTrial(ctx, axis, mid, threshold, speed)
		if err != nil {
			return 0, err
		}

		if ok {
			reliable = mid
			lo = mid
		} else {
			hi = mid
		}
	}

	return reliable * accelMargin, nil
}

func (c *Calibrator) accelTrial(ctx context.Context, axis machine.Axis, accel float64, threshold int, speed float64) (bool, error) {
	if err := c.ctrl.SendCommand(ctx, grbl.SetAcceleration(axis, accel)); err != nil {
		return false, err
	}

	mark := c.buf.Mark(axis)
	distance := c.tripDistance(axis)

	for trip := 0; trip < accelStressTrips; trip++ {
		if err := c.move(ctx, axis, distance, speed); err != nil {
			return false, err
		}
		if err := c.move(ctx, axis, -distance, speed); err != nil {
			return false, err
		}
	}

	window := c.buf.Since(axis, mark)
	if len(window) == 0 {
		return false, nil
	}

	bad := 0
	limit := accelLoadMargin * float64(threshold)
	for _, v := range window {
		if float64(v) < limit {
			bad++
		}
	}

	return float64(bad) < accelBadFraction*float64(len(window)), nil
}

// tripDistance picks the round-trip length: within the measured envelope
// when one exists, a short conservative stroke otherwise.
func (c *Calibrator) tripDistance(axis machine.Axis) float64 {
	env := c.prof.Envelope[axis]
	if !env.Measured {
		return tripDistanceDefault
	}

	d := (env.Max-env.Min)/2 - limitBackoffMM
	if d > tripDistanceMax {
		d = tripDistanceMax
	}
	if d < tripDistanceMin {
		d = tripDistanceMin
	}

	return d
}
