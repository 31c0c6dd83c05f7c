package calibration

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
)

// searchBudgetFactor pads the nominal travel time of the limit search; past
// it the search fails with limit_not_found.
const searchBudgetFactor = 1.5

// limitIdleGrace covers the status-poll cadence at the start of a limit
// search: an Idle report inside this window may predate the jog, so it
// does not count as "travel exhausted". Var so tests can shrink it.
var limitIdleGrace = 500 * time.Millisecond

// measureEnvelope discovers each axis's travel range by driving into the
// physical limits and watching for the stall signature. The negative limit
// becomes the axis zero; travel is the machine-coordinate distance between
// the two limits, so the envelope is {0, travel} no matter where machine
// zero happens to sit.
func (c *Calibrator) measureEnvelope(ctx context.Context) error {
	errFactory := errors.New()

	if err := c.ctrl.SendCommand(ctx, grbl.SensorlessLimits(true)); err != nil {
		return err
	}

	for i, axis := range machine.Axes() {
		c.session.report(PhaseEnvelope, axis, true, axisPercent(i, 0, 3),
			fmt.Sprintf("searching negative limit on %s", axis))

		negLimit, err := c.findLimit(ctx, axis, -1)
		if err != nil {
			return err
		}

		if err := c.ctrl.SendCommand(ctx, grbl.ZeroAxis(axis)); err != nil {
			return err
		}

		c.session.report(PhaseEnvelope, axis, true, axisPercent(i, 1, 3),
			fmt.Sprintf("searching positive limit on %s", axis))

		posLimit, err := c.findLimit(ctx, axis, +1)
		if err != nil {
			return err
		}

		travel := posLimit - negLimit
		if travel <= 0 {
			return errFactory.WithData(ErrLimitNotFound,
				fmt.Sprintf("%s: limits out of order (%.1f .. %.1f)", axis, negLimit, posLimit))
		}

		c.prof.Envelope[axis] = profile.Envelope{Min: 0, Max: travel, Measured: true}

		// Back off so the axis is not resting against the hard limit.
		if err := c.move(ctx, axis, -limitBackoffMM, c.cfg.SearchSpeed); err != nil {
			return err
		}

		c.session.report(PhaseEnvelope, axis, true, axisPercent(i, 2, 3),
			fmt.Sprintf("%s travel: %.1f mm", axis, travel))

		c.log.Info().
			Str("axis", axis.String()).
			Float64("travel_mm", travel).
			Msg("Envelope measured")
	}

	for _, axis := range machine.Axes() {
		if err := c.ctrl.SendCommand(ctx, grbl.SetMaxTravel(axis, c.prof.Envelope[axis].Max)); err != nil {
			return err
		}
	}
	if err := c.ctrl.SendCommand(ctx, grbl.SoftLimits(true)); err != nil {
		return err
	}

	c.session.report(PhaseEnvelope, 0, false, 100, "soft limits enabled")

	return nil
}

// findLimit drives toward a physical limit and returns the signed machine
// position at which the trailing load average crossed below the stall
// threshold. The stop sequence (feed hold, then reset) is issued the
// instant the stall is seen.
func (c *Calibrator) findLimit(ctx context.Context, axis machine.Axis, direction int) (float64, error) {
	errFactory := errors.New()

	threshold, err := c.threshold(axis)
	if err != nil {
		return 0, err
	}

	mark := c.buf.Mark(axis)

	jog := grbl.JogRelative(axis, float64(direction)*c.cfg.SearchDistance, c.cfg.SearchSpeed)
	if err := c.ctrl.SendCommand(ctx, jog); err != nil {
		return 0, err
	}

	nominal := time.Duration(c.cfg.SearchDistance / c.cfg.SearchSpeed * 60 * float64(time.Second))
	deadline := time.Now().Add(time.Duration(float64(nominal)*searchBudgetFactor) + motionStartDelay)
	graceEnd := time.Now().Add(limitIdleGrace)
	sawMotion := false

	time.Sleep(motionStartDelay)

	ticker := time.NewTicker(stallPollInterval)
	defer ticker.Stop()

	for {
		if mean, ok := c.trailingMeanSince(axis, mark); ok && mean < float64(threshold) {
			position := c.ctrl.Position(axis)

			if err := c.ctrl.FeedHold(); err != nil {
				return 0, errFactory.Wrap(ErrStopFailed, err)
			}
			if err := c.ctrl.SoftReset(); err != nil {
				return 0, errFactory.Wrap(ErrStopFailed, err)
			}
			time.Sleep(resetSettleDelay)

			c.log.Debug().
				Str("axis", axis.String()).
				Int("direction", direction).
				Float64("position", position).
				Float64("load_mean", mean).
				Msg("Stall detected at limit")

			return position, nil
		}

		state := c.ctrl.RunState()
		if state != machine.StateIdle {
			sawMotion = true
		}

		// The jog finishing without a stall means the search distance was
		// exhausted inside the travel range. An Idle report before the jog
		// was ever seen running may be stale, so it only counts once the
		// jog has been observed in motion or the grace window has passed.
		if state == machine.StateIdle && (sawMotion || time.Now().After(graceEnd)) {
			return 0, errFactory.WithData(ErrLimitNotFound, axis.String())
		}

		if time.Now().After(deadline) {
			if err := c.ctrl.EmergencyStop(); err != nil {
				return 0, errFactory.Wrap(ErrStopFailed, err)
			}
			return 0, errFactory.WithData(ErrLimitNotFound, axis.String())
		}

		select {
		case <-ctx.Done():
			if err := c.ctrl.EmergencyStop(); err != nil {
				return 0, errFactory.Wrap(ErrStopFailed, err)
			}
			return 0, errFactory.Wrap(ErrLimitNotFound, ctx.Err())
		case <-ticker.C:
		}
	}
}
