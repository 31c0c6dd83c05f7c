package calibration

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/machine"
)

const (
	backlashApproachMM = 10.0
	backlashReverseMM  = 0.5
)

// Timing seams as vars so tests can run faster than machine cadence.
var (
	backlashTimeout = 3 * time.Second
	baselineSettle  = 250 * time.Millisecond
)

// measureBacklash estimates per-axis lost motion. After a forward move
// establishes a load baseline, a small reverse move is commanded; the time
// until the load average deviates from baseline is the interval in which
// the screw was taking up slack, converted to distance at the commanded
// feed. No deviation within the timeout fails open to zero.
func (c *Calibrator) measureBacklash(ctx context.Context) error {
	for i, axis := range machine.Axes() {
		c.session.report(PhaseBacklash, axis, true, axisPercent(i, 0, 2),
			fmt.Sprintf("measuring backlash on %s", axis))

		// Forward approach loads the drivetrain in a known direction.
		if err := c.move(ctx, axis, backlashApproachMM, c.cfg.BacklashFeed); err != nil {
			return err
		}

		baselineMark := c.buf.Mark(axis)
		time.Sleep(baselineSettle)

		baseline, ok := c.trailingMeanSince(axis, baselineMark)
		if !ok {
			c.log.Warn().
				Str("axis", axis.String()).
				Msg("No load baseline for backlash measurement, assuming zero")
			c.prof.Mechanics[axis].Backlash = 0
			continue
		}

		reverseMark := c.buf.Mark(axis)
		jogStart := time.Now()
		if err := c.ctrl.SendCommand(ctx, grbl.JogRelative(axis, -backlashReverseMM, c.cfg.BacklashFeed)); err != nil {
			return err
		}

		backlash := 0.0
		deadline := jogStart.Add(backlashTimeout)
		ticker := time.NewTicker(stallPollInterval)

		for time.Now().Before(deadline) {
			if mean, ok := c.trailingMeanSince(axis, reverseMark); ok {
				deviation := mean - baseline
				if deviation < 0 {
					deviation = -deviation
				}
				if deviation > c.cfg.BacklashDeviation {
					elapsed := time.Since(jogStart)
					backlash = c.cfg.BacklashFeed*elapsed.Seconds()/60 - c.cfg.BacklashReaction
					break
				}
			}

			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
			if ctx.Err() != nil {
				break
			}
		}
		ticker.Stop()

		if backlash < 0 {
			backlash = 0
		}
		if backlash > backlashReverseMM {
			backlash = backlashReverseMM
		}

		c.prof.Mechanics[axis].Backlash = backlash

		if err := c.waitForIdle(ctx); err != nil {
			return err
		}

		c.session.report(PhaseBacklash, axis, true, axisPercent(i, 1, 2),
			fmt.Sprintf("%s backlash: %.3f mm", axis, backlash))

		c.log.Info().
			Str("axis", axis.String()).
			Float64("backlash_mm", backlash).
			Msg("Backlash measured")
	}

	c.session.report(PhaseBacklash, 0, false, 100, "backlash measurement complete")

	return nil
}
