// Package calibration sequences the four self-calibration phases against
// the controller: StallGuard baselining, envelope measurement, backlash
// estimation and dynamics optimization. Every phase reads the same load
// signal (trailing moving average vs. a threshold); only the safety
// multiplier and the search strategy vary.
package calibration

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
	"codeberg.org/mutker/sensorless/internal/sample"
)

// Timing seams as vars so tests can run faster than machine cadence.
var (
	idlePollInterval  = 100 * time.Millisecond
	stallPollInterval = 10 * time.Millisecond
	motionStartDelay  = 200 * time.Millisecond
	resetSettleDelay  = 300 * time.Millisecond
)

const (
	// windowSize is the trailing moving-average window shared by all
	// stall-signature checks.
	windowSize = 5

	// transientDiscard cuts this fraction at each end of a probe window to
	// exclude acceleration and deceleration transients.
	transientDiscard = 0.2

	minProbeSamples = 5

	// thresholdFactor scales the no-load baseline down to the stall
	// threshold: low enough that torque variation never trips it, high
	// enough that a collapsing load value does.
	thresholdFactor = 0.4

	limitBackoffMM = 5.0
)

// Calibrator runs the full calibration sequence. At most one session may be
// active at a time.
type Calibrator struct {
	ctrl    grbl.Controller
	buf     *sample.Buffer
	store   profile.Store
	prof    *profile.Profile
	cfg     Config
	session *Session
	log     logger.Logger
	running atomic.Bool
}

// New builds a Calibrator around an existing profile. The profile is
// mutated phase by phase and saved after each completed phase.
func New(ctrl grbl.Controller, buf *sample.Buffer, store profile.Store, prof *profile.Profile,
	cfg Config, progress ProgressFunc, log logger.Logger,
) (*Calibrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Calibrator{
		ctrl:    ctrl,
		buf:     buf,
		store:   store,
		prof:    prof,
		cfg:     cfg,
		session: newSession(progress),
		log:     log,
	}, nil
}

// Session exposes the transient calibration state for status display.
func (c *Calibrator) Session() *Session {
	return c.session
}

// Run executes all four phases in order. A phase failure aborts the rest,
// is surfaced as calibration_failed with phase context, and leaves results
// of completed phases persisted. The context may cancel between phases;
// an in-flight phase completes or times out.
func (c *Calibrator) Run(ctx context.Context) (*profile.Profile, error) {
	errFactory := errors.New()

	if !c.running.CompareAndSwap(false, true) {
		return nil, errFactory.New(ErrAlreadyRunning)
	}
	defer c.running.Store(false)

	phases := []struct {
		name Phase
		run  func(context.Context) error
	}{
		{PhaseStallGuard, c.calibrateStallGuard},
		{PhaseEnvelope, c.measureEnvelope},
		{PhaseBacklash, c.measureBacklash},
		{PhaseDynamics, c.optimizeDynamics},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			c.session.fail()
			return nil, errFactory.Wrap(ErrPhaseFailed, err).
				WithMessage(fmt.Sprintf("calibration aborted before %s phase", phase.name))
		}

		c.log.Info().Str("phase", string(phase.name)).Msg("Calibration phase starting")

		if err := phase.run(ctx); err != nil {
			c.session.fail()
			return nil, errFactory.Wrap(ErrPhaseFailed, err).
				WithMessage(fmt.Sprintf("calibration failed in %s phase", phase.name))
		}

		if err := c.store.Save(c.prof); err != nil {
			c.session.fail()
			return nil, errFactory.Wrap(ErrPhaseFailed, err).
				WithMessage(fmt.Sprintf("failed to persist %s phase results", phase.name))
		}

		c.log.Info().Str("phase", string(phase.name)).Msg("Calibration phase complete")
	}

	now := time.Now()
	c.prof.Calibrated = true
	c.prof.CalibrationDate = &now
	if err := c.store.Save(c.prof); err != nil {
		c.session.fail()
		return nil, errFactory.Wrap(ErrPhaseFailed, err).
			WithMessage("failed to persist calibrated profile")
	}

	c.session.reset()

	return c.prof, nil
}

// waitForIdle blocks until the controller reports Idle, polling at a fixed
// interval. An alarm state means an external stop interrupted the move and
// fails the phase; the deadline surfaces as idle_timeout.
func (c *Calibrator) waitForIdle(ctx context.Context) error {
	errFactory := errors.New()

	deadline := time.Now().Add(c.cfg.IdleTimeout)
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		switch c.ctrl.RunState() {
		case machine.StateIdle:
			return nil
		case machine.StateAlarm:
			return errFactory.New(ErrAlarmState)
		}

		if time.Now().After(deadline) {
			return errFactory.New(ErrIdleTimeout)
		}

		select {
		case <-ctx.Done():
			return errFactory.Wrap(ErrIdleTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// move commands a relative jog and waits for it to finish. The wait-for-
// idle barrier is what keeps axis commands strictly ordered.
func (c *Calibrator) move(ctx context.Context, axis machine.Axis, distance, feed float64) error {
	if err := c.ctrl.SendCommand(ctx, grbl.JogRelative(axis, distance, feed)); err != nil {
		return err
	}

	time.Sleep(motionStartDelay)

	return c.waitForIdle(ctx)
}

// moveTo commands an absolute jog and waits for it to finish.
func (c *Calibrator) moveTo(ctx context.Context, axis machine.Axis, target, feed float64) error {
	if err := c.ctrl.SendCommand(ctx, grbl.JogAbsolute(axis, target, feed)); err != nil {
		return err
	}

	time.Sleep(motionStartDelay)

	return c.waitForIdle(ctx)
}

// trailingMeanSince averages the last windowSize samples received after
// mark. ok is false until enough samples have arrived.
func (c *Calibrator) trailingMeanSince(axis machine.Axis, mark int) (float64, bool) {
	window := c.buf.Since(axis, mark)
	if len(window) < windowSize {
		return 0, false
	}

	sum := 0
	for _, v := range window[len(window)-windowSize:] {
		sum += v
	}

	return float64(sum) / float64(windowSize), true
}

// threshold returns the calibrated stall threshold for an axis, failing
// when the StallGuard phase has not produced one.
func (c *Calibrator) threshold(axis machine.Axis) (int, error) {
	sg := c.prof.StallGuard[axis]
	if !sg.Calibrated || sg.Threshold <= 0 {
		return 0, errors.New().WithData(ErrNotCalibrated, axis.String())
	}

	return sg.Threshold, nil
}

func axisPercent(axisIdx, step, stepsPerAxis int) int {
	total := machine.NumAxes * stepsPerAxis

	return (axisIdx*stepsPerAxis + step) * 100 / total
}
