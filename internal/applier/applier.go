// Package applier pushes a calibrated profile to the controller as a batch
// of setting commands. Every command is an absolute assignment, so
// replaying the batch is always safe.
package applier

import (
	"context"

	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
)

// Commands returns the full settings batch for a profile, in a fixed
// deterministic order: per axis the motor tuning, then mechanics, then
// envelope-derived travel, followed by soft-limit enforcement when any
// envelope has been measured.
func Commands(p *profile.Profile) []string {
	cmds := make([]string, 0, machine.NumAxes*7+1)
	anyMeasured := false

	for _, axis := range machine.Axes() {
		cmds = append(cmds,
			grbl.SetRunCurrent(axis, p.Motors[axis].RunCurrent),
			grbl.SetMicrosteps(axis, p.Motors[axis].Microsteps),
			grbl.SetStallGuardThreshold(axis, p.Motors[axis].StallGuardThreshold),
			grbl.SetStepsPerMM(axis, p.Mechanics[axis].StepsPerMM),
			grbl.SetMaxRate(axis, p.Mechanics[axis].MaxSpeed),
			grbl.SetAcceleration(axis, p.Mechanics[axis].Acceleration),
		)

		if p.Envelope[axis].Measured {
			cmds = append(cmds, grbl.SetMaxTravel(axis, p.Envelope[axis].Max))
			anyMeasured = true
		}
	}

	if anyMeasured {
		cmds = append(cmds, grbl.SoftLimits(true))
	}

	return cmds
}

// Apply sends the settings batch to the controller and returns the
// commands that were sent. At-least-once semantics: a retry after a
// partial failure re-sends the full batch.
func Apply(ctx context.Context, ctrl grbl.Controller, p *profile.Profile, log logger.Logger) ([]string, error) {
	cmds := Commands(p)

	for _, cmd := range cmds {
		if err := ctrl.SendCommand(ctx, cmd); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("profile", p.Name).
		Int("commands", len(cmds)).
		Msg("Profile applied to controller")

	return cmds, nil
}
