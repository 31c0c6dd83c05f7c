package grbl

import (
	"context"

	"codeberg.org/mutker/sensorless/internal/machine"
)

// Controller is the narrow transport surface the calibration engine and the
// monitor loop depend on. SendCommand success means "accepted for
// transmission", not "motion complete"; completion is observed by polling
// RunState.
type Controller interface {
	// SendCommand transmits one line command (settings, jogs, g-code).
	SendCommand(ctx context.Context, cmd string) error

	// FeedHold issues the realtime feed-hold byte.
	FeedHold() error

	// SoftReset issues the realtime soft-reset byte, clearing the planner.
	SoftReset() error

	// EmergencyStop is feed hold followed by soft reset. A transport
	// failure here is reported as stop_failed; the caller must escalate.
	EmergencyStop() error

	// Position returns the last reported machine position of an axis.
	Position(axis machine.Axis) float64

	// RunState returns the last reported controller state.
	RunState() machine.RunState

	// Subscribe registers a callback for streamed load samples. Per-axis
	// delivery order is preserved; cross-axis interleaving is not.
	Subscribe(fn func(axis machine.Axis, value int))
}
