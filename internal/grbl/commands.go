package grbl

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/sensorless/internal/machine"
)

// grblHAL setting bases. Per-axis settings are base+axis, matching the
// numbering the controller exposes via $$.
const (
	settingStepsPerMM = 100 // $100-$102
	settingMaxRate    = 110 // $110-$112, mm/min
	settingAccel      = 120 // $120-$122, mm/s^2
	settingMaxTravel  = 130 // $130-$132, mm
	settingRunCurrent = 338 // $338-$340, mA
	settingMicrosteps = 341 // $341-$343
	settingStallGuard = 344 // $344-$346
)

// Realtime control bytes. These bypass the line buffer.
const (
	rtStatusQuery = '?'
	rtFeedHold    = '!'
	rtCycleStart  = '~'
	rtSoftReset   = 0x18
)

func setting(base int, axis machine.Axis, value string) string {
	return fmt.Sprintf("$%d=%s", base+int(axis), value)
}

func settingFloat(base int, axis machine.Axis, value float64) string {
	return setting(base, axis, strconv.FormatFloat(value, 'f', 3, 64))
}

func settingInt(base int, axis machine.Axis, value int) string {
	return setting(base, axis, strconv.Itoa(value))
}

// SetStepsPerMM builds the steps-per-millimeter assignment for an axis.
func SetStepsPerMM(axis machine.Axis, v float64) string {
	return settingFloat(settingStepsPerMM, axis, v)
}

// SetMaxRate builds the maximum feed rate assignment, mm/min.
func SetMaxRate(axis machine.Axis, v float64) string {
	return settingFloat(settingMaxRate, axis, v)
}

// SetAcceleration builds the acceleration assignment, mm/s^2.
func SetAcceleration(axis machine.Axis, v float64) string {
	return settingFloat(settingAccel, axis, v)
}

// SetMaxTravel builds the soft-limit travel assignment, mm.
func SetMaxTravel(axis machine.Axis, v float64) string {
	return settingFloat(settingMaxTravel, axis, v)
}

// SetRunCurrent builds the TMC run-current assignment, mA.
func SetRunCurrent(axis machine.Axis, mA int) string {
	return settingInt(settingRunCurrent, axis, mA)
}

// SetMicrosteps builds the TMC microstep assignment.
func SetMicrosteps(axis machine.Axis, v int) string {
	return settingInt(settingMicrosteps, axis, v)
}

// SetStallGuardThreshold builds the TMC StallGuard threshold assignment.
func SetStallGuardThreshold(axis machine.Axis, v int) string {
	return settingInt(settingStallGuard, axis, v)
}

// SoftLimits builds the soft-limit enforcement toggle.
func SoftLimits(on bool) string {
	if on {
		return "$20=1"
	}

	return "$20=0"
}

// SensorlessLimits builds the toggle for strain-based hard limits. The
// controller owns the stall reaction; this only arms it.
func SensorlessLimits(on bool) string {
	if on {
		return "$21=2"
	}

	return "$21=0"
}

// ZeroAxis builds the work-offset zero for an axis at the current position.
func ZeroAxis(axis machine.Axis) string {
	return fmt.Sprintf("G10 L20 P1 %s0", axis)
}

// JogRelative builds an incremental jog, signed distance in mm, feed in
// mm/min.
func JogRelative(axis machine.Axis, distance, feed float64) string {
	return fmt.Sprintf("$J=G91 G21 %s%.3f F%.0f", axis, distance, feed)
}

// JogAbsolute builds an absolute-coordinates jog.
func JogAbsolute(axis machine.Axis, target, feed float64) string {
	return fmt.Sprintf("$J=G90 G21 %s%.3f F%.0f", axis, target, feed)
}
