// Package machine holds the closed vocabulary shared by the transport,
// calibration and monitoring layers: the three linear axes and the
// controller run states reported by grblHAL.
package machine

import "strings"

// Axis identifies one of the three linear axes. Values are contiguous so
// per-axis state can live in fixed [NumAxes]T arrays.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ

	NumAxes = 3
)

var axisNames = [NumAxes]string{"X", "Y", "Z"}

func (a Axis) String() string {
	if a < 0 || a >= NumAxes {
		return "?"
	}

	return axisNames[a]
}

// Valid reports whether the axis is one of X, Y, Z.
func (a Axis) Valid() bool {
	return a >= 0 && a < NumAxes
}

// Axes returns all axes in calibration order.
func Axes() [NumAxes]Axis {
	return [NumAxes]Axis{AxisX, AxisY, AxisZ}
}

// ParseAxis parses an axis letter, case-insensitive.
func ParseAxis(s string) (Axis, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "X":
		return AxisX, true
	case "Y":
		return AxisY, true
	case "Z":
		return AxisZ, true
	default:
		return 0, false
	}
}

// RunState is the controller state reported in status frames.
type RunState int

const (
	StateUnknown RunState = iota
	StateIdle
	StateRun
	StateJog
	StateHold
	StateAlarm
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRun:
		return "Run"
	case StateJog:
		return "Jog"
	case StateHold:
		return "Hold"
	case StateAlarm:
		return "Alarm"
	default:
		return "Unknown"
	}
}

// ParseRunState maps a status-frame state word to a RunState. grblHAL
// reports substates like "Hold:0"; only the word before the colon matters.
func ParseRunState(s string) RunState {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	switch s {
	case "Idle":
		return StateIdle
	case "Run":
		return StateRun
	case "Jog":
		return StateJog
	case "Hold", "Door":
		return StateHold
	case "Alarm":
		return StateAlarm
	default:
		return StateUnknown
	}
}
