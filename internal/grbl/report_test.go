package grbl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/machine"
)

func TestParseReport(t *testing.T) {
	report, ok := grbl.ParseReport("<Idle|MPos:10.000,5.500,-2.250|FS:0,0|SG:250,248,251>")
	require.True(t, ok)

	assert.Equal(t, machine.StateIdle, report.State)
	require.True(t, report.HasPos)
	assert.InDelta(t, 10.0, report.MPos[machine.AxisX], 1e-9)
	assert.InDelta(t, 5.5, report.MPos[machine.AxisY], 1e-9)
	assert.InDelta(t, -2.25, report.MPos[machine.AxisZ], 1e-9)
	require.True(t, report.HasLoad)
	assert.Equal(t, 250, report.Load[machine.AxisX])
	assert.Equal(t, 248, report.Load[machine.AxisY])
	assert.Equal(t, 251, report.Load[machine.AxisZ])
}

func TestParseReportStates(t *testing.T) {
	tests := []struct {
		line     string
		expected machine.RunState
	}{
		{"<Run|MPos:0.000,0.000,0.000>", machine.StateRun},
		{"<Jog|MPos:0.000,0.000,0.000>", machine.StateJog},
		{"<Hold:0|MPos:0.000,0.000,0.000>", machine.StateHold},
		{"<Alarm|MPos:0.000,0.000,0.000>", machine.StateAlarm},
		{"<Sleep>", machine.StateUnknown},
	}

	for _, tt := range tests {
		report, ok := grbl.ParseReport(tt.line)
		require.True(t, ok, tt.line)
		assert.Equal(t, tt.expected, report.State, tt.line)
	}
}

func TestParseReportRejectsNonFrames(t *testing.T) {
	for _, line := range []string{"", "ok", "error:2", "[MSG:hello]", "<>"} {
		_, ok := grbl.ParseReport(line)
		assert.False(t, ok, "Expected %q to be rejected", line)
	}
}

func TestParseReportSkipsMalformedFields(t *testing.T) {
	report, ok := grbl.ParseReport("<Run|MPos:bad,data,here|SG:100,101,102>")
	require.True(t, ok)

	assert.False(t, report.HasPos, "Expected malformed MPos to be skipped")
	require.True(t, report.HasLoad)
	assert.Equal(t, 100, report.Load[machine.AxisX])
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, "$344=100", grbl.SetStallGuardThreshold(machine.AxisX, 100))
	assert.Equal(t, "$345=95", grbl.SetStallGuardThreshold(machine.AxisY, 95))
	assert.Equal(t, "$110=3000.000", grbl.SetMaxRate(machine.AxisX, 3000))
	assert.Equal(t, "$122=150.000", grbl.SetAcceleration(machine.AxisZ, 150))
	assert.Equal(t, "$131=400.000", grbl.SetMaxTravel(machine.AxisY, 400))
	assert.Equal(t, "$338=1500", grbl.SetRunCurrent(machine.AxisX, 1500))
	assert.Equal(t, "$343=16", grbl.SetMicrosteps(machine.AxisZ, 16))
	assert.Equal(t, "$20=1", grbl.SoftLimits(true))
	assert.Equal(t, "$20=0", grbl.SoftLimits(false))
	assert.Equal(t, "G10 L20 P1 X0", grbl.ZeroAxis(machine.AxisX))
	assert.Equal(t, "$J=G91 G21 X20.000 F500", grbl.JogRelative(machine.AxisX, 20, 500))
	assert.Equal(t, "$J=G91 G21 Z-0.500 F100", grbl.JogRelative(machine.AxisZ, -0.5, 100))
	assert.Equal(t, "$J=G90 G21 Y150.000 F2000", grbl.JogAbsolute(machine.AxisY, 150, 2000))
}
