package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
	"codeberg.org/mutker/sensorless/internal/sample"
)

type stubController struct {
	mu        sync.Mutex
	estops    int
	estopErr  error
	positions [machine.NumAxes]float64
}

func (s *stubController) SendCommand(context.Context, string) error { return nil }

func (s *stubController) FeedHold() error { return nil }

func (s *stubController) SoftReset() error { return nil }

func (s *stubController) EmergencyStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estops++

	return s.estopErr
}

func (s *stubController) Position(axis machine.Axis) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.positions[axis]
}

func (s *stubController) RunState() machine.RunState { return machine.StateIdle }

func (s *stubController) Subscribe(func(machine.Axis, int)) {}

func (s *stubController) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.estops
}

// alertRecorder collects alerts across goroutines.
type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) record(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) byKind(kind Kind) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}

	return out
}

func monitoredProfile() *profile.Profile {
	p := profile.Default("test")
	p.Calibrated = true
	for _, axis := range machine.Axes() {
		p.StallGuard[axis] = profile.StallGuard{Threshold: 100, NoLoadValue: 250, Calibrated: true}
	}

	return p
}

func testMonitor(prof *profile.Profile) (*Monitor, *stubController, *sample.Buffer, *alertRecorder) {
	ctrl := &stubController{}
	buf := sample.NewBuffer()
	rec := &alertRecorder{}
	m := New(ctrl, buf, prof, time.Millisecond, rec.record, logger.Default())

	return m, ctrl, buf, rec
}

func pushLoad(buf *sample.Buffer, axis machine.Axis, value, n int) {
	for i := 0; i < n; i++ {
		buf.Push(axis, value)
	}
}

func TestCrashDetection(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())
	ctrl.positions[machine.AxisX] = 123.45

	// Mean 20 is below 30% of the 100 threshold.
	pushLoad(buf, machine.AxisX, 20, 5)
	m.checkLoad(machine.AxisX)

	crashes := rec.byKind(KindCrash)
	require.Len(t, crashes, 1)
	assert.Equal(t, machine.AxisX, crashes[0].Axis)
	assert.True(t, crashes[0].HasAxis)
	assert.Equal(t, 20.0, crashes[0].Measurements["load_mean"])
	assert.Equal(t, 100.0, crashes[0].Measurements["threshold"])
	assert.Equal(t, 123.45, crashes[0].Measurements["position"])
	assert.Equal(t, 1, ctrl.stops())
}

func TestCrashDebounce(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())

	pushLoad(buf, machine.AxisX, 10, 5)

	// The stall signature persists across ticks; only the first one within
	// the cooldown may alert.
	m.checkLoad(machine.AxisX)
	m.checkLoad(machine.AxisX)
	m.checkLoad(machine.AxisX)

	assert.Len(t, rec.byKind(KindCrash), 1)
	assert.Equal(t, 1, ctrl.stops())

	// Past the cooldown the latch releases and the still-present stall is
	// reported again.
	m.mu.Lock()
	m.crashLatch[machine.AxisX] = time.Now().Add(-crashCooldown - time.Second)
	m.mu.Unlock()

	m.checkLoad(machine.AxisX)

	assert.Len(t, rec.byKind(KindCrash), 2)
	assert.Equal(t, 2, ctrl.stops())
}

func TestCrashPerAxisLatch(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())

	pushLoad(buf, machine.AxisX, 10, 5)
	pushLoad(buf, machine.AxisY, 10, 5)

	m.checkLoad(machine.AxisX)
	m.checkLoad(machine.AxisY)

	assert.Len(t, rec.byKind(KindCrash), 2, "Expected independent per-axis latches")
	assert.Equal(t, 2, ctrl.stops())
}

func TestOverload(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())

	// Mean 40 against a no-load of 250 is 84% load: above the stall floor
	// but past the overload line.
	pushLoad(buf, machine.AxisY, 40, 5)
	m.checkLoad(machine.AxisY)

	overloads := rec.byKind(KindOverload)
	require.Len(t, overloads, 1)
	assert.InDelta(t, 84, overloads[0].Measurements["load_percent"], 0.001)
	assert.Equal(t, 0, ctrl.stops(), "Expected no emergency stop for overload")

	// Mean 100 is 60% load: normal cutting.
	pushLoad(buf, machine.AxisY, 100, 5)
	m.checkLoad(machine.AxisY)

	assert.Len(t, rec.byKind(KindOverload), 1)
	assert.Empty(t, rec.byKind(KindCrash))
}

func TestUncalibratedAxisSkipped(t *testing.T) {
	prof := monitoredProfile()
	prof.StallGuard[machine.AxisZ] = profile.StallGuard{}

	m, ctrl, buf, rec := testMonitor(prof)

	pushLoad(buf, machine.AxisZ, 5, 5)
	m.checkLoad(machine.AxisZ)

	assert.Empty(t, rec.alerts, "Expected no load checks without a baseline")
	assert.Equal(t, 0, ctrl.stops())
}

func TestThermalDerating(t *testing.T) {
	tests := []struct {
		name     string
		temp     float64
		kind     Kind
		none     bool
		factor   float64
		derated  float64
		wantStop bool
	}{
		{name: "below derating start", temp: 45, none: true},
		{name: "exactly at derating start", temp: 60, none: true},
		{name: "midway derates linearly", temp: 70, kind: KindThermal, factor: 0.5, derated: 750},
		{name: "near max derates hard", temp: 78, kind: KindThermal, factor: 0.1, derated: 150},
		{name: "at max overheats", temp: 80, kind: KindOverheat, wantStop: true},
		{name: "past max overheats", temp: 85, kind: KindOverheat, wantStop: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ctrl, _, rec := testMonitor(monitoredProfile())

			m.PushTemperature(machine.AxisX, tt.temp)
			m.checkThermal(machine.AxisX)

			if tt.none {
				assert.Empty(t, rec.alerts)
				return
			}

			alerts := rec.byKind(tt.kind)
			require.Len(t, alerts, 1)

			if tt.kind == KindThermal {
				assert.InDelta(t, tt.factor, alerts[0].Measurements["derating_factor"], 0.001)
				assert.InDelta(t, tt.derated, alerts[0].Measurements["derated_current"], 0.001)
			}

			if tt.wantStop {
				assert.Equal(t, 1, ctrl.stops())
			} else {
				assert.Equal(t, 0, ctrl.stops())
			}
		})
	}
}

func TestOverheatStopsOnceAlertsEveryTick(t *testing.T) {
	m, ctrl, _, rec := testMonitor(monitoredProfile())

	m.PushTemperature(machine.AxisZ, 90)
	m.checkThermal(machine.AxisZ)
	m.checkThermal(machine.AxisZ)
	m.checkThermal(machine.AxisZ)

	assert.Len(t, rec.byKind(KindOverheat), 3, "Expected the condition re-reported while it persists")
	assert.Equal(t, 1, ctrl.stops(), "Expected a single stop within the cooldown")
}

func TestThermalIgnoredWithoutReading(t *testing.T) {
	m, _, _, rec := testMonitor(monitoredProfile())

	m.checkThermal(machine.AxisX)

	assert.Empty(t, rec.alerts)
}

func TestStopFailureEscalates(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())
	ctrl.estopErr = errors.New().New(errors.ErrTransportClosed)

	pushLoad(buf, machine.AxisX, 10, 5)
	m.checkLoad(machine.AxisX)

	assert.Len(t, rec.byKind(KindCrash), 1)
	failures := rec.byKind(KindStopFailed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "emergency stop rejected")
}

func TestUncalibratedProfileAlertOnStart(t *testing.T) {
	prof := profile.Default("test")
	m, _, _, rec := testMonitor(prof)

	m.Start()
	defer m.Stop()

	require.Len(t, rec.byKind(KindUncalibrated), 1)
}

func TestStartStopIdempotent(t *testing.T) {
	m, _, _, _ := testMonitor(monitoredProfile())

	assert.False(t, m.Running())

	m.Start()
	m.Start()
	assert.True(t, m.Running())

	m.Stop()
	assert.False(t, m.Running())
	m.Stop()

	m.Start()
	assert.True(t, m.Running())
	m.Stop()
}

func TestLoopDetectsCrash(t *testing.T) {
	m, ctrl, buf, rec := testMonitor(monitoredProfile())

	pushLoad(buf, machine.AxisX, 10, 5)

	m.Start()
	require.Eventually(t, func() bool {
		return len(rec.byKind(KindCrash)) == 1
	}, time.Second, time.Millisecond)
	m.Stop()

	assert.Equal(t, 1, ctrl.stops())
}

func TestTickSurvivesPanicInSink(t *testing.T) {
	prof := monitoredProfile()
	ctrl := &stubController{}
	buf := sample.NewBuffer()

	calls := 0
	m := New(ctrl, buf, prof, time.Millisecond, func(Alert) {
		calls++
		if calls == 1 {
			panic("sink exploded")
		}
	}, logger.Default())

	pushLoad(buf, machine.AxisX, 10, 5)

	assert.NotPanics(t, func() { m.tickAxis(machine.AxisX) })

	// The latch released: the next crash still reaches the sink.
	m.mu.Lock()
	m.crashLatch[machine.AxisX] = time.Time{}
	m.mu.Unlock()

	m.tickAxis(machine.AxisX)
	assert.Equal(t, 2, calls)
}

func TestPushTemperatureRejectsInvalidAxis(t *testing.T) {
	m, _, _, rec := testMonitor(monitoredProfile())

	m.PushTemperature(machine.Axis(7), 120)
	for _, axis := range machine.Axes() {
		m.checkThermal(axis)
	}

	assert.Empty(t, rec.alerts)
}
