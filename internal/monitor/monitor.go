// Package monitor runs the continuous safety loop: crash detection,
// overload alerting and thermal derating against the streamed load samples
// and externally pushed temperature readings.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/machine"
	"codeberg.org/mutker/sensorless/internal/profile"
	"codeberg.org/mutker/sensorless/internal/sample"
)

const (
	DefaultInterval = 50 * time.Millisecond

	windowSize = 5

	// crashFactor: a trailing mean collapsing below this fraction of the
	// calibrated threshold is a crash, not torque variation.
	crashFactor = 0.3

	// overloadPercent: load percentage past this raises a non-fatal alert.
	overloadPercent = 80.0

	// crashCooldown debounces crash alerts so one stall is not reported
	// on every subsequent tick.
	crashCooldown = 2 * time.Second
)

type axisTemp struct {
	value float64
	set   bool
}

// Monitor is the periodic safety loop. It only reads the sample buffer;
// its sole commands are emergency stops, which are always safe to issue,
// including mid-calibration.
type Monitor struct {
	ctrl     grbl.Controller
	buf      *sample.Buffer
	prof     *profile.Profile
	alert    AlertFunc
	log      logger.Logger
	interval time.Duration

	mu         sync.Mutex
	running    bool
	done       chan struct{}
	stopped    chan struct{}
	crashLatch [machine.NumAxes]time.Time
	heatLatch  [machine.NumAxes]time.Time
	temps      [machine.NumAxes]axisTemp
}

// New builds a Monitor. interval <= 0 selects the default 50 ms cadence.
func New(ctrl grbl.Controller, buf *sample.Buffer, prof *profile.Profile,
	interval time.Duration, alert AlertFunc, log logger.Logger,
) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		ctrl:     ctrl,
		buf:      buf,
		prof:     prof,
		alert:    alert,
		log:      log,
		interval: interval,
	}
}

// Start launches the loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.stopped = make(chan struct{})

	if !m.prof.Calibrated {
		m.emit(Alert{
			Kind:    KindUncalibrated,
			Message: "machine profile is not fully calibrated; crash detection limited",
		})
	}

	go m.run(m.done, m.stopped)

	m.log.Info().Dur("interval", m.interval).Msg("Load monitor started")
}

// Stop halts the loop and waits for the in-flight tick. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done, stopped := m.done, m.stopped
	m.mu.Unlock()

	close(done)
	<-stopped

	m.log.Info().Msg("Load monitor stopped")
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// PushTemperature feeds an externally measured motor temperature into the
// thermal checks.
func (m *Monitor) PushTemperature(axis machine.Axis, tempC float64) {
	if !axis.Valid() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.temps[axis] = axisTemp{value: tempC, set: true}
}

func (m *Monitor) run(done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, axis := range machine.Axes() {
				m.tickAxis(axis)
			}
		}
	}
}

// tickAxis runs one axis's checks. Any panic from a malformed reading is
// swallowed: the loop is the safety backstop and must outlive bad data.
func (m *Monitor) tickAxis(axis machine.Axis) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().
				Str("axis", axis.String()).
				Interface("panic", r).
				Msg("Monitor tick failed, skipping axis")
		}
	}()

	m.checkLoad(axis)
	m.checkThermal(axis)
}

func (m *Monitor) checkLoad(axis machine.Axis) {
	sg := m.prof.StallGuard[axis]
	if !sg.Calibrated || sg.Threshold <= 0 || sg.NoLoadValue <= 0 {
		return
	}

	mean, ok := m.buf.TrailingMean(axis, windowSize)
	if !ok {
		return
	}

	if mean < crashFactor*float64(sg.Threshold) {
		m.handleCrash(axis, mean)
		return
	}

	loadPct := 100 * (1 - mean/float64(sg.NoLoadValue))
	if loadPct > overloadPercent {
		m.emit(Alert{
			Kind:    KindOverload,
			Axis:    axis,
			HasAxis: true,
			Message: fmt.Sprintf("%s axis overloaded: %.0f%%", axis, loadPct),
			Measurements: map[string]float64{
				"load_percent": loadPct,
				"load_mean":    mean,
			},
		})
	}
}

func (m *Monitor) handleCrash(axis machine.Axis, mean float64) {
	m.mu.Lock()
	latched := !m.crashLatch[axis].IsZero() && time.Since(m.crashLatch[axis]) < crashCooldown
	if !latched {
		m.crashLatch[axis] = time.Now()
	}
	m.mu.Unlock()

	if latched {
		return
	}

	position := m.ctrl.Position(axis)
	m.emergencyStop(axis)

	m.emit(Alert{
		Kind:    KindCrash,
		Axis:    axis,
		HasAxis: true,
		Message: fmt.Sprintf("crash detected on %s axis (load %.1f, position %.2f mm)", axis, mean, position),
		Measurements: map[string]float64{
			"load_mean": mean,
			"threshold": float64(m.prof.StallGuard[axis].Threshold),
			"position":  position,
		},
	})

	m.log.Error().
		Str("axis", axis.String()).
		Float64("load_mean", mean).
		Float64("position", position).
		Msg("Crash detected, emergency stop issued")
}

func (m *Monitor) checkThermal(axis machine.Axis) {
	m.mu.Lock()
	temp := m.temps[axis]
	m.mu.Unlock()

	if !temp.set {
		return
	}

	th := m.prof.Thermal
	if th.MaxMotorTemp <= th.DeratingStart {
		return
	}

	if temp.value >= th.MaxMotorTemp {
		m.mu.Lock()
		latched := !m.heatLatch[axis].IsZero() && time.Since(m.heatLatch[axis]) < crashCooldown
		if !latched {
			m.heatLatch[axis] = time.Now()
		}
		m.mu.Unlock()

		if !latched {
			m.emergencyStop(axis)
		}

		m.emit(Alert{
			Kind:    KindOverheat,
			Axis:    axis,
			HasAxis: true,
			Message: fmt.Sprintf("%s motor overheated: %.1f°C", axis, temp.value),
			Measurements: map[string]float64{
				"temperature": temp.value,
				"max":         th.MaxMotorTemp,
			},
		})

		return
	}

	if temp.value > th.DeratingStart {
		factor := 1 - (temp.value-th.DeratingStart)/(th.MaxMotorTemp-th.DeratingStart)
		derated := float64(m.prof.Motors[axis].RunCurrent) * factor

		m.emit(Alert{
			Kind:    KindThermal,
			Axis:    axis,
			HasAxis: true,
			Message: fmt.Sprintf("%s motor at %.1f°C, derating current to %.0f mA", axis, temp.value, derated),
			Measurements: map[string]float64{
				"temperature":     temp.value,
				"derating_factor": factor,
				"derated_current": derated,
			},
		})
	}
}

// emergencyStop halts motion. A transport failure here means safety cannot
// be guaranteed; it is escalated as its own alert kind.
func (m *Monitor) emergencyStop(axis machine.Axis) {
	if err := m.ctrl.EmergencyStop(); err != nil {
		m.emit(Alert{
			Kind:    KindStopFailed,
			Axis:    axis,
			HasAxis: true,
			Message: "emergency stop rejected by controller: " + err.Error(),
		})

		m.log.Error().
			Str("axis", axis.String()).
			Err(err).
			Msg("Emergency stop failed")
	}
}

func (m *Monitor) emit(a Alert) {
	if m.alert != nil {
		m.alert(a)
	}
}
