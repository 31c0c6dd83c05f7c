package calibration

import (
	"sync"

	"codeberg.org/mutker/sensorless/internal/machine"
)

// Phase identifies one stage of the calibration sequence.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStallGuard Phase = "stallguard"
	PhaseEnvelope   Phase = "envelope"
	PhaseBacklash   Phase = "backlash"
	PhaseDynamics   Phase = "dynamics"
	PhaseError      Phase = "error"
)

// Progress is delivered to the progress sink at phase starts and
// milestones.
type Progress struct {
	Phase   Phase
	Axis    machine.Axis
	HasAxis bool
	Percent int
	Message string
}

// ProgressFunc receives calibration progress events.
type ProgressFunc func(Progress)

// Session is the transient state of a running calibration. Progress
// percentage is monotonic within a phase.
type Session struct {
	mu      sync.Mutex
	phase   Phase
	axis    machine.Axis
	hasAxis bool
	percent int
	sink    ProgressFunc
}

func newSession(sink ProgressFunc) *Session {
	return &Session{phase: PhaseIdle, sink: sink}
}

// Snapshot returns the current phase, axis and progress.
func (s *Session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Progress{Phase: s.phase, Axis: s.axis, HasAxis: s.hasAxis, Percent: s.percent}
}

func (s *Session) report(phase Phase, axis machine.Axis, hasAxis bool, percent int, message string) {
	s.mu.Lock()

	if phase == s.phase && percent < s.percent {
		percent = s.percent
	}
	s.phase = phase
	s.axis = axis
	s.hasAxis = hasAxis
	s.percent = percent
	sink := s.sink

	s.mu.Unlock()

	if sink != nil {
		sink(Progress{Phase: phase, Axis: axis, HasAxis: hasAxis, Percent: percent, Message: message})
	}
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = PhaseError
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = PhaseIdle
	s.hasAxis = false
	s.percent = 0
}
