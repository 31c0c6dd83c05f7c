package monitor

import "codeberg.org/mutker/sensorless/internal/machine"

// Kind classifies an alert.
type Kind string

const (
	KindCrash        Kind = "crash"
	KindOverload     Kind = "overload"
	KindThermal      Kind = "thermal"
	KindOverheat     Kind = "overheat"
	KindUncalibrated Kind = "uncalibrated"
	KindStopFailed   Kind = "stop_failed"
)

// Alert is an ephemeral event delivered to the alert sink. Measurements
// carry the numeric evidence behind the decision so it can be audited
// afterwards.
type Alert struct {
	Kind         Kind
	Axis         machine.Axis
	HasAxis      bool
	Message      string
	Measurements map[string]float64
}

// AlertFunc receives alerts. It runs on the monitor goroutine and must not
// block.
type AlertFunc func(Alert)
