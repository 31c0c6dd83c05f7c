// Package profile holds the persisted machine profile: discovered geometry,
// motor tuning and thermal limits, one record per machine installation.
package profile

import (
	"time"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/machine"
)

// Envelope is the discovered travel range of one axis, in mm.
type Envelope struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Measured bool    `json:"measured"`
}

// Motor is the TMC driver tuning for one axis.
type Motor struct {
	RunCurrent          int `json:"runCurrent"`  // mA
	HoldCurrent         int `json:"holdCurrent"` // mA
	StallGuardThreshold int `json:"stallGuardThreshold"`
	Microsteps          int `json:"microsteps"`
}

// Mechanics is the motion tuning for one axis.
type Mechanics struct {
	StepsPerMM   float64 `json:"stepsPerMm"`
	MaxSpeed     float64 `json:"maxSpeed"`     // mm/min
	Acceleration float64 `json:"acceleration"` // mm/s^2
	Backlash     float64 `json:"backlash"`     // mm, >= 0
}

// StallGuard is the calibrated load-signal baseline for one axis.
// Invariant once calibrated: 0 < Threshold < NoLoadValue.
type StallGuard struct {
	Threshold     int  `json:"threshold"`
	NoLoadValue   int  `json:"noLoadValue"`
	FullLoadValue int  `json:"fullLoadValue"`
	Calibrated    bool `json:"calibrated"`
}

// Thermal holds the motor temperature limits, degrees Celsius.
// Invariant: DeratingStart < MaxMotorTemp.
type Thermal struct {
	Ambient       float64 `json:"ambientTemp"`
	MaxMotorTemp  float64 `json:"maxMotorTemp"`
	DeratingStart float64 `json:"deratingStartTemp"`
}

// Profile is the root persisted entity, identified by name. Calibration
// phases mutate sub-records incrementally; partial calibration is valid and
// persisted, so a crash mid-calibration keeps completed phases.
type Profile struct {
	Name            string                          `json:"name"`
	Calibrated      bool                            `json:"calibrated"`
	CalibrationDate *time.Time                      `json:"calibrationDate,omitempty"`
	Envelope        [machine.NumAxes]Envelope       `json:"envelope"`
	Motors          [machine.NumAxes]Motor          `json:"motors"`
	Mechanics       [machine.NumAxes]Mechanics      `json:"mechanics"`
	StallGuard      [machine.NumAxes]StallGuard     `json:"stallGuard"`
	Thermal         Thermal                         `json:"thermal"`
}

// Default returns the safe first-use profile for a machine.
func Default(name string) *Profile {
	p := &Profile{
		Name: name,
		Thermal: Thermal{
			Ambient:       22,
			MaxMotorTemp:  80,
			DeratingStart: 60,
		},
	}

	for _, axis := range machine.Axes() {
		p.Motors[axis] = Motor{
			RunCurrent:  1500,
			HoldCurrent: 750,
			Microsteps:  16,
		}
		p.Mechanics[axis] = Mechanics{
			StepsPerMM:   80,
			MaxSpeed:     3000,
			Acceleration: 150,
		}
	}

	return p
}

// Validate checks the profile invariants.
func (p *Profile) Validate() error {
	errFactory := errors.New()

	if p.Name == "" {
		return errFactory.WithMessage(errors.ErrValidation, "profile name must not be empty")
	}

	for _, axis := range machine.Axes() {
		if p.Envelope[axis].Measured && p.Envelope[axis].Max <= p.Envelope[axis].Min {
			return errFactory.WithData(errors.ErrValidation, "envelope max must exceed min on "+axis.String())
		}
		sg := p.StallGuard[axis]
		if sg.Calibrated && (sg.Threshold <= 0 || sg.Threshold >= sg.NoLoadValue) {
			return errFactory.WithData(errors.ErrValidation, "stallguard threshold out of range on "+axis.String())
		}
		if p.Mechanics[axis].Backlash < 0 {
			return errFactory.WithData(errors.ErrValidation, "negative backlash on "+axis.String())
		}
	}

	if p.Thermal.DeratingStart >= p.Thermal.MaxMotorTemp {
		return errFactory.WithData(errors.ErrValidation, "derating start must be below max motor temperature")
	}

	return nil
}
