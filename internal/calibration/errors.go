package calibration

import "codeberg.org/mutker/sensorless/internal/errors"

const (
	// Session Errors
	ErrAlreadyRunning = errors.ErrAlreadyRunning

	// Phase Errors
	ErrLimitNotFound    = errors.ErrLimitNotFound
	ErrIdleTimeout      = errors.ErrIdleTimeout
	ErrInsufficientData = errors.ErrInsufficientData
	ErrPhaseFailed      = errors.ErrCalibrationFailed
	ErrAlarmState       = errors.ErrorCode("calibration_alarm_state")
	ErrNotCalibrated    = errors.ErrorCode("calibration_missing_stallguard")

	// Safety Errors
	ErrStopFailed = errors.ErrStopFailed
)
