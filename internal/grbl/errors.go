package grbl

import "codeberg.org/mutker/sensorless/internal/errors"

const (
	// Connection Errors
	ErrOpenFailed  = errors.ErrorCode("grbl_open_failed")
	ErrPortClosed  = errors.ErrTransportClosed
	ErrWriteFailed = errors.ErrorCode("grbl_write_failed")
	ErrResetFailed = errors.ErrorCode("grbl_reset_failed")

	// Command Errors
	ErrCommandRejected = errors.ErrCommandRejected
	ErrInvalidAxis     = errors.ErrInvalidArgument

	// Safety Errors
	ErrStopFailed = errors.ErrStopFailed
)
