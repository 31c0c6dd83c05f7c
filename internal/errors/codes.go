package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Calibration errors
	ErrAlreadyRunning    ErrorCode = "already_running"
	ErrLimitNotFound     ErrorCode = "limit_not_found"
	ErrIdleTimeout       ErrorCode = "idle_timeout"
	ErrCalibrationFailed ErrorCode = "calibration_failed"
	ErrInsufficientData  ErrorCode = "insufficient_samples"

	// Safety errors
	ErrStopFailed ErrorCode = "stop_failed"

	// Persistence errors
	ErrValidation      ErrorCode = "validation_failed"
	ErrProfileNotFound ErrorCode = "profile_not_found"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"

	// Transport errors
	ErrTransportClosed ErrorCode = "transport_closed"
	ErrCommandRejected ErrorCode = "command_rejected"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrUnavailable:       "Service unavailable",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read config file",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrAlreadyRunning:    "Calibration already running",
	ErrLimitNotFound:     "No stall observed within search budget",
	ErrIdleTimeout:       "Machine never reported idle",
	ErrCalibrationFailed: "Calibration phase failed",
	ErrInsufficientData:  "Not enough load samples collected",
	ErrStopFailed:        "Emergency stop was not accepted by the controller",
	ErrValidation:        "Malformed profile data",
	ErrProfileNotFound:   "Profile not found",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
	ErrInvalidOperation:  "Invalid operation",
	ErrTransportClosed:   "Transport is closed",
	ErrCommandRejected:   "Controller rejected the command",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
