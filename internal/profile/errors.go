package profile

import "codeberg.org/mutker/sensorless/internal/errors"

const (
	// Configuration Errors
	ErrInvalidDBPath = errors.ErrorCode("profile_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed = errors.ErrorCode("profile_schema_init_failed")
	ErrQueryFailed      = errors.ErrorCode("profile_query_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed

	// Data Errors
	ErrValidation = errors.ErrValidation
	ErrNotFound   = errors.ErrProfileNotFound
)
