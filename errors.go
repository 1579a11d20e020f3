package savedobjects

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound        = errors.New("object not found")
	ErrAlreadyExists   = errors.New("object already exists")
	ErrConflict        = errors.New("concurrent modification detected")
	ErrInvalidData     = errors.New("invalid data format")
	ErrInvalidID       = errors.New("invalid saved object id")
	ErrInvalidVersion  = errors.New("invalid saved object version")
	ErrTransformFailed = errors.New("document transform failed")
	ErrNewerVersion    = errors.New("document has a newer version than this application supports")

	// Store errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrIndexExists        = errors.New("index already exists")
	ErrUnsupportedIndex   = errors.New("index is not a supported saved objects index")
	ErrBulkWrite          = errors.New("bulk write rejected")

	// Coordination errors
	ErrLockHeld         = errors.New("lock already held by another process")
	ErrMigrationTimeout = errors.New("timed out waiting for another instance to finish migrating")
	ErrAliasMoved       = errors.New("alias no longer points at the expected index")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// IsIndexExists reports whether another process already created the index.
func IsIndexExists(err error) bool {
	return errors.Is(err, ErrIndexExists)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockHeld)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidVersion) ||
		errors.Is(err, ErrTransformFailed) ||
		errors.Is(err, ErrNewerVersion)
}
