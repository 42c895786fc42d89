package limitkit

import "errors"

// StorageError is the error type returned by Storage implementations.
type StorageError struct {
	Msg string
	Err error
	// Transient reports that the operation may be retried safely, as after
	// a timeout or a dropped connection.
	Transient bool
}

// NewStorageError creates a StorageError wrapping cause.
func NewStorageError(msg string, cause error, transient bool) *StorageError {
	return &StorageError{Msg: msg, Err: cause, Transient: transient}
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err contains a transient StorageError.
func IsTransient(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
