package volumekit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common backend errors
var (
	ErrNotExist     = errors.New("file does not exist")
	ErrExist        = errors.New("file already exists")
	ErrPermission   = errors.New("permission denied")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotAllowed   = errors.New("operation not allowed")
	ErrNotSupported = errors.New("operation not supported")
	ErrTimeout      = errors.New("backend timed out")
	ErrUnavailable  = errors.New("backend unavailable")
)

// Configuration errors
var (
	// ErrConfiguration is the root of every configuration failure.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrDriverNotRegistered is returned when no driver exists for a volume kind.
	ErrDriverNotRegistered = errors.New("driver not registered")
	// ErrNoCacheStore is noticed when caching is enabled but no store is set.
	ErrNoCacheStore = errors.New("cache enabled without a store")
)

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and path that caused it.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// MissingFieldError reports a required configuration field that is empty.
type MissingFieldError struct {
	Section string
	Field   string
}

func (e *MissingFieldError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("%s not set", e.Field)
	}
	return fmt.Sprintf("%s not set in %s config options", e.Field, e.Section)
}

// Unwrap lets errors.Is(err, ErrConfiguration) match.
func (e *MissingFieldError) Unwrap() error {
	return ErrConfiguration
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsTimeout reports whether a backend call ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable reports whether a backend could not be reached.
// Timeouts count as unavailability.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// ClassifyNetError maps transport failures onto ErrTimeout or ErrUnavailable.
// Errors that are neither are returned unchanged.
func ClassifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
