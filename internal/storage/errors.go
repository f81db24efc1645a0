package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the driver's failure categories. Callers classify
// failures with errors.Is; the wrapped message carries the detail.
var (
	// ErrNotFound means the named pool or volume does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a name, UUID, or storage source is already in use.
	ErrConflict = errors.New("already in use")
	// ErrInvalidState means the target exists but its state forbids the
	// operation, e.g. an inactive pool or a volume still being built.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupported means the pool's backend does not implement the
	// requested operation.
	ErrUnsupported = errors.New("operation not supported")
	// ErrInvalidArgument means caller input failed validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResourceExhausted means the pool lacks space for the request.
	ErrResourceExhausted = errors.New("not enough free space")
	// ErrBackendFailure wraps an error returned by a backend operation.
	ErrBackendFailure = errors.New("storage backend failure")
)

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func exhausted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

func backendFail(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendFailure, fmt.Sprintf(format, args...), err)
}
