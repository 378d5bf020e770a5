package chat

import (
	"errors"
	"fmt"
)

// Error kinds shared by the socket and HTTP transports.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	// ErrUnavailable wraps transient store failures.
	ErrUnavailable = errors.New("store unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
