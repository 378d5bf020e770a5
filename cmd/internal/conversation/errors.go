package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when required fields are missing or inconsistent.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Msg must not include message bodies.
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

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func notFound(op string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
