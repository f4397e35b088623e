package errors

import (
	"errors"
	"fmt"
)

// Error categories. Every failure returned by the core wraps exactly one of
// these, so callers can branch with Is.
var (
	// ErrConfiguration indicates an invalid construction or hyperparameter setting
	ErrConfiguration = errors.New("configuration error")

	// ErrState indicates an operation was requested in the wrong lifecycle state
	ErrState = errors.New("state error")

	// ErrDataShape indicates mismatched lengths, ragged rows or too few class members
	ErrDataShape = errors.New("data shape error")

	// ErrUnimplemented indicates an operation that is intentionally not provided
	ErrUnimplemented = errors.New("unimplemented")
)

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Shapef returns an ErrDataShape with a formatted detail.
func Shapef(format string, args ...interface{}) error {
	return Wrapf(ErrDataShape, format, args...)
}

// Statef returns an ErrState with a formatted detail.
func Statef(format string, args ...interface{}) error {
	return Wrapf(ErrState, format, args...)
}

// Configf returns an ErrConfiguration with a formatted detail.
func Configf(format string, args ...interface{}) error {
	return Wrapf(ErrConfiguration, format, args...)
}
