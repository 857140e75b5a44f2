package utils

import (
	"errors"
	"fmt"
)

// ErrTimeout is matched by errors returned from TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// NewError creates a new error with a message
func NewError(msg string) error {
	return errors.New(msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return NewError(msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: %w", operation, ErrTimeout)
}
