package types

import (
	"errors"
	"strings"
)

// ValidationError is a user-facing rejection. Messages are shown verbatim.
type ValidationError struct {
	Messages []string
	cause    error
}

func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error so errors.Is still matches it.
func (e *ValidationError) WithCause(err error) *ValidationError {
	e.cause = err
	return e
}

func (e *ValidationError) Add(message string) {
	e.Messages = append(e.Messages, message)
}

// OrNil returns nil when no message was collected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return e
}

func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
