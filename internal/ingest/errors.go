package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidPayload = errors.New("invalid payload")
)

// ValidationError names the first offending field of a rejected alert.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid payload: %s", e.Field)
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}
