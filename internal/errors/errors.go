// Package errors defines the error categories shared across the connector.
// Callers match categories with errors.Is; only the Message of an *Error is
// ever shown to an HTTP client.
package errors

import "errors"

// Categories.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrDecryption = errors.New("decryption failed")
	ErrUpstream   = errors.New("upstream request failed")
)

// Error is a categorised error with a message that is safe to return to
// a caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Kind }

// Validation returns an ErrValidation error carrying msg.
func Validation(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

// Forbidden returns an ErrForbidden error carrying msg.
func Forbidden(msg string) error {
	return &Error{Kind: ErrForbidden, Message: msg}
}

// PublicMessage returns the caller-safe message of err, or fallback when
// err is not an *Error.
func PublicMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}

	return fallback
}
