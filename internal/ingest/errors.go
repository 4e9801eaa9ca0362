package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Client input errors. Every validation failure wraps exactly one of these
// so handlers can map it to a status code with errors.Is.
var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrMissingFields   = errors.New("missing required fields")
	ErrBadSeqType      = errors.New("seq must be an integer")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// MissingFieldsError names every required field that was absent or falsy.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingFields, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrMissingFields }

// Code returns the stable machine-readable name for a validation error,
// or "" when err is not one.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, ErrBadSeqType):
		return "bad_seq_type"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return ""
	}
}
