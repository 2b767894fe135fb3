package types

import (
	"fmt"

	"go.uber.org/multierr"
)

// ErrorKind tags a ValidationError so callers can dispatch without
// parsing the message text.
type ErrorKind string

const (
	ErrInvalidTemplate ErrorKind = "invalid_template"
	ErrUnknownRectype  ErrorKind = "unknown_rectype"
	ErrUnknownField    ErrorKind = "unknown_field"
	ErrTypeMismatch    ErrorKind = "type_mismatch"
	ErrMin             ErrorKind = "min"
	ErrMax             ErrorKind = "max"
	ErrMinlength       ErrorKind = "minlength"
	ErrMaxlength       ErrorKind = "maxlength"
	ErrAllowed         ErrorKind = "allowed"
	ErrProhibited      ErrorKind = "prohibited"
	ErrRequired        ErrorKind = "required"
	ErrRequiredLink    ErrorKind = "required_link"
	ErrUnique          ErrorKind = "unique"
	ErrNotFound        ErrorKind = "not_found"
	ErrPending         ErrorKind = "pending"
	ErrMerge           ErrorKind = "merge"
)

// ValidationError is the structured error payload every layer surfaces.
// Assignment-time checks return one; commit and merge aggregate many.
type ValidationError struct {
	Kind    ErrorKind
	Rectype string
	Field   string
	Recid   string
	Value   any
	Msg     string
}

func (e *ValidationError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Rectype != "" && e.Field != "":
		return fmt.Sprintf("%s: %s.%s: %s", e.Kind, e.Rectype, e.Field, msg)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, msg)
	case e.Recid != "":
		return fmt.Sprintf("%s: record %s: %s", e.Kind, e.Recid, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func NewError(kind ErrorKind, msg string) *ValidationError {
	return &ValidationError{Kind: kind, Msg: msg}
}

func FieldError(kind ErrorKind, rectype, field string, value any, msg string) *ValidationError {
	return &ValidationError{Kind: kind, Rectype: rectype, Field: field, Value: value, Msg: msg}
}

// Combine folds an error list into a single error value for callers
// that want one; nil when the list is empty.
func Combine(errs []*ValidationError) error {
	var combined error
	for _, e := range errs {
		combined = multierr.Append(combined, e)
	}
	return combined
}

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	if ve, ok := err.(*ValidationError); ok {
		return ve.Kind
	}
	return ""
}
