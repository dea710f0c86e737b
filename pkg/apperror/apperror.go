// Package apperror carries structured application errors across bus failure replies.
//
// A failure reply holds a status code and a single string. Every coded error that crosses
// the bus is encoded into that string as {"message", "code", "args"?} and decoded on the
// other side, so callers can branch on a stable code instead of backend error text.
package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known codes.
const (
	CodeServiceError = "service.error"
	CodeValidation   = "validation.error"
	CodeUnavailable  = "service.unavailable"
)

// ErrNotDecodable is returned by Decode when the payload is not an encoded application error.
var ErrNotDecodable = errors.New("apperror: payload is not an encoded application error")

// Error is a coded application error. Args is nil when the error carries no arguments.
type Error struct {
	Message string
	Code    string
	Args    []any
	cause   error
}

// wireError is the payload shape. Args is a pointer so that an empty argument list
// survives a round trip as present.
type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Args    *[]any `json:"args,omitempty"`
}

// New creates an Error. Args are recorded only when at least one is given.
func New(message, code string, args ...any) *Error {
	e := &Error{Message: message, Code: code}
	if len(args) > 0 {
		e.Args = args
	}
	return e
}

// Wrap creates an Error whose message is the cause's message.
func Wrap(cause error, code string) *Error {
	return &Error{Message: cause.Error(), Code: code, cause: cause}
}

// Wrapf creates an Error with its own message that keeps cause for errors.Is/As.
func Wrapf(cause error, code, format string, a ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, a...), Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Encode serializes the error into a failure payload.
func (e *Error) Encode() string {
	w := wireError{Message: e.Message, Code: e.Code}
	if e.Args != nil {
		args := e.Args
		w.Args = &args
	}
	data, err := json.Marshal(w)
	if err != nil {
		// Args that cannot be marshalled are dropped rather than losing the code.
		data, _ = json.Marshal(wireError{Message: e.Message, Code: e.Code})
	}
	return string(data)
}

// Decode parses a failure payload. Anything that is not a JSON object with a non-empty
// code yields ErrNotDecodable.
func Decode(payload string) (*Error, error) {
	var w wireError
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecodable, err)
	}
	if w.Code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrNotDecodable)
	}
	e := &Error{Message: w.Message, Code: w.Code}
	if w.Args != nil {
		e.Args = *w.Args
		if e.Args == nil {
			e.Args = []any{}
		}
	}
	return e, nil
}

// Parse decodes payload, falling back to a service.error wrapping the raw text.
func Parse(payload string) *Error {
	if e, err := Decode(payload); err == nil {
		return e
	}
	return New(payload, CodeServiceError)
}

// FromError converts any error into a coded Error. An *Error in the chain is returned as is.
// An error whose message is already an encoded payload (propagated from a nested call) is
// re-decoded instead of being wrapped twice. Everything else becomes service.error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.AsError()
	}
	if decoded, decErr := Decode(err.Error()); decErr == nil {
		decoded.cause = err
		return decoded
	}
	return Wrap(err, CodeServiceError)
}

// Encode produces the failure payload for err. Validation errors keep their field errors.
func Encode(err error) string {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.Encode()
	}
	return FromError(err).Encode()
}

// CodeOf returns the code err would carry on the wire.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}
