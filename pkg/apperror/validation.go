package apperror

import (
	"encoding/json"
	"fmt"
)

// FieldError is a single per-field validation failure.
type FieldError struct {
	Field string `json:"field"`
	Code  string `json:"code"`
	Args  []any  `json:"args"`
}

// ValidationError is an application error carrying zero or more field errors.
// A ValidationError without field errors is not a failure; see HasErrors.
type ValidationError struct {
	Message string
	Code    string
	Args    []any
	Fields  []FieldError
}

type wireValidation struct {
	Message string        `json:"message"`
	Code    string        `json:"code"`
	Args    *[]any        `json:"args,omitempty"`
	Errors  *[]FieldError `json:"errors"`
}

// NewValidation creates an empty ValidationError. An empty code defaults to validation.error.
func NewValidation(message, code string, args ...any) *ValidationError {
	if code == "" {
		code = CodeValidation
	}
	v := &ValidationError{Message: message, Code: code, Fields: []FieldError{}}
	if len(args) > 0 {
		v.Args = args
	}
	return v
}

// AddError appends a field error.
func (v *ValidationError) AddError(field, code string, args ...any) {
	if args == nil {
		args = []any{}
	}
	v.Fields = append(v.Fields, FieldError{Field: field, Code: code, Args: args})
}

// AddFieldError appends fe.
func (v *ValidationError) AddFieldError(fe FieldError) {
	if fe.Args == nil {
		fe.Args = []any{}
	}
	v.Fields = append(v.Fields, fe)
}

// HasErrors reports whether any field error was recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.Fields) > 0
}

func (v *ValidationError) Error() string {
	if v.Message != "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %d field error(s)", v.Code, len(v.Fields))
}

// AsError drops the field errors.
func (v *ValidationError) AsError() *Error {
	return &Error{Message: v.Message, Code: v.Code, Args: v.Args, cause: v}
}

// Encode serializes the validation error, field errors included.
func (v *ValidationError) Encode() string {
	fields := v.Fields
	if fields == nil {
		fields = []FieldError{}
	}
	w := wireValidation{Message: v.Message, Code: v.Code, Errors: &fields}
	if v.Args != nil {
		args := v.Args
		w.Args = &args
	}
	data, err := json.Marshal(w)
	if err != nil {
		data, _ = json.Marshal(wireValidation{Message: v.Message, Code: v.Code, Errors: &[]FieldError{}})
	}
	return string(data)
}

// DecodeValidation parses a payload produced by ValidationError.Encode.
func DecodeValidation(payload string) (*ValidationError, error) {
	var w wireValidation
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecodable, err)
	}
	if w.Code == "" || w.Errors == nil {
		return nil, fmt.Errorf("%w: not a validation payload", ErrNotDecodable)
	}
	v := &ValidationError{Message: w.Message, Code: w.Code, Fields: *w.Errors}
	if v.Fields == nil {
		v.Fields = []FieldError{}
	}
	if w.Args != nil {
		v.Args = *w.Args
		if v.Args == nil {
			v.Args = []any{}
		}
	}
	return v, nil
}
