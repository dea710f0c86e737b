package apperror

import (
	"errors"
	"strings"
	"testing"
)

const validationTestPrefix = "apperror:validation_test"

func TestValidationError_HasErrors(t *testing.T) {
	v := NewValidation("", "")
	if v.HasErrors() {
		t.Errorf("%s - empty validation error should not report errors", validationTestPrefix)
	}
	if v.Code != CodeValidation {
		t.Errorf("%s - Code = %q, want default %q", validationTestPrefix, v.Code, CodeValidation)
	}

	v.AddError("name", "field.required")
	if !v.HasErrors() {
		t.Errorf("%s - expected HasErrors after AddError", validationTestPrefix)
	}

	var nilErr *ValidationError
	if nilErr.HasErrors() {
		t.Errorf("%s - nil validation error should not report errors", validationTestPrefix)
	}
}

func TestValidationError_RoundTrip(t *testing.T) {
	v := NewValidation("invalid order", "order.invalid")
	v.AddError("quantity", "field.min", float64(1))
	v.AddFieldError(FieldError{Field: "sku", Code: "field.required"})

	payload := v.Encode()
	if !strings.Contains(payload, `"errors":[`) {
		t.Fatalf("%s - payload %s should contain errors", validationTestPrefix, payload)
	}

	got, err := DecodeValidation(payload)
	if err != nil {
		t.Fatalf("%s - DecodeValidation failed: %v", validationTestPrefix, err)
	}
	if got.Code != "order.invalid" || got.Message != "invalid order" {
		t.Errorf("%s - got %q/%q", validationTestPrefix, got.Code, got.Message)
	}
	if len(got.Fields) != 2 {
		t.Fatalf("%s - Fields = %d, want 2", validationTestPrefix, len(got.Fields))
	}
	if got.Fields[0].Field != "quantity" || got.Fields[0].Code != "field.min" || got.Fields[0].Args[0] != float64(1) {
		t.Errorf("%s - first field error = %+v", validationTestPrefix, got.Fields[0])
	}
	if got.Fields[1].Args == nil || len(got.Fields[1].Args) != 0 {
		t.Errorf("%s - second field error args = %#v, want empty", validationTestPrefix, got.Fields[1].Args)
	}

	// The plain decoder still understands a validation payload.
	base, err := Decode(payload)
	if err != nil || base.Code != "order.invalid" {
		t.Errorf("%s - Decode on validation payload = %v, %v", validationTestPrefix, base, err)
	}
}

func TestDecodeValidation_RejectsPlainError(t *testing.T) {
	_, err := DecodeValidation(New("x", "y").Encode())
	if !errors.Is(err, ErrNotDecodable) {
		t.Errorf("%s - err = %v, want ErrNotDecodable", validationTestPrefix, err)
	}
}

func TestEncode_KeepsValidationFields(t *testing.T) {
	v := NewValidation("bad", "")
	v.AddError("email", "field.format")

	got, err := DecodeValidation(Encode(v))
	if err != nil {
		t.Fatalf("%s - DecodeValidation failed: %v", validationTestPrefix, err)
	}
	if len(got.Fields) != 1 || got.Fields[0].Field != "email" {
		t.Errorf("%s - Fields = %+v", validationTestPrefix, got.Fields)
	}
}
