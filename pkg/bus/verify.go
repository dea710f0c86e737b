package bus

import "github.com/morezero/repository-bus/pkg/apperror"

// VerifyErrors is the validate-then-proceed gate used before writes: it fails with verr when
// verr has field errors and otherwise succeeds with fallback. A validation error without field
// errors is not a failure.
func VerifyErrors[T any](verr *apperror.ValidationError, fallback T) (T, error) {
	if verr.HasErrors() {
		var zero T
		return zero, verr
	}
	return fallback, nil
}
