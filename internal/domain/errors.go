package domain

import "errors"

// Error taxonomy shared by the store, the engine and the HTTP layer.
// Callers wrap these with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
