package app

import "errors"

var (
	// ErrUnauthorized wraps any token verification failure. Handlers map it
	// to 401 without leaking which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProductNotFound is returned when the target product does not exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrNotOwner is returned when the verified caller does not own the
	// target product.
	ErrNotOwner = errors.New("caller does not own this product")

	// ErrMediaCommitFailed is returned when none of the staged files for an
	// operation could be promoted. The call fails as a whole and any
	// partially promoted files are discarded again.
	ErrMediaCommitFailed = errors.New("no staged files could be committed")

	// ErrStorageTimeout is returned when the record store did not answer in
	// time. It is the only server error callers may retry.
	ErrStorageTimeout = errors.New("record store timed out")
)

// ValidationError is a client error scoped to a single input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalidField(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
