package invoice

import (
	"errors"
	"fmt"
)

// Sentinel errors for record operations. ErrNotFound is returned both for
// records that do not exist and for records owned by someone else, so
// existence never leaks across ownership boundaries.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrInvalidState = errors.New("operation not allowed in current state")
)

// ValidationError reports a malformed or missing request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
