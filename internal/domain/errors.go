package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("invalid request")
	ErrChallengeInvalid     = errors.New("challenge invalid")
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrAuthentication       = errors.New("authentication failed")
	ErrContentChanged       = errors.New("content changed")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrHashing              = errors.New("content could not be hashed")
	ErrInvalidationConflict = errors.New("signature already invalidated")
)

// ContentChangedError reports that the content hash at completion differs
// from the one frozen into the challenge.
type ContentChangedError struct {
	Expected string
	Actual   string
}

func (e *ContentChangedError) Error() string {
	if e.Actual == "" {
		return "content changed: target no longer resolves"
	}
	return fmt.Sprintf("content changed: expected %s, got %s", e.Expected, e.Actual)
}

func (e *ContentChangedError) Is(target error) bool {
	return target == ErrContentChanged
}

// Invalid wraps ErrValidation with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
