package util

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrValidation       = errors.New("validation failed")
	ErrPersistence      = errors.New("persistence failure")
	ErrNotification     = errors.New("notification failure")
	ErrPermissionDenied = errors.New("permission denied")
)

var (
	ErrAssignmentNotFound     = fmt.Errorf("assignment %w", ErrNotFound)
	ErrAttemptNotFound        = fmt.Errorf("attempt %w", ErrNotFound)
	ErrAnswerNotFound         = fmt.Errorf("answer %w", ErrNotFound)
	ErrQuestionNotFound       = fmt.Errorf("question %w", ErrNotFound)
	ErrAssignmentNotPublished = fmt.Errorf("assignment not published: %w", ErrInvalidState)
	ErrAssignmentClosed       = fmt.Errorf("assignment not open for attempts: %w", ErrInvalidState)
	ErrAttemptLimitReached    = fmt.Errorf("attempt limit reached: %w", ErrInvalidState)
	ErrAttemptNotActive       = fmt.Errorf("attempt is not in progress: %w", ErrInvalidState)
	ErrAttemptTimeUp          = fmt.Errorf("attempt time limit reached: %w", ErrInvalidState)
	ErrAttemptNotReviewable   = fmt.Errorf("attempt has not been submitted: %w", ErrInvalidState)
	ErrQuestionsLocked        = fmt.Errorf("questions are locked once attempts exist: %w", ErrInvalidState)
	ErrAssignmentHasAttempts  = fmt.Errorf("assignment already has attempts: %w", ErrInvalidState)
	ErrReviewNotPublished     = fmt.Errorf("review not published yet: %w", ErrInvalidState)
)

// Validationf builds an ErrValidation carrying a user-facing reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a store error as a retryable failure.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
