package workflow

import (
	"errors"
	"fmt"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/policy"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("workflow: validation failed")
	// ErrForbidden is returned when the policy denies the action.
	ErrForbidden = errors.New("workflow: forbidden")
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("workflow: request not found")
	// ErrFeatureDisabled is returned when request creation is switched off for the user.
	ErrFeatureDisabled = errors.New("workflow: feature disabled")
)

// InvalidTransitionError reports an action that is not legal from the
// request's current status. Nothing is changed when it is returned.
type InvalidTransitionError struct {
	RequestID int64
	Status    domain.RequestStatus
	Action    policy.Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s request %d in status %s", e.Action, e.RequestID, e.Status)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError is caller input rejected before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
