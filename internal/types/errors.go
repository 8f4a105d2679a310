package types

import (
	"errors"
	"fmt"
)

// Failure kinds. Validation and state violations are never retried;
// collaborator and storage failures are.
var (
	ErrValidation              = errors.New("validation failed")
	ErrStateViolation          = errors.New("state violation")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrStorageUnavailable      = errors.New("storage unavailable")
)

// StageError reports a failure of one stage for one conversation.
type StageError struct {
	ConversationID ConversationID
	Stage          string
	Err            error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (conversation %s): %v", e.Stage, e.ConversationID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retriable reports whether err is of a kind the coordinator may retry.
func Retriable(err error) bool {
	return errors.Is(err, ErrCollaboratorUnavailable) || errors.Is(err, ErrStorageUnavailable)
}

// Permanent reports whether err must be surfaced without retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrStateViolation)
}
