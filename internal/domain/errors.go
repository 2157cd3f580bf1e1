package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across repo, engine, and server layers.
var (
	ErrNotFound     = errors.New("not found")
	ErrThreadClosed = errors.New("thread closed")
	ErrUnauthorized = errors.New("not a participant")
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Validation builds a ValidationError for a named field.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// InvalidTransitionError reports a lifecycle action that is not legal
// from the engagement's current status, either because the transition
// table forbids it or because another writer got there first.
type InvalidTransitionError struct {
	EngagementID string
	From         EngagementStatus
	Action       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("engagement %s: cannot %s from status %q", e.EngagementID, e.Action, e.From)
}

// ConflictError reports an attempt to re-do a one-time binding, such as
// linking a second engagement to a thread.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}
