package triage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("alert not found")

// ErrSubjectHasOpenAlert is returned by Store.Create when the subject already
// owns a non-closed alert. The engine re-reads and updates that alert instead.
var ErrSubjectHasOpenAlert = errors.New("subject already has an open alert")

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// InvalidTransitionError means a guard failed; the alert is unchanged.
type InvalidTransitionError struct {
	AlertID string
	Current Status
	Trigger Trigger
	Version int64
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("alert %s: cannot %s from status %s", e.AlertID, e.Trigger, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConflictError means another responder holds the alert; re-fetch before acting.
type ConflictError struct {
	AlertID  string
	Current  Status
	Assignee string
	Version  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("alert %s already claimed by %s (status %s)", e.AlertID, e.Assignee, e.Current)
}

// VersionConflictError means the stored version moved past the caller's read.
type VersionConflictError struct {
	AlertID  string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("alert %s: version conflict (expected %d, stored %d)", e.AlertID, e.Expected, e.Actual)
}

// StorageError wraps an I/O failure; the transition is considered not applied.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps err for the named store operation.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// NotificationDeliveryError is non-fatal: it is logged and retried, never returned from a transition.
type NotificationDeliveryError struct {
	AlertID   string
	Audience  Audience
	Attempts  int
	Retryable bool
	Detail    string
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notify alert %s audience %s failed after %d attempt(s): %s", e.AlertID, e.Audience, e.Attempts, e.Detail)
}

// ForbiddenError means the actor lacks the role for the operation.
type ForbiddenError struct {
	Actor     string
	Operation string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not permitted to %s", e.Actor, e.Operation)
}
