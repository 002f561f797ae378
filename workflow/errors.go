package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrCaseNotFound signals the case id does not exist.
	ErrCaseNotFound = errors.New("workflow: case not found")
	// ErrDuplicateEvent signals the idempotency key was already applied.
	ErrDuplicateEvent = errors.New("workflow: duplicate event")
	// ErrActorNotAllowed signals the acting user's role cannot perform the
	// event.
	ErrActorNotAllowed = errors.New("workflow: actor role not allowed for event")
)

// TransitionErrorCode classifies why an event was refused.
type TransitionErrorCode string

const (
	// CodeIllegalTransition: the table has no entry for (status, event).
	CodeIllegalTransition TransitionErrorCode = "illegal_transition"
	// CodeInvalidToken: an external event arrived without claims binding it to
	// this case and stage.
	CodeInvalidToken TransitionErrorCode = "invalid_token"
	// CodePreconditionFailed: the entry exists but stage data blocks it, e.g.
	// costing completion before the COHF is captured.
	CodePreconditionFailed TransitionErrorCode = "precondition_failed"
)

// TransitionError is returned whenever an event cannot be applied. Legal
// carries the kinds the current state does accept, for the caller's UI.
type TransitionError struct {
	Code   TransitionErrorCode
	Status Status
	Event  EventKind
	Legal  []EventKind
	Detail string
}

func (e *TransitionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("workflow: %s: event %q in status %q: %s", e.Code, e.Event, e.Status, e.Detail)
	}
	return fmt.Sprintf("workflow: %s: event %q in status %q", e.Code, e.Event, e.Status)
}

func illegal(c Case, ev Event) error {
	return &TransitionError{
		Code:   CodeIllegalTransition,
		Status: c.Status,
		Event:  ev.Kind,
		Legal:  LegalEvents(c.Status, c.Route),
	}
}

func invalidToken(c Case, ev Event, detail string) error {
	return &TransitionError{
		Code:   CodeInvalidToken,
		Status: c.Status,
		Event:  ev.Kind,
		Detail: detail,
	}
}

func precondition(c Case, ev Event, detail string) error {
	return &TransitionError{
		Code:   CodePreconditionFailed,
		Status: c.Status,
		Event:  ev.Kind,
		Legal:  LegalEvents(c.Status, c.Route),
		Detail: detail,
	}
}
