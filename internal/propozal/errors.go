package propozal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLimited           = errors.New("limit exceeded")
	ErrQueueFull         = errors.New("queue full")
	ErrDeliveryDeadline  = errors.New("delivery deadline exceeded")
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalidField(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// AuthorizationError is returned when the actor does not own the proposal.
// The HTTP layer answers 404 so existence is not leaked.
type AuthorizationError struct {
	ProposalID string
	ActorID    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not modify proposal %s", e.ActorID, e.ProposalID)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition proposal from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type LimitKind string

const (
	LimitKindQuota LimitKind = "quota_exceeded"
	LimitKindRate  LimitKind = "rate_limited"
)

// LimitError carries enough to fill a 429 response.
type LimitError struct {
	Kind      LimitKind
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

func (e *LimitError) Error() string {
	if e.Kind == LimitKindQuota {
		return fmt.Sprintf("monthly quota exceeded: used %d of %d", e.Used, e.Limit)
	}
	return fmt.Sprintf("rate limit exceeded: %d requests per window", e.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// DeliveryError describes a failed outbound webhook. It is logged and recorded,
// never returned to the operation that triggered the event.
type DeliveryError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: status=%d", e.URL, e.Attempts, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
