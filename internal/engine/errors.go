package engine

import (
	"fmt"

	"github.com/example/pickup-matching/internal/models"
)

// The engine returns typed errors so the surrounding application can map
// each failure to its own presentation. None are swallowed internally.

// ValidationError: malformed or out-of-range input. Not retryable without
// changing the input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// InvalidStateError: the operation is not legal from the entity's current
// status.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s is %s, cannot %s", e.Entity, e.ID, e.Status, e.Op)
}

// PolicyViolationError: a business rule blocks the action. Rule names the
// failed precondition.
type PolicyViolationError struct {
	Rule string
	Msg  string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s: %s", e.Rule, e.Msg)
}

// CapacityExceededError: the race for the trip's last seat was lost.
// Retryable against a different trip.
type CapacityExceededError struct {
	TripID   string
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("trip %s is full (capacity %d)", e.TripID, e.Capacity)
}

// AlreadyRespondedError: a duplicate submission of the same action lost
// the race. Safe for the caller to treat as a no-op.
type AlreadyRespondedError struct {
	InvitationID string
	Status       models.InvitationStatus
}

func (e *AlreadyRespondedError) Error() string {
	return fmt.Sprintf("invitation %s already %s", e.InvitationID, e.Status)
}

// DuplicateArrivalError: arrival evidence already exists for this
// (trip, request) pair.
type DuplicateArrivalError struct {
	TripID    string
	RequestID string
}

func (e *DuplicateArrivalError) Error() string {
	return fmt.Sprintf("arrival already recorded for trip %s request %s", e.TripID, e.RequestID)
}

// TripNotLockedError: arrival evidence submitted before departure.
type TripNotLockedError struct {
	TripID string
}

func (e *TripNotLockedError) Error() string {
	return fmt.Sprintf("trip %s has not departed", e.TripID)
}

// IncompleteRosterError: start-trip left at least one participant neither
// met nor cancelled.
type IncompleteRosterError struct {
	Unresolved []string // participant ids
}

func (e *IncompleteRosterError) Error() string {
	return fmt.Sprintf("roster incomplete: %d participant(s) neither met nor cancelled", len(e.Unresolved))
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// AuthorizationError: the actor is neither the provider nor requester
// party to the entity.
type AuthorizationError struct {
	Actor  string
	Entity string
	ID     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not a party to %s %s", e.Actor, e.Entity, e.ID)
}
