package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Tx is the view of the store inside one atomic unit. Every entity read
// through Tx is locked for the duration of the unit unless noted, so a
// read-check-write sequence against it cannot interleave with a
// concurrent unit touching the same rows.
//
// Units acquire rows in one canonical order to stay deadlock free: the
// invitation rows named by the operation, then the trip, then the
// request, then participants. Units keyed by a request id discover the
// owning trip through the non-locking ActiveParticipantForRequest read
// first so the trip row can be taken in order. Trip-wide invitation
// sweeps lock their invitations under the trip row and lean on
// Atomically's deadlock retry for the rare inversion.
type Tx interface {
	RequestForUpdate(id string) (*models.PickupRequest, error)
	TripForUpdate(id string) (*models.Trip, error)
	InvitationForUpdate(id string) (*models.Invitation, error)
	ParticipantForUpdate(id string) (*models.TripParticipant, error)

	// LiveInvitationsForRequest returns the PENDING invitations that
	// reference the request, locked.
	LiveInvitationsForRequest(requestID string) ([]*models.Invitation, error)
	// PendingInvitationForTrip returns the PENDING invitation this trip
	// holds against the request, or nil when there is none.
	PendingInvitationForTrip(tripID, requestID string) (*models.Invitation, error)

	// PendingInvitationsForTrip returns every PENDING invitation the trip
	// has outstanding, locked.
	PendingInvitationsForTrip(tripID string) ([]*models.Invitation, error)

	ParticipantsForTrip(tripID string) ([]*models.TripParticipant, error)
	ParticipantForRequest(tripID, requestID string) (*models.TripParticipant, error)
	// ActiveParticipantForRequest returns the non-cancelled participant
	// holding the request, or ErrNotFound when the request is unmatched.
	// A plain read, taken without a row lock: every unit that changes a
	// request's seat holds that request's row lock, so the result is
	// stable once the request row is held.
	ActiveParticipantForRequest(requestID string) (*models.TripParticipant, error)
	// ActiveParticipantCount recomputes the trip's accepted count from
	// its non-cancelled participants.
	ActiveParticipantCount(tripID string) (int, error)

	Arrival(tripID, requestID string) (*models.ArrivalRecord, error)
	ArrivalCountForTrip(tripID string) (int, error)

	InsertRequest(r *models.PickupRequest) error
	UpdateRequest(r *models.PickupRequest) error
	InsertInvitation(inv *models.Invitation) error
	UpdateInvitation(inv *models.Invitation) error
	InsertTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	InsertParticipant(p *models.TripParticipant) error
	UpdateParticipant(p *models.TripParticipant) error
	InsertArrival(a *models.ArrivalRecord) error
}

// Store persists the five engine entities. Atomically runs fn as one
// atomic unit: either every write inside fn commits, or none do. A unit
// aborted by the database's deadlock detector is retried, so fn must
// reset any state it captures before doing work.
type Store interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	// Non-locking reads for query handlers and projections.
	GetRequest(ctx context.Context, id string) (*models.PickupRequest, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	GetInvitation(ctx context.Context, id string) (*models.Invitation, error)
	GetArrival(ctx context.Context, tripID, requestID string) (*models.ArrivalRecord, error)
	TripParticipants(ctx context.Context, tripID string) ([]*models.TripParticipant, error)

	// Due-entity listings for the expiry sweeper. Each returns ids only;
	// the authoritative expirable-state check happens again inside the
	// atomic transition.
	DueRequests(ctx context.Context, before time.Time, limit int) ([]string, error)
	DueInvitations(ctx context.Context, before time.Time, limit int) ([]string, error)
	DueTrips(ctx context.Context, before time.Time, limit int) ([]string, error)
}
