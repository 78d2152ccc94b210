package engine

import (
	"context"
	"errors"
	"time"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/storage"
)

// CreateTrip opens a carpool session with a fixed seat capacity.
func (s *Service) CreateTrip(ctx context.Context, provider string, scheduledStartAt time.Time, capacity int) (*models.Trip, error) {
	if provider == "" {
		return nil, &ValidationError{Field: "provider_id", Msg: "required"}
	}
	now := s.now()
	if !scheduledStartAt.After(now) {
		return nil, &ValidationError{Field: "scheduled_start_at", Msg: "must be in the future"}
	}
	if capacity < 1 || capacity > s.MaxCapacity {
		return nil, &ValidationError{Field: "capacity", Msg: "must be between 1 and the service maximum"}
	}
	t := &models.Trip{
		ID:               newID(),
		ProviderID:       provider,
		Capacity:         capacity,
		Status:           models.TripOpen,
		ScheduledStartAt: scheduledStartAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertTrip(t)
	})
	if err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()
	s.emit(ctx, []events.Transition{tripTransition(t)})
	return t, nil
}

// MarkParticipantMet confirms a participant reached the pickup point.
// Idempotent; new marking is forbidden once the trip is locked.
func (s *Service) MarkParticipantMet(ctx context.Context, tripID, participantID, actor string) (*models.TripParticipant, error) {
	var out *models.TripParticipant
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.ProviderID != actor {
			return &AuthorizationError{Actor: actor, Entity: "trip", ID: tripID}
		}
		p, err := tx.ParticipantForUpdate(participantID)
		if err != nil {
			return notFound(err, "participant", participantID)
		}
		if p.TripID != tripID {
			return &NotFoundError{Entity: "participant", ID: participantID}
		}
		if p.Status != models.ParticipantActive {
			return &InvalidStateError{Entity: "participant", ID: participantID, Status: string(p.Status), Op: "mark met"}
		}
		if p.Met {
			out = p
			return nil
		}
		if trip.Locked {
			return &PolicyViolationError{Rule: "trip_locked", Msg: "cannot mark new participants met after departure"}
		}
		now := s.now()
		p.Met = true
		if err := tx.UpdateParticipant(p); err != nil {
			return err
		}
		emits = append(emits, participantTransition(p))

		r, err := tx.RequestForUpdate(p.RequestID)
		if err != nil {
			return notFound(err, "request", p.RequestID)
		}
		r.AdvanceStage(models.StagePickedUp)
		r.UpdatedAt = now
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		emits = append(emits, requestTransition(r))
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, emits)
	return out, nil
}

// StartTrip locks the roster and departs. Every unmet participant must be
// resolved by a cancellation entry; after processing, every participant
// is either met or cancelled. Cancellations, the capacity recount and the
// lock apply as one atomic unit.
func (s *Service) StartTrip(ctx context.Context, tripID, actor string, cancellations []models.RosterCancellation) (*models.Trip, error) {
	for _, c := range cancellations {
		if !models.ValidCancelReason(c.Reason) {
			return nil, &ValidationError{Field: "cancellations", Msg: "unknown reason code"}
		}
	}
	var out *models.Trip
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.ProviderID != actor {
			return &AuthorizationError{Actor: actor, Entity: "trip", ID: tripID}
		}
		if trip.Locked || trip.Status != models.TripOpen {
			return &InvalidStateError{Entity: "trip", ID: tripID, Status: string(trip.Status), Op: "start"}
		}
		parts, err := tx.ParticipantsForTrip(tripID)
		if err != nil {
			return err
		}

		cancelByID := make(map[string]models.RosterCancellation, len(cancellations))
		for _, c := range cancellations {
			cancelByID[c.ParticipantID] = c
		}
		var met []*models.TripParticipant
		var unresolved []string
		for _, p := range parts {
			if p.Status != models.ParticipantActive {
				continue
			}
			if _, ok := cancelByID[p.ID]; ok {
				if p.Met {
					return &ValidationError{Field: "cancellations", Msg: "participant " + p.ID + " already met"}
				}
				continue
			}
			if p.Met {
				met = append(met, p)
				continue
			}
			unresolved = append(unresolved, p.ID)
		}
		for id := range cancelByID {
			found := false
			for _, p := range parts {
				if p.ID == id && p.Status == models.ParticipantActive {
					found = true
					break
				}
			}
			if !found {
				return &ValidationError{Field: "cancellations", Msg: "participant " + id + " is not an active participant of this trip"}
			}
		}
		if len(unresolved) > 0 {
			return &IncompleteRosterError{Unresolved: unresolved}
		}
		if len(met) == 0 {
			return &PolicyViolationError{Rule: "no_met_participant", Msg: "departure requires at least one met participant"}
		}

		now := s.now()
		// (1) apply each cancellation and release its seat.
		for _, p := range parts {
			c, ok := cancelByID[p.ID]
			if !ok || p.Status != models.ParticipantActive {
				continue
			}
			p.Status = models.ParticipantCancelled
			if err := tx.UpdateParticipant(p); err != nil {
				return err
			}
			emits = append(emits, participantTransition(p))
			r, err := tx.RequestForUpdate(p.RequestID)
			if err != nil {
				return notFound(err, "request", p.RequestID)
			}
			r.Status = models.RequestCancelled
			r.CancelRequestedAt = &now
			r.CancelApprovedAt = &now
			r.CancelApprovedBy = actor
			r.CancelReason = c.Reason
			r.CancelReasonText = c.ReasonText
			r.UpdatedAt = now
			if err := tx.UpdateRequest(r); err != nil {
				return err
			}
			emits = append(emits, requestTransition(r))
		}

		// (2) lock, depart, advance the met participants' requests.
		count, err := tx.ActiveParticipantCount(tripID)
		if err != nil {
			return err
		}
		trip.AcceptedCount = count
		trip.Locked = true
		trip.Status = models.TripInProgress
		trip.StartAt = &now
		trip.UpdatedAt = now
		if err := tx.UpdateTrip(trip); err != nil {
			return err
		}
		emits = append(emits, tripTransition(trip))

		for _, p := range met {
			r, err := tx.RequestForUpdate(p.RequestID)
			if err != nil {
				return notFound(err, "request", p.RequestID)
			}
			// Departing with a met child voids an unapproved cancellation;
			// the requester's only recourse after this point is an arrival.
			if r.Status == models.RequestCancelRequested {
				r.CancelRequestedAt = nil
			}
			r.Status = models.RequestInProgress
			r.AdvanceStage(models.StageStarted)
			r.UpdatedAt = now
			if err := tx.UpdateRequest(r); err != nil {
				return err
			}
			emits = append(emits, requestTransition(r))
		}
		out = trip
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.TripsStarted.Inc()
	s.emit(ctx, emits)
	return out, nil
}

// CancelTrip administratively cancels a non-terminal trip. Before
// departure its matched requests return to REQUESTED and its pending
// invitations expire; after departure active participants without an
// arrival record are cancelled with reason OTHER.
func (s *Service) CancelTrip(ctx context.Context, tripID, actor string) (*models.Trip, error) {
	var out *models.Trip
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.ProviderID != actor {
			return &AuthorizationError{Actor: actor, Entity: "trip", ID: tripID}
		}
		if trip.Status.Terminal() {
			return &InvalidStateError{Entity: "trip", ID: tripID, Status: string(trip.Status), Op: "cancel"}
		}
		now := s.now()

		pending, err := tx.PendingInvitationsForTrip(tripID)
		if err != nil {
			return err
		}
		for _, inv := range pending {
			inv.Status = models.InvitationExpired
			inv.RespondedAt = &now
			if err := tx.UpdateInvitation(inv); err != nil {
				return err
			}
			emits = append(emits, invitationTransition(inv))
		}

		parts, err := tx.ParticipantsForTrip(tripID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if p.Status != models.ParticipantActive {
				continue
			}
			if trip.Locked {
				// A participant who already arrived keeps their seat and
				// their completed pickup.
				if _, err := tx.Arrival(tripID, p.RequestID); err == nil {
					continue
				} else if !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
			p.Status = models.ParticipantCancelled
			if err := tx.UpdateParticipant(p); err != nil {
				return err
			}
			emits = append(emits, participantTransition(p))
			r, err := tx.RequestForUpdate(p.RequestID)
			if err != nil {
				return notFound(err, "request", p.RequestID)
			}
			if !trip.Locked {
				// Seat released before departure: the request goes back
				// into the open pool.
				r.Status = models.RequestRequested
				r.UpdatedAt = now
			} else if !r.Status.Terminal() {
				r.Status = models.RequestCancelled
				r.CancelRequestedAt = &now
				r.CancelApprovedAt = &now
				r.CancelApprovedBy = actor
				r.CancelReason = models.ReasonOther
				r.CancelReasonText = "trip cancelled"
				r.UpdatedAt = now
			}
			if err := tx.UpdateRequest(r); err != nil {
				return err
			}
			emits = append(emits, requestTransition(r))
		}

		count, err := tx.ActiveParticipantCount(tripID)
		if err != nil {
			return err
		}
		trip.Status = models.TripCancelled
		trip.AcceptedCount = count
		trip.UpdatedAt = now
		if err := tx.UpdateTrip(trip); err != nil {
			return err
		}
		emits = append(emits, tripTransition(trip))
		out = trip
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, emits)
	return out, nil
}

// ExpireTripIfDue expires an open trip once its grace period after the
// scheduled start has passed. Pending invitations from the trip expire in
// the same unit. Idempotent.
func (s *Service) ExpireTripIfDue(ctx context.Context, tripID string, now time.Time) (bool, error) {
	changed := false
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		changed = false
		emits = emits[:0]
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.Status != models.TripOpen || !now.After(trip.ScheduledStartAt.Add(s.GracePeriod)) {
			return nil
		}
		pending, err := tx.PendingInvitationsForTrip(tripID)
		if err != nil {
			return err
		}
		for _, inv := range pending {
			inv.Status = models.InvitationExpired
			inv.RespondedAt = &now
			if err := tx.UpdateInvitation(inv); err != nil {
				return err
			}
			emits = append(emits, invitationTransition(inv))
		}
		trip.Status = models.TripExpired
		trip.UpdatedAt = now
		if err := tx.UpdateTrip(trip); err != nil {
			return err
		}
		emits = append(emits, tripTransition(trip))
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		observability.Expirations.WithLabelValues("trip").Inc()
		s.emit(ctx, emits)
	}
	return changed, nil
}
