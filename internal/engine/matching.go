package engine

import (
	"context"
	"time"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/storage"
)

// SendInvitation offers a seat on the provider's trip to a pickup
// request. Preconditions (unlocked trip, spare capacity, no duplicate
// live invitation, matching date) are checked inside one atomic unit.
func (s *Service) SendInvitation(ctx context.Context, tripID, requestID, provider string) (*models.Invitation, error) {
	var out *models.Invitation
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		// Lock order: the pair's invitation row, then the trip, then the
		// request. AcceptInvitation acquires the same rows the same way.
		prior, err := tx.PendingInvitationForTrip(tripID, requestID)
		if err != nil {
			return err
		}
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.ProviderID != provider {
			return &AuthorizationError{Actor: provider, Entity: "trip", ID: tripID}
		}
		if trip.Status.Terminal() {
			return &InvalidStateError{Entity: "trip", ID: tripID, Status: string(trip.Status), Op: "send invitation"}
		}
		if trip.Locked {
			return &PolicyViolationError{Rule: "trip_locked", Msg: "roster is frozen once departure begins"}
		}
		count, err := tx.ActiveParticipantCount(tripID)
		if err != nil {
			return err
		}
		ledger := Ledger{TripID: tripID, Capacity: trip.Capacity, Accepted: count}
		if ledger.Full() {
			return &PolicyViolationError{Rule: "no_spare_capacity", Msg: "trip has no spare seats"}
		}
		now := s.now()
		if prior != nil {
			if prior.Live(now) {
				return &PolicyViolationError{Rule: "duplicate_invitation", Msg: "trip already holds a live invitation for this request"}
			}
			// Stale pending invitation: fold its expiry into this unit
			// before issuing the replacement.
			prior.Status = models.InvitationExpired
			prior.RespondedAt = &now
			if err := tx.UpdateInvitation(prior); err != nil {
				return err
			}
			emits = append(emits, invitationTransition(prior))
		}
		r, err := tx.RequestForUpdate(requestID)
		if err != nil {
			return notFound(err, "request", requestID)
		}
		if r.Status != models.RequestRequested {
			return &PolicyViolationError{Rule: "request_not_open", Msg: "request is no longer awaiting a match"}
		}
		if !sameDay(r.PickupTime, trip.ScheduledStartAt) {
			return &PolicyViolationError{Rule: "date_mismatch", Msg: "request pickup time is not on the trip's scheduled date"}
		}

		expires := trip.ScheduledStartAt
		if s.InvitationTTL > 0 && now.Add(s.InvitationTTL).Before(expires) {
			expires = now.Add(s.InvitationTTL)
		}
		inv := &models.Invitation{
			ID:          newID(),
			TripID:      tripID,
			RequestID:   requestID,
			ProviderID:  provider,
			RequesterID: r.RequesterID,
			Status:      models.InvitationPending,
			CreatedAt:   now,
			ExpiresAt:   expires,
		}
		if err := tx.InsertInvitation(inv); err != nil {
			return err
		}
		emits = append(emits, invitationTransition(inv))
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.InvitationsSent.Inc()
	s.emit(ctx, emits)
	return out, nil
}

// AcceptInvitation is the core atomicity point of the engine. Within one
// atomic unit it verifies the invitation is live, the request still open
// and the trip still has a spare seat, then accepts the invitation,
// creates the participant, advances the request, recounts the trip and
// supersedes every sibling invitation for the same request. Concurrent
// acceptances of the same invitation serialize on the invitation row;
// the loser observes AlreadyRespondedError.
func (s *Service) AcceptInvitation(ctx context.Context, invitationID, requester string) (*models.Invitation, error) {
	var out *models.Invitation
	var emits []events.Transition
	lazyExpired := false
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		lazyExpired = false
		inv, err := tx.InvitationForUpdate(invitationID)
		if err != nil {
			return notFound(err, "invitation", invitationID)
		}
		if inv.RequesterID != requester {
			return &AuthorizationError{Actor: requester, Entity: "invitation", ID: invitationID}
		}
		if inv.Status != models.InvitationPending {
			return &AlreadyRespondedError{InvitationID: invitationID, Status: inv.Status}
		}
		now := s.now()
		if !now.Before(inv.ExpiresAt) {
			// Lazy expiry: the expiry itself must commit even though the
			// accept fails, so flag it and return nil here.
			inv.Status = models.InvitationExpired
			inv.RespondedAt = &now
			if err := tx.UpdateInvitation(inv); err != nil {
				return err
			}
			emits = append(emits, invitationTransition(inv))
			lazyExpired = true
			return nil
		}
		// The trip row locks before the request row, as in every unit.
		trip, err := tx.TripForUpdate(inv.TripID)
		if err != nil {
			return notFound(err, "trip", inv.TripID)
		}
		r, err := tx.RequestForUpdate(inv.RequestID)
		if err != nil {
			return notFound(err, "request", inv.RequestID)
		}
		if r.Status != models.RequestRequested {
			return &InvalidStateError{Entity: "request", ID: r.ID, Status: string(r.Status), Op: "accept invitation"}
		}
		if trip.Locked || trip.Status != models.TripOpen {
			return &PolicyViolationError{Rule: "trip_locked", Msg: "trip is no longer open"}
		}
		count, err := tx.ActiveParticipantCount(trip.ID)
		if err != nil {
			return err
		}
		ledger, err := Ledger{TripID: trip.ID, Capacity: trip.Capacity, Accepted: count}.Reserve()
		if err != nil {
			// Seat lost to a concurrent acceptance; the invitation stays
			// PENDING so the requester can retry elsewhere.
			return err
		}

		inv.Status = models.InvitationAccepted
		inv.RespondedAt = &now
		if err := tx.UpdateInvitation(inv); err != nil {
			return err
		}
		emits = append(emits, invitationTransition(inv))

		siblings, err := tx.LiveInvitationsForRequest(inv.RequestID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID == inv.ID {
				continue
			}
			sib.Status = models.InvitationSuperseded
			sib.RespondedAt = &now
			if err := tx.UpdateInvitation(sib); err != nil {
				return err
			}
			emits = append(emits, invitationTransition(sib))
		}

		all, err := tx.ParticipantsForTrip(trip.ID)
		if err != nil {
			return err
		}
		p := &models.TripParticipant{
			ID:          newID(),
			TripID:      trip.ID,
			RequestID:   r.ID,
			RequesterID: r.RequesterID,
			Seq:         len(all) + 1,
			Status:      models.ParticipantActive,
			CreatedAt:   now,
		}
		if err := tx.InsertParticipant(p); err != nil {
			return err
		}
		emits = append(emits, participantTransition(p))

		r.Status = models.RequestMatched
		r.AdvanceStage(models.StageMatched)
		r.UpdatedAt = now
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		emits = append(emits, requestTransition(r))

		trip.AcceptedCount = ledger.Accepted
		trip.UpdatedAt = now
		if err := tx.UpdateTrip(trip); err != nil {
			return err
		}
		emits = append(emits, tripTransition(trip))
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lazyExpired {
		observability.Expirations.WithLabelValues("invitation").Inc()
		s.emit(ctx, emits)
		return nil, &InvalidStateError{Entity: "invitation", ID: invitationID, Status: string(models.InvitationExpired), Op: "accept"}
	}
	observability.InvitationsAccepted.Inc()
	s.emit(ctx, emits)
	return out, nil
}

// RejectInvitation declines a pending invitation. No side effects on
// capacity or sibling invitations.
func (s *Service) RejectInvitation(ctx context.Context, invitationID, requester string) (*models.Invitation, error) {
	var out *models.Invitation
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		inv, err := tx.InvitationForUpdate(invitationID)
		if err != nil {
			return notFound(err, "invitation", invitationID)
		}
		if inv.RequesterID != requester {
			return &AuthorizationError{Actor: requester, Entity: "invitation", ID: invitationID}
		}
		if inv.Status != models.InvitationPending {
			return &AlreadyRespondedError{InvitationID: invitationID, Status: inv.Status}
		}
		now := s.now()
		inv.Status = models.InvitationRejected
		inv.RespondedAt = &now
		if err := tx.UpdateInvitation(inv); err != nil {
			return err
		}
		emits = append(emits, invitationTransition(inv))
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, emits)
	return out, nil
}

// ExpireInvitationIfDue moves a pending invitation past its deadline to
// EXPIRED. Idempotent; the expirable-state check is re-verified inside
// the atomic unit, so a sweep racing an acceptance cannot expire an
// invitation that was just accepted.
func (s *Service) ExpireInvitationIfDue(ctx context.Context, invitationID string, now time.Time) (bool, error) {
	changed := false
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		changed = false
		emits = emits[:0]
		inv, err := tx.InvitationForUpdate(invitationID)
		if err != nil {
			return notFound(err, "invitation", invitationID)
		}
		if inv.Status != models.InvitationPending || now.Before(inv.ExpiresAt) {
			return nil
		}
		inv.Status = models.InvitationExpired
		inv.RespondedAt = &now
		if err := tx.UpdateInvitation(inv); err != nil {
			return err
		}
		emits = append(emits, invitationTransition(inv))
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		observability.Expirations.WithLabelValues("invitation").Inc()
		s.emit(ctx, emits)
	}
	return changed, nil
}

// sameDay compares calendar dates in UTC.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
