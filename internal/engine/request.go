package engine

import (
	"context"
	"time"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/storage"
)

// CreateRequest registers one child's ride need. The pickup time must be
// strictly in the future and both endpoints must fall inside the service
// area.
func (s *Service) CreateRequest(ctx context.Context, requesterID string, pickupTime time.Time, origin, dest models.Coord, originText, destText string) (*models.PickupRequest, error) {
	if requesterID == "" {
		return nil, &ValidationError{Field: "requester_id", Msg: "required"}
	}
	now := s.now()
	if !pickupTime.After(now) {
		return nil, &ValidationError{Field: "pickup_time", Msg: "must be in the future"}
	}
	if !s.Area.Contains(origin) {
		return nil, &ValidationError{Field: "origin", Msg: "outside service area"}
	}
	if !s.Area.Contains(dest) {
		return nil, &ValidationError{Field: "dest", Msg: "outside service area"}
	}

	r := &models.PickupRequest{
		ID:          newID(),
		RequesterID: requesterID,
		PickupTime:  pickupTime,
		Origin:      origin,
		OriginText:  originText,
		Dest:        dest,
		DestText:    destText,
		Status:      models.RequestRequested,
		Stage:       models.StageNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		return tx.InsertRequest(r)
	})
	if err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	s.emit(ctx, []events.Transition{requestTransition(r)})
	return r, nil
}

// RequestCancellation starts the cancellation branch. Far enough from
// pickup time it is auto-approved in place; close to pickup time it parks
// the request in CANCEL_REQUESTED awaiting explicit approval.
func (s *Service) RequestCancellation(ctx context.Context, requestID, actor string) (*models.PickupRequest, error) {
	var out *models.PickupRequest
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		if err := s.lockSeatTrip(tx, requestID); err != nil {
			return err
		}
		r, err := tx.RequestForUpdate(requestID)
		if err != nil {
			return notFound(err, "request", requestID)
		}
		if r.RequesterID != actor {
			return &AuthorizationError{Actor: actor, Entity: "request", ID: requestID}
		}
		if r.Status != models.RequestRequested && r.Status != models.RequestMatched {
			return &InvalidStateError{Entity: "request", ID: requestID, Status: string(r.Status), Op: "request cancellation"}
		}
		now := s.now()
		if r.PickupTime.Sub(now) > s.CancelApprovalWindow {
			// Auto-approved: straight to CANCELLED, capacity released.
			ts, err := s.cancelRequestLocked(tx, r, actor, models.ReasonCancel, "", now)
			if err != nil {
				return err
			}
			emits = append(emits, ts...)
		} else {
			r.Status = models.RequestCancelRequested
			r.CancelRequestedAt = &now
			r.UpdatedAt = now
			if err := tx.UpdateRequest(r); err != nil {
				return err
			}
			emits = append(emits, requestTransition(r))
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, emits)
	return out, nil
}

// ApproveCancellation resolves a CANCEL_REQUESTED request. A matched
// request is approved by its trip's provider; an unmatched one by the
// requester themselves.
func (s *Service) ApproveCancellation(ctx context.Context, requestID, approver string) (*models.PickupRequest, error) {
	var out *models.PickupRequest
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		// The seat is discovered with a plain read so the owning trip can
		// be locked ahead of the request row.
		var trip *models.Trip
		p, err := tx.ActiveParticipantForRequest(requestID)
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		if p != nil {
			trip, err = tx.TripForUpdate(p.TripID)
			if err != nil {
				return notFound(err, "trip", p.TripID)
			}
		}
		r, err := tx.RequestForUpdate(requestID)
		if err != nil {
			return notFound(err, "request", requestID)
		}
		if r.Status != models.RequestCancelRequested {
			return &InvalidStateError{Entity: "request", ID: requestID, Status: string(r.Status), Op: "approve cancellation"}
		}
		if trip != nil {
			if trip.ProviderID != approver {
				return &AuthorizationError{Actor: approver, Entity: "request", ID: requestID}
			}
		} else if r.RequesterID != approver {
			return &AuthorizationError{Actor: approver, Entity: "request", ID: requestID}
		}
		ts, err := s.cancelRequestLocked(tx, r, approver, models.ReasonCancel, "", s.now())
		if err != nil {
			return err
		}
		emits = append(emits, ts...)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, emits)
	return out, nil
}

// cancelRequestLocked transitions an already-locked request to CANCELLED
// and releases its trip seat if it holds one. Part of the caller's atomic
// unit.
func (s *Service) cancelRequestLocked(tx storage.Tx, r *models.PickupRequest, approver string, reason models.CancelReason, reasonText string, now time.Time) ([]events.Transition, error) {
	var emits []events.Transition
	r.Status = models.RequestCancelled
	if r.CancelRequestedAt == nil {
		r.CancelRequestedAt = &now
	}
	r.CancelApprovedAt = &now
	r.CancelApprovedBy = approver
	r.CancelReason = reason
	r.CancelReasonText = reasonText
	r.UpdatedAt = now
	if err := tx.UpdateRequest(r); err != nil {
		return nil, err
	}
	emits = append(emits, requestTransition(r))

	ts, err := s.releaseSeatLocked(tx, r.ID, now)
	if err != nil {
		return nil, err
	}
	return append(emits, ts...), nil
}

// lockSeatTrip locks the trip holding the request's seat, if any, so the
// unit acquires the trip row before the request row like every other
// unit. The seat itself is discovered with a plain read.
func (s *Service) lockSeatTrip(tx storage.Tx, requestID string) error {
	seat, err := tx.ActiveParticipantForRequest(requestID)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.TripForUpdate(seat.TripID); err != nil {
		return notFound(err, "trip", seat.TripID)
	}
	return nil
}

// releaseSeatLocked cancels the request's active participant, if any, and
// recounts the owning trip's accepted count in the same unit.
func (s *Service) releaseSeatLocked(tx storage.Tx, requestID string, now time.Time) ([]events.Transition, error) {
	p, err := tx.ActiveParticipantForRequest(requestID)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.ParticipantCancelled
	if err := tx.UpdateParticipant(p); err != nil {
		return nil, err
	}
	trip, err := tx.TripForUpdate(p.TripID)
	if err != nil {
		return nil, err
	}
	count, err := tx.ActiveParticipantCount(p.TripID)
	if err != nil {
		return nil, err
	}
	trip.AcceptedCount = count
	trip.UpdatedAt = now
	if err := tx.UpdateTrip(trip); err != nil {
		return nil, err
	}
	return []events.Transition{participantTransition(p), tripTransition(trip)}, nil
}

// ExpireRequestIfDue moves a request past its pickup time to EXPIRED.
// Idempotent: terminal and not-yet-due requests are a no-op. The reported
// bool is true only when this call performed the transition.
func (s *Service) ExpireRequestIfDue(ctx context.Context, requestID string, now time.Time) (bool, error) {
	changed := false
	var emits []events.Transition
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		changed = false
		emits = emits[:0]
		if err := s.lockSeatTrip(tx, requestID); err != nil {
			return err
		}
		r, err := tx.RequestForUpdate(requestID)
		if err != nil {
			return notFound(err, "request", requestID)
		}
		switch r.Status {
		case models.RequestRequested, models.RequestMatched, models.RequestCancelRequested:
		default:
			return nil
		}
		if !now.After(r.PickupTime) {
			return nil
		}
		r.Status = models.RequestExpired
		r.UpdatedAt = now
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		emits = append(emits, requestTransition(r))
		ts, err := s.releaseSeatLocked(tx, r.ID, now)
		if err != nil {
			return err
		}
		emits = append(emits, ts...)
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		observability.Expirations.WithLabelValues("request").Inc()
		s.emit(ctx, emits)
	}
	return changed, nil
}
