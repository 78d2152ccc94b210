package engine

import (
	"context"
	"errors"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/observability"
	"github.com/example/pickup-matching/internal/storage"
)

// RecordArrival stores arrival evidence for one participant. Insert-once:
// a second record for the same (trip, request) pair fails with
// DuplicateArrivalError. Arrival evidence alone finalizes the request,
// and once every active participant has a record the trip completes in
// the same unit.
func (s *Service) RecordArrival(ctx context.Context, tripID, requestID, actor, blobRef string) (*models.ArrivalRecord, error) {
	if blobRef == "" {
		return nil, &ValidationError{Field: "blob_ref", Msg: "required"}
	}
	var out *models.ArrivalRecord
	var emits []events.Transition
	tripCompleted := false
	err := s.Store.Atomically(ctx, func(tx storage.Tx) error {
		emits = emits[:0]
		tripCompleted = false
		trip, err := tx.TripForUpdate(tripID)
		if err != nil {
			return notFound(err, "trip", tripID)
		}
		if trip.ProviderID != actor {
			return &AuthorizationError{Actor: actor, Entity: "trip", ID: tripID}
		}
		if !trip.Locked {
			return &TripNotLockedError{TripID: tripID}
		}
		p, err := tx.ParticipantForRequest(tripID, requestID)
		if err != nil {
			return notFound(err, "participant", requestID)
		}
		if p.Status != models.ParticipantActive {
			return &InvalidStateError{Entity: "participant", ID: p.ID, Status: string(p.Status), Op: "record arrival"}
		}
		// Duplicate detection outranks the terminal check so a replayed
		// submission reads the same way whether or not it completed the trip.
		if _, err := tx.Arrival(tripID, requestID); err == nil {
			return &DuplicateArrivalError{TripID: tripID, RequestID: requestID}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if trip.Status.Terminal() {
			return &InvalidStateError{Entity: "trip", ID: tripID, Status: string(trip.Status), Op: "record arrival"}
		}

		now := s.now()
		rec := &models.ArrivalRecord{
			ID:        newID(),
			TripID:    tripID,
			RequestID: requestID,
			BlobRef:   blobRef,
			CreatedAt: now,
		}
		if err := tx.InsertArrival(rec); err != nil {
			return err
		}

		r, err := tx.RequestForUpdate(requestID)
		if err != nil {
			return notFound(err, "request", requestID)
		}
		r.AdvanceStage(models.StageArrived)
		r.Status = models.RequestCompleted
		r.UpdatedAt = now
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		emits = append(emits, requestTransition(r))

		// The trip completes only against currently-active participants,
		// so one cancelled seat never blocks completion.
		active, err := tx.ActiveParticipantCount(tripID)
		if err != nil {
			return err
		}
		arrived, err := tx.ArrivalCountForTrip(tripID)
		if err != nil {
			return err
		}
		if arrived >= active {
			tripCompleted = true
			trip.Status = models.TripCompleted
			trip.ArrivedAt = &now
			trip.CompletedAt = &now
			trip.UpdatedAt = now
			if err := tx.UpdateTrip(trip); err != nil {
				return err
			}
			emits = append(emits, tripTransition(trip))
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.ArrivalsRecorded.Inc()
	if tripCompleted {
		observability.TripsCompleted.Inc()
	}
	if out != nil {
		s.emit(ctx, append(emits, events.Transition{
			EntityType: "arrival",
			EntityID:   out.ID,
			Status:     "RECORDED",
			OwnerIDs:   []string{actor},
			TripID:     tripID,
			Fields:     map[string]string{"request_id": requestID},
		}))
	}
	return out, nil
}

// ArrivalPhotoURL resolves the arrival record's blob reference to a
// time-limited retrievable URL. Only parties to the trip may resolve it.
func (s *Service) ArrivalPhotoURL(ctx context.Context, tripID, requestID, actor string) (string, error) {
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return "", notFound(err, "trip", tripID)
	}
	rec, err := s.Store.GetArrival(ctx, tripID, requestID)
	if err != nil {
		return "", notFound(err, "arrival", requestID)
	}
	if actor != trip.ProviderID {
		r, err := s.Store.GetRequest(ctx, requestID)
		if err != nil {
			return "", notFound(err, "request", requestID)
		}
		if actor != r.RequesterID {
			return "", &AuthorizationError{Actor: actor, Entity: "arrival", ID: rec.ID}
		}
	}
	if s.Blobs == nil {
		return rec.BlobRef, nil
	}
	return s.Blobs.SignedURL(ctx, rec.BlobRef)
}
