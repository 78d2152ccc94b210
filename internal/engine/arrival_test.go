package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// startedTrip builds a departed trip with the given requests matched and
// met, returning the trip and its participants in request order.
func startedTrip(t *testing.T, s *Service, requests []*models.PickupRequest) (*models.Trip, []*models.TripParticipant) {
	t.Helper()
	ctx := context.Background()
	trip := mustTrip(t, s, "driver-1", base.Add(2*time.Hour), len(requests))
	var parts []*models.TripParticipant
	for _, r := range requests {
		p := matchRequest(t, s, trip, r)
		if _, err := s.MarkParticipantMet(ctx, trip.ID, p.ID, "driver-1"); err != nil {
			t.Fatalf("MarkParticipantMet: %v", err)
		}
		parts = append(parts, p)
	}
	if _, err := s.StartTrip(ctx, trip.ID, "driver-1", nil); err != nil {
		t.Fatalf("StartTrip: %v", err)
	}
	return trip, parts
}

func TestRecordArrival(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r1 := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	r2 := mustRequest(t, s, "parent-2", base.Add(2*time.Hour))
	trip, _ := startedTrip(t, s, []*models.PickupRequest{r1, r2})

	rec, err := s.RecordArrival(ctx, trip.ID, r1.ID, "driver-1", "blob-1")
	if err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}
	if rec.BlobRef != "blob-1" {
		t.Fatalf("blob ref = %s", rec.BlobRef)
	}
	g1 := getRequest(t, s, r1.ID)
	if g1.Status != models.RequestCompleted || g1.Stage != models.StageArrived {
		t.Fatalf("request 1 = %s/%v, want COMPLETED/ARRIVED", g1.Status, g1.Stage)
	}
	// one arrival of two does not complete the trip
	if got := getTrip(t, s, trip.ID); got.Status != models.TripInProgress {
		t.Fatalf("trip status = %s, want IN_PROGRESS", got.Status)
	}

	if _, err := s.RecordArrival(ctx, trip.ID, r2.ID, "driver-1", "blob-2"); err != nil {
		t.Fatalf("RecordArrival 2: %v", err)
	}
	got := getTrip(t, s, trip.ID)
	if got.Status != models.TripCompleted {
		t.Fatalf("trip status = %s, want COMPLETED", got.Status)
	}
	if got.ArrivedAt == nil || got.CompletedAt == nil {
		t.Fatal("completion timestamps not set")
	}

	// a replay after completion still reads as a duplicate
	var dae *DuplicateArrivalError
	if _, err := s.RecordArrival(ctx, trip.ID, r2.ID, "driver-1", "blob-2"); !errors.As(err, &dae) {
		t.Fatalf("replay after completion: got %v, want DuplicateArrivalError", err)
	}
}

func TestRecordArrival_Duplicate(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r1 := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	r2 := mustRequest(t, s, "parent-2", base.Add(2*time.Hour))
	trip, _ := startedTrip(t, s, []*models.PickupRequest{r1, r2})

	if _, err := s.RecordArrival(ctx, trip.ID, r1.ID, "driver-1", "blob-1"); err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}
	var dae *DuplicateArrivalError
	if _, err := s.RecordArrival(ctx, trip.ID, r1.ID, "driver-1", "blob-other"); !errors.As(err, &dae) {
		t.Fatalf("second record: got %v, want DuplicateArrivalError", err)
	}
	// the duplicate changed nothing
	if got := getRequest(t, s, r1.ID); got.Status != models.RequestCompleted {
		t.Fatalf("request status = %s, want COMPLETED", got.Status)
	}
	rec, err := s.Store.GetArrival(ctx, trip.ID, r1.ID)
	if err != nil || rec.BlobRef != "blob-1" {
		t.Fatalf("stored arrival = %+v err=%v", rec, err)
	}
}

func TestRecordArrival_BeforeDeparture(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	trip := mustTrip(t, s, "driver-1", base.Add(2*time.Hour), 2)
	matchRequest(t, s, trip, r)

	var tnl *TripNotLockedError
	if _, err := s.RecordArrival(ctx, trip.ID, r.ID, "driver-1", "blob-1"); !errors.As(err, &tnl) {
		t.Fatalf("got %v, want TripNotLockedError", err)
	}
}

func TestRecordArrival_Validation(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	trip, _ := startedTrip(t, s, []*models.PickupRequest{r})

	var ve *ValidationError
	if _, err := s.RecordArrival(ctx, trip.ID, r.ID, "driver-1", ""); !errors.As(err, &ve) || ve.Field != "blob_ref" {
		t.Fatalf("empty blob ref: got %v", err)
	}
	var ae *AuthorizationError
	if _, err := s.RecordArrival(ctx, trip.ID, r.ID, "parent-1", "blob-1"); !errors.As(err, &ae) {
		t.Fatalf("requester actor: got %v", err)
	}
	var nfe *NotFoundError
	if _, err := s.RecordArrival(ctx, trip.ID, "nope", "driver-1", "blob-1"); !errors.As(err, &nfe) {
		t.Fatalf("stranger request: got %v", err)
	}
}

func TestArrivalPhotoURL(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	trip, _ := startedTrip(t, s, []*models.PickupRequest{r})
	if _, err := s.RecordArrival(ctx, trip.ID, r.ID, "driver-1", "blob-1"); err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}

	// without a resolver the raw reference comes back
	for _, actor := range []string{"driver-1", "parent-1"} {
		got, err := s.ArrivalPhotoURL(ctx, trip.ID, r.ID, actor)
		if err != nil || got != "blob-1" {
			t.Fatalf("actor %s: url=%q err=%v", actor, got, err)
		}
	}
	var ae *AuthorizationError
	if _, err := s.ArrivalPhotoURL(ctx, trip.ID, r.ID, "stranger"); !errors.As(err, &ae) {
		t.Fatalf("stranger actor: got %v", err)
	}
	var nfe *NotFoundError
	if _, err := s.ArrivalPhotoURL(ctx, trip.ID, "nope", "driver-1"); !errors.As(err, &nfe) {
		t.Fatalf("missing arrival: got %v", err)
	}
}
