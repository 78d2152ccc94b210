package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/geo"
	"github.com/example/pickup-matching/internal/models"
)

func TestCreateRequest(t *testing.T) {
	s, _, pub := testService(t)
	r := mustRequest(t, s, "parent-1", base.Add(2*time.Hour))
	if r.Status != models.RequestRequested {
		t.Fatalf("status = %s, want REQUESTED", r.Status)
	}
	if r.Stage != models.StageNone {
		t.Fatalf("stage = %v, want StageNone", r.Stage)
	}
	if got := pub.statuses("request"); len(got) != 1 || got[0] != "REQUESTED" {
		t.Fatalf("published = %v, want [REQUESTED]", got)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	var ve *ValidationError
	_, err := s.CreateRequest(ctx, "", base.Add(time.Hour), models.Coord{}, models.Coord{}, "", "")
	if !errors.As(err, &ve) || ve.Field != "requester_id" {
		t.Fatalf("missing requester: got %v", err)
	}
	_, err = s.CreateRequest(ctx, "p1", base.Add(-time.Minute), models.Coord{}, models.Coord{}, "", "")
	if !errors.As(err, &ve) || ve.Field != "pickup_time" {
		t.Fatalf("past pickup: got %v", err)
	}
	_, err = s.CreateRequest(ctx, "p1", base, models.Coord{}, models.Coord{}, "", "")
	if !errors.As(err, &ve) || ve.Field != "pickup_time" {
		t.Fatalf("pickup at now: got %v", err)
	}
}

func TestCreateRequest_ServiceArea(t *testing.T) {
	s, _, _ := testService(t)
	s.Area = geo.ServiceArea{Center: models.Coord{Lat: 40, Lon: -74}, RadiusM: 10000}
	ctx := context.Background()

	inside := models.Coord{Lat: 40.01, Lon: -74.01}
	outside := models.Coord{Lat: 41, Lon: -75}

	if _, err := s.CreateRequest(ctx, "p1", base.Add(time.Hour), inside, inside, "", ""); err != nil {
		t.Fatalf("inside area: %v", err)
	}
	var ve *ValidationError
	_, err := s.CreateRequest(ctx, "p1", base.Add(time.Hour), outside, inside, "", "")
	if !errors.As(err, &ve) || ve.Field != "origin" {
		t.Fatalf("origin outside: got %v", err)
	}
	_, err = s.CreateRequest(ctx, "p1", base.Add(time.Hour), inside, outside, "", "")
	if !errors.As(err, &ve) || ve.Field != "dest" {
		t.Fatalf("dest outside: got %v", err)
	}
}

func TestRequestCancellation_AutoApprovedFarFromPickup(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	// pickup well beyond the approval window: cancel in place
	r := mustRequest(t, s, "parent-1", base.Add(3*time.Hour))

	out, err := s.RequestCancellation(ctx, r.ID, "parent-1")
	if err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	if out.Status != models.RequestCancelled {
		t.Fatalf("status = %s, want CANCELLED", out.Status)
	}
	if out.CancelReason != models.ReasonCancel {
		t.Fatalf("reason = %s, want CANCEL", out.CancelReason)
	}
	if out.CancelApprovedBy != "parent-1" {
		t.Fatalf("approved by = %s", out.CancelApprovedBy)
	}
}

func TestRequestCancellation_WindowedNeedsApproval(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	// pickup inside the one hour window: parked awaiting approval
	r := mustRequest(t, s, "parent-1", base.Add(30*time.Minute))

	out, err := s.RequestCancellation(ctx, r.ID, "parent-1")
	if err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	if out.Status != models.RequestCancelRequested {
		t.Fatalf("status = %s, want CANCEL_REQUESTED", out.Status)
	}
	if out.CancelRequestedAt == nil {
		t.Fatal("CancelRequestedAt not set")
	}

	// unmatched: the requester resolves their own pending cancellation
	res, err := s.ApproveCancellation(ctx, r.ID, "parent-1")
	if err != nil {
		t.Fatalf("ApproveCancellation: %v", err)
	}
	if res.Status != models.RequestCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
}

func TestRequestCancellation_Authorization(t *testing.T) {
	s, _, _ := testService(t)
	r := mustRequest(t, s, "parent-1", base.Add(3*time.Hour))

	var ae *AuthorizationError
	if _, err := s.RequestCancellation(context.Background(), r.ID, "someone-else"); !errors.As(err, &ae) {
		t.Fatalf("got %v, want AuthorizationError", err)
	}
}

func TestRequestCancellation_TerminalRequest(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(3*time.Hour))
	if _, err := s.RequestCancellation(ctx, r.ID, "parent-1"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	var ise *InvalidStateError
	if _, err := s.RequestCancellation(ctx, r.ID, "parent-1"); !errors.As(err, &ise) {
		t.Fatalf("got %v, want InvalidStateError", err)
	}
}

func TestRequestCancellation_NotFound(t *testing.T) {
	s, _, _ := testService(t)
	var nfe *NotFoundError
	if _, err := s.RequestCancellation(context.Background(), "nope", "parent-1"); !errors.As(err, &nfe) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestApproveCancellation_MatchedRequiresProvider(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(30*time.Minute))
	trip := mustTrip(t, s, "driver-1", base.Add(30*time.Minute), 2)
	matchRequest(t, s, trip, r)

	if _, err := s.RequestCancellation(ctx, r.ID, "parent-1"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	// the requester cannot approve a matched cancellation themselves
	var ae *AuthorizationError
	if _, err := s.ApproveCancellation(ctx, r.ID, "parent-1"); !errors.As(err, &ae) {
		t.Fatalf("requester self-approve: got %v, want AuthorizationError", err)
	}

	out, err := s.ApproveCancellation(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatalf("ApproveCancellation by provider: %v", err)
	}
	if out.Status != models.RequestCancelled {
		t.Fatalf("status = %s, want CANCELLED", out.Status)
	}

	// the seat came back
	got := getTrip(t, s, trip.ID)
	if got.AcceptedCount != 0 {
		t.Fatalf("accepted count = %d, want 0", got.AcceptedCount)
	}
}

func TestApproveCancellation_OnlyFromCancelRequested(t *testing.T) {
	s, _, _ := testService(t)
	r := mustRequest(t, s, "parent-1", base.Add(3*time.Hour))
	var ise *InvalidStateError
	if _, err := s.ApproveCancellation(context.Background(), r.ID, "parent-1"); !errors.As(err, &ise) {
		t.Fatalf("got %v, want InvalidStateError", err)
	}
}

func TestExpireRequestIfDue_Idempotent(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(time.Hour))

	// not due yet
	changed, err := s.ExpireRequestIfDue(ctx, r.ID, base.Add(30*time.Minute))
	if err != nil || changed {
		t.Fatalf("before due: changed=%v err=%v", changed, err)
	}

	after := base.Add(2 * time.Hour)
	changed, err = s.ExpireRequestIfDue(ctx, r.ID, after)
	if err != nil || !changed {
		t.Fatalf("first expiry: changed=%v err=%v", changed, err)
	}
	if got := getRequest(t, s, r.ID); got.Status != models.RequestExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}

	// second sweep over the same id is a no-op
	changed, err = s.ExpireRequestIfDue(ctx, r.ID, after)
	if err != nil || changed {
		t.Fatalf("second expiry: changed=%v err=%v", changed, err)
	}
}

func TestExpireRequestIfDue_ReleasesSeatOnce(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()
	r := mustRequest(t, s, "parent-1", base.Add(time.Hour))
	trip := mustTrip(t, s, "driver-1", base.Add(time.Hour), 2)
	matchRequest(t, s, trip, r)

	if got := getTrip(t, s, trip.ID); got.AcceptedCount != 1 {
		t.Fatalf("accepted count = %d, want 1", got.AcceptedCount)
	}

	after := base.Add(2 * time.Hour)
	if changed, err := s.ExpireRequestIfDue(ctx, r.ID, after); err != nil || !changed {
		t.Fatalf("expiry: changed=%v err=%v", changed, err)
	}
	if got := getTrip(t, s, trip.ID); got.AcceptedCount != 0 {
		t.Fatalf("accepted count after expiry = %d, want 0", got.AcceptedCount)
	}

	// replaying the expiry releases nothing further
	if changed, err := s.ExpireRequestIfDue(ctx, r.ID, after); err != nil || changed {
		t.Fatalf("replay: changed=%v err=%v", changed, err)
	}
	if got := getTrip(t, s, trip.ID); got.AcceptedCount != 0 {
		t.Fatalf("accepted count after replay = %d, want 0", got.AcceptedCount)
	}
}
