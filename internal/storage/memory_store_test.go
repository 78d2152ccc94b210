package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

var memBase = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func seedRequest(t *testing.T, m *MemoryStore, id string, status models.RequestStatus, pickup time.Time) {
	t.Helper()
	err := m.Atomically(context.Background(), func(tx Tx) error {
		return tx.InsertRequest(&models.PickupRequest{
			ID: id, RequesterID: "parent-" + id, PickupTime: pickup,
			Status: status, CreatedAt: memBase, UpdatedAt: memBase,
		})
	})
	if err != nil {
		t.Fatalf("seed request %s: %v", id, err)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRequest(t, m, "r1", models.RequestRequested, memBase.Add(time.Hour))

	boom := errors.New("boom")
	err := m.Atomically(ctx, func(tx Tx) error {
		r, err := tx.RequestForUpdate("r1")
		if err != nil {
			return err
		}
		r.Status = models.RequestCancelled
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		if err := tx.InsertTrip(&models.Trip{ID: "t1", ProviderID: "d1", Capacity: 2, Status: models.TripOpen}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	// nothing staged in the failed unit is visible
	r, err := m.GetRequest(ctx, "r1")
	if err != nil || r.Status != models.RequestRequested {
		t.Fatalf("request after rollback = %+v err=%v", r, err)
	}
	if _, err := m.GetTrip(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("trip after rollback: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UnitSeesOwnWrites(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	err := m.Atomically(ctx, func(tx Tx) error {
		if err := tx.InsertRequest(&models.PickupRequest{ID: "r1", Status: models.RequestRequested}); err != nil {
			return err
		}
		r, err := tx.RequestForUpdate("r1")
		if err != nil {
			return err
		}
		if r.Status != models.RequestRequested {
			t.Fatalf("staged read = %+v", r)
		}
		r.Status = models.RequestMatched
		if err := tx.UpdateRequest(r); err != nil {
			return err
		}
		again, err := tx.RequestForUpdate("r1")
		if err != nil {
			return err
		}
		if again.Status != models.RequestMatched {
			t.Fatalf("reread after update = %s, want MATCHED", again.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
	r, err := m.GetRequest(ctx, "r1")
	if err != nil || r.Status != models.RequestMatched {
		t.Fatalf("committed request = %+v err=%v", r, err)
	}
}

func TestMemoryStore_GetReturnsClones(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRequest(t, m, "r1", models.RequestRequested, memBase.Add(time.Hour))

	r, err := m.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	r.Status = models.RequestCancelled // mutating the copy must not leak

	again, err := m.GetRequest(ctx, "r1")
	if err != nil || again.Status != models.RequestRequested {
		t.Fatalf("store mutated through a read copy: %+v err=%v", again, err)
	}
}

func TestMemoryStore_ParticipantQueries(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	err := m.Atomically(ctx, func(tx Tx) error {
		for _, p := range []*models.TripParticipant{
			{ID: "p1", TripID: "t1", RequestID: "r1", Seq: 1, Status: models.ParticipantActive},
			{ID: "p2", TripID: "t1", RequestID: "r2", Seq: 2, Status: models.ParticipantCancelled},
			{ID: "p3", TripID: "t2", RequestID: "r3", Seq: 1, Status: models.ParticipantActive},
		} {
			if err := tx.InsertParticipant(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = m.Atomically(ctx, func(tx Tx) error {
		all, err := tx.ParticipantsForTrip("t1")
		if err != nil || len(all) != 2 {
			t.Fatalf("ParticipantsForTrip = %d err=%v, want 2", len(all), err)
		}
		if all[0].Seq != 1 || all[1].Seq != 2 {
			t.Fatalf("not ordered by seq: %v %v", all[0].Seq, all[1].Seq)
		}
		n, err := tx.ActiveParticipantCount("t1")
		if err != nil || n != 1 {
			t.Fatalf("ActiveParticipantCount = %d err=%v, want 1", n, err)
		}
		p, err := tx.ActiveParticipantForRequest("r1")
		if err != nil || p.ID != "p1" {
			t.Fatalf("ActiveParticipantForRequest = %+v err=%v", p, err)
		}
		// cancelled seat is not active
		if _, err := tx.ActiveParticipantForRequest("r2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cancelled participant: err = %v, want ErrNotFound", err)
		}
		got, err := tx.ParticipantForRequest("t1", "r2")
		if err != nil || got.ID != "p2" {
			t.Fatalf("ParticipantForRequest = %+v err=%v", got, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
}

func TestMemoryStore_InvitationQueries(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	exp := memBase.Add(time.Hour)
	err := m.Atomically(ctx, func(tx Tx) error {
		for _, inv := range []*models.Invitation{
			{ID: "i1", TripID: "t1", RequestID: "r1", Status: models.InvitationPending, ExpiresAt: exp},
			{ID: "i2", TripID: "t2", RequestID: "r1", Status: models.InvitationPending, ExpiresAt: exp},
			{ID: "i3", TripID: "t1", RequestID: "r2", Status: models.InvitationAccepted, ExpiresAt: exp},
		} {
			if err := tx.InsertInvitation(inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = m.Atomically(ctx, func(tx Tx) error {
		live, err := tx.LiveInvitationsForRequest("r1")
		if err != nil || len(live) != 2 {
			t.Fatalf("LiveInvitationsForRequest = %d err=%v, want 2", len(live), err)
		}
		got, err := tx.PendingInvitationForTrip("t1", "r1")
		if err != nil || got == nil || got.ID != "i1" {
			t.Fatalf("PendingInvitationForTrip = %+v err=%v", got, err)
		}
		// accepted invitations are not pending
		got, err = tx.PendingInvitationForTrip("t1", "r2")
		if err != nil || got != nil {
			t.Fatalf("accepted pair: got %+v err=%v, want nil", got, err)
		}
		pending, err := tx.PendingInvitationsForTrip("t1")
		if err != nil || len(pending) != 1 || pending[0].ID != "i1" {
			t.Fatalf("PendingInvitationsForTrip = %v err=%v", pending, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
}

func TestMemoryStore_ArrivalInsertAndCount(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	err := m.Atomically(ctx, func(tx Tx) error {
		if _, err := tx.Arrival("t1", "r1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("empty arrival: err = %v, want ErrNotFound", err)
		}
		if err := tx.InsertArrival(&models.ArrivalRecord{ID: "a1", TripID: "t1", RequestID: "r1", BlobRef: "b1"}); err != nil {
			return err
		}
		// visible inside the same unit
		a, err := tx.Arrival("t1", "r1")
		if err != nil || a.BlobRef != "b1" {
			t.Fatalf("staged arrival = %+v err=%v", a, err)
		}
		n, err := tx.ArrivalCountForTrip("t1")
		if err != nil || n != 1 {
			t.Fatalf("count = %d err=%v, want 1", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
	a, err := m.GetArrival(ctx, "t1", "r1")
	if err != nil || a.ID != "a1" {
		t.Fatalf("committed arrival = %+v err=%v", a, err)
	}
}

func TestMemoryStore_DueListings(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRequest(t, m, "r1", models.RequestRequested, memBase.Add(-time.Hour))
	seedRequest(t, m, "r2", models.RequestMatched, memBase.Add(-time.Minute))
	seedRequest(t, m, "r3", models.RequestRequested, memBase.Add(time.Hour)) // not due
	seedRequest(t, m, "r4", models.RequestCompleted, memBase.Add(-time.Hour))

	ids, err := m.DueRequests(ctx, memBase, 10)
	if err != nil {
		t.Fatalf("DueRequests: %v", err)
	}
	if len(ids) != 2 || ids[0] != "r1" || ids[1] != "r2" {
		t.Fatalf("due requests = %v, want [r1 r2]", ids)
	}

	// limit truncates the sorted listing
	ids, err = m.DueRequests(ctx, memBase, 1)
	if err != nil || len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("limited due requests = %v err=%v", ids, err)
	}

	err = m.Atomically(ctx, func(tx Tx) error {
		if err := tx.InsertInvitation(&models.Invitation{ID: "i1", TripID: "t1", RequestID: "r1", Status: models.InvitationPending, ExpiresAt: memBase.Add(-time.Minute)}); err != nil {
			return err
		}
		if err := tx.InsertInvitation(&models.Invitation{ID: "i2", TripID: "t1", RequestID: "r2", Status: models.InvitationExpired, ExpiresAt: memBase.Add(-time.Minute)}); err != nil {
			return err
		}
		if err := tx.InsertTrip(&models.Trip{ID: "t1", ProviderID: "d1", Capacity: 2, Status: models.TripOpen, ScheduledStartAt: memBase.Add(-time.Hour)}); err != nil {
			return err
		}
		return tx.InsertTrip(&models.Trip{ID: "t2", ProviderID: "d2", Capacity: 2, Status: models.TripCompleted, ScheduledStartAt: memBase.Add(-time.Hour)})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ids, err = m.DueInvitations(ctx, memBase, 10)
	if err != nil || len(ids) != 1 || ids[0] != "i1" {
		t.Fatalf("due invitations = %v err=%v, want [i1]", ids, err)
	}
	ids, err = m.DueTrips(ctx, memBase, 10)
	if err != nil || len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("due trips = %v err=%v, want [t1]", ids, err)
	}
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := m.Atomically(ctx, func(tx Tx) error { called = true; return nil })
	if err == nil || called {
		t.Fatalf("cancelled context: err=%v called=%v", err, called)
	}
}
