package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/storage"
)

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// capturePublisher records every published transition for assertions.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []events.Transition
}

func (p *capturePublisher) Publish(ctx context.Context, t events.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, t)
	return nil
}

func (p *capturePublisher) statuses(entityType string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if m.EntityType == entityType {
			out = append(out, m.Status)
		}
	}
	return out
}

func testService(t *testing.T) (*Service, *storage.MemoryStore, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(store, pub, logger)
	s.Now = func() time.Time { return base }
	return s, store, pub
}

func mustRequest(t *testing.T, s *Service, requester string, pickup time.Time) *models.PickupRequest {
	t.Helper()
	r, err := s.CreateRequest(context.Background(), requester, pickup,
		models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}, "school", "home")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return r
}

func mustTrip(t *testing.T, s *Service, provider string, start time.Time, capacity int) *models.Trip {
	t.Helper()
	trip, err := s.CreateTrip(context.Background(), provider, start, capacity)
	if err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	return trip
}

func mustInvite(t *testing.T, s *Service, tripID, requestID, provider string) *models.Invitation {
	t.Helper()
	inv, err := s.SendInvitation(context.Background(), tripID, requestID, provider)
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	return inv
}

func mustAccept(t *testing.T, s *Service, invitationID, requester string) *models.Invitation {
	t.Helper()
	inv, err := s.AcceptInvitation(context.Background(), invitationID, requester)
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	return inv
}

// matchRequest walks one request through invite+accept onto the trip and
// returns the participant created for it.
func matchRequest(t *testing.T, s *Service, trip *models.Trip, r *models.PickupRequest) *models.TripParticipant {
	t.Helper()
	inv := mustInvite(t, s, trip.ID, r.ID, trip.ProviderID)
	mustAccept(t, s, inv.ID, r.RequesterID)
	parts, err := s.Store.TripParticipants(context.Background(), trip.ID)
	if err != nil {
		t.Fatalf("TripParticipants: %v", err)
	}
	for _, p := range parts {
		if p.RequestID == r.ID && p.Status == models.ParticipantActive {
			return p
		}
	}
	t.Fatalf("no active participant for request %s", r.ID)
	return nil
}

func getRequest(t *testing.T, s *Service, id string) *models.PickupRequest {
	t.Helper()
	r, err := s.Store.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	return r
}

func getTrip(t *testing.T, s *Service, id string) *models.Trip {
	t.Helper()
	trip, err := s.Store.GetTrip(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	return trip
}

func getInvitation(t *testing.T, s *Service, id string) *models.Invitation {
	t.Helper()
	inv, err := s.Store.GetInvitation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInvitation: %v", err)
	}
	return inv
}
