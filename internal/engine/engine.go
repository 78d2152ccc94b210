package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/pickup-matching/internal/blobstore"
	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/geo"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/storage"
)

// Service is the pickup matching and trip lifecycle engine. Every
// state-mutating operation runs as one atomic unit against the store and
// publishes the committed transitions afterwards.
type Service struct {
	Store  storage.Store
	Events events.Publisher
	Blobs  blobstore.Resolver
	Logger *slog.Logger

	Area geo.ServiceArea

	// CancelApprovalWindow: cancellations requested closer to pickup time
	// than this require explicit approval.
	CancelApprovalWindow time.Duration
	// GracePeriod: how long past its scheduled start an open trip is
	// tolerated before auto-expiry.
	GracePeriod time.Duration
	// MaxCapacity caps trip seat counts at the service level.
	MaxCapacity int
	// InvitationTTL optionally bounds invitation life below the trip's
	// scheduled start.
	InvitationTTL time.Duration
	// SweepBatch limits how many due entities one sweep tick processes
	// per entity type.
	SweepBatch int

	// Now is swappable for tests.
	Now func() time.Time
}

const (
	DefaultCancelApprovalWindow = time.Hour
	DefaultGracePeriod          = 30 * time.Minute
	DefaultMaxCapacity          = 3
	DefaultSweepBatch           = 100
)

func New(store storage.Store, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:                store,
		Events:               pub,
		Logger:               logger,
		CancelApprovalWindow: DefaultCancelApprovalWindow,
		GracePeriod:          DefaultGracePeriod,
		MaxCapacity:          DefaultMaxCapacity,
		SweepBatch:           DefaultSweepBatch,
		Now:                  time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

// emit publishes committed transitions. Publishing is at-least-once and
// best-effort per message; a failed publish is logged, never surfaced to
// the caller whose write already committed.
func (s *Service) emit(ctx context.Context, ts []events.Transition) {
	for _, t := range ts {
		if err := s.Events.Publish(ctx, t); err != nil {
			s.Logger.Error("transition publish failed",
				"entity_type", t.EntityType, "entity_id", t.EntityID, "error", err)
		}
	}
}

func requestTransition(r *models.PickupRequest) events.Transition {
	return events.Transition{
		EntityType: "request",
		EntityID:   r.ID,
		Status:     string(r.Status),
		OwnerIDs:   []string{r.RequesterID},
		Fields:     map[string]string{"stage": r.Stage.String()},
	}
}

func invitationTransition(inv *models.Invitation) events.Transition {
	return events.Transition{
		EntityType: "invitation",
		EntityID:   inv.ID,
		Status:     string(inv.Status),
		OwnerIDs:   []string{inv.ProviderID, inv.RequesterID},
		TripID:     inv.TripID,
		Fields:     map[string]string{"request_id": inv.RequestID},
	}
}

func tripTransition(t *models.Trip) events.Transition {
	return events.Transition{
		EntityType: "trip",
		EntityID:   t.ID,
		Status:     string(t.Status),
		OwnerIDs:   []string{t.ProviderID},
		TripID:     t.ID,
		Fields: map[string]string{
			"accepted_count": strconv.Itoa(t.AcceptedCount),
			"capacity":       strconv.Itoa(t.Capacity),
		},
	}
}

func participantTransition(p *models.TripParticipant) events.Transition {
	return events.Transition{
		EntityType: "participant",
		EntityID:   p.ID,
		Status:     string(p.Status),
		OwnerIDs:   []string{p.RequesterID},
		TripID:     p.TripID,
		Fields:     map[string]string{"request_id": p.RequestID, "met": strconv.FormatBool(p.Met)},
	}
}

// notFound maps the store sentinel to the typed engine error.
func notFound(err error, entity, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
