package engine

import (
	"context"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// Pure due-decision helpers. The sweep and the lazy read-triggered checks
// both route the actual transition through the ExpireXIfDue functions, so
// the authoritative "still expirable" check always happens inside the
// atomic unit.

// RequestDue reports whether a request has crossed its pickup time while
// still in an expirable state.
func RequestDue(r *models.PickupRequest, now time.Time) bool {
	switch r.Status {
	case models.RequestRequested, models.RequestMatched, models.RequestCancelRequested:
		return now.After(r.PickupTime)
	}
	return false
}

// InvitationDue reports whether a pending invitation has outlived its
// deadline.
func InvitationDue(inv *models.Invitation, now time.Time) bool {
	return inv.Status == models.InvitationPending && now.After(inv.ExpiresAt)
}

// TripDue reports whether an open trip has missed its scheduled start by
// more than the grace period.
func TripDue(t *models.Trip, now time.Time, grace time.Duration) bool {
	return t.Status == models.TripOpen && now.After(t.ScheduledStartAt.Add(grace))
}

// SweepStats counts one sweep tick's work.
type SweepStats struct {
	RequestsExpired    int
	InvitationsExpired int
	TripsExpired       int
	Errors             int
}

// SweepDue expires every due request, invitation and trip, up to
// SweepBatch of each per tick. Individual failures are logged and left
// for the next tick; they never abort the sweep.
func (s *Service) SweepDue(ctx context.Context, now time.Time) SweepStats {
	var stats SweepStats
	batch := s.SweepBatch
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	if ids, err := s.Store.DueInvitations(ctx, now, batch); err != nil {
		stats.Errors++
		s.Logger.Error("sweep: list due invitations", "error", err)
	} else {
		for _, id := range ids {
			changed, err := s.ExpireInvitationIfDue(ctx, id, now)
			if err != nil {
				stats.Errors++
				s.Logger.Error("sweep: expire invitation", "invitation_id", id, "error", err)
				continue
			}
			if changed {
				stats.InvitationsExpired++
			}
		}
	}

	if ids, err := s.Store.DueRequests(ctx, now, batch); err != nil {
		stats.Errors++
		s.Logger.Error("sweep: list due requests", "error", err)
	} else {
		for _, id := range ids {
			changed, err := s.ExpireRequestIfDue(ctx, id, now)
			if err != nil {
				stats.Errors++
				s.Logger.Error("sweep: expire request", "request_id", id, "error", err)
				continue
			}
			if changed {
				stats.RequestsExpired++
			}
		}
	}

	before := now.Add(-s.GracePeriod)
	if ids, err := s.Store.DueTrips(ctx, before, batch); err != nil {
		stats.Errors++
		s.Logger.Error("sweep: list due trips", "error", err)
	} else {
		for _, id := range ids {
			changed, err := s.ExpireTripIfDue(ctx, id, now)
			if err != nil {
				stats.Errors++
				s.Logger.Error("sweep: expire trip", "trip_id", id, "error", err)
				continue
			}
			if changed {
				stats.TripsExpired++
			}
		}
	}
	return stats
}
