package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex. A transaction
// stages clones of whatever it touches and copies them back on commit,
// which gives the same serializability as the Postgres row locks: units
// run one at a time, and a failed unit leaves no trace.
type MemoryStore struct {
	mu           sync.Mutex
	requests     map[string]*models.PickupRequest
	invitations  map[string]*models.Invitation
	trips        map[string]*models.Trip
	participants map[string]*models.TripParticipant
	arrivals     map[string]*models.ArrivalRecord // keyed by tripID+"/"+requestID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:     make(map[string]*models.PickupRequest),
		invitations:  make(map[string]*models.Invitation),
		trips:        make(map[string]*models.Trip),
		participants: make(map[string]*models.TripParticipant),
		arrivals:     make(map[string]*models.ArrivalRecord),
	}
}

func arrivalKey(tripID, requestID string) string { return tripID + "/" + requestID }

func (m *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		store:        m,
		requests:     make(map[string]*models.PickupRequest),
		invitations:  make(map[string]*models.Invitation),
		trips:        make(map[string]*models.Trip),
		participants: make(map[string]*models.TripParticipant),
		arrivals:     make(map[string]*models.ArrivalRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes until commit. Reads prefer staged values so a unit
// observes its own writes.
type memTx struct {
	store        *MemoryStore
	requests     map[string]*models.PickupRequest
	invitations  map[string]*models.Invitation
	trips        map[string]*models.Trip
	participants map[string]*models.TripParticipant
	arrivals     map[string]*models.ArrivalRecord
}

func (t *memTx) commit() {
	for id, r := range t.requests {
		t.store.requests[id] = r
	}
	for id, inv := range t.invitations {
		t.store.invitations[id] = inv
	}
	for id, tr := range t.trips {
		t.store.trips[id] = tr
	}
	for id, p := range t.participants {
		t.store.participants[id] = p
	}
	for k, a := range t.arrivals {
		t.store.arrivals[k] = a
	}
}

func cloneRequest(r *models.PickupRequest) *models.PickupRequest {
	c := *r
	return &c
}

func cloneInvitation(i *models.Invitation) *models.Invitation {
	c := *i
	return &c
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	return &c
}

func cloneParticipant(p *models.TripParticipant) *models.TripParticipant {
	c := *p
	return &c
}

func (t *memTx) RequestForUpdate(id string) (*models.PickupRequest, error) {
	if r, ok := t.requests[id]; ok {
		return r, nil
	}
	r, ok := t.store.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneRequest(r)
	t.requests[id] = c
	return c, nil
}

func (t *memTx) TripForUpdate(id string) (*models.Trip, error) {
	if tr, ok := t.trips[id]; ok {
		return tr, nil
	}
	tr, ok := t.store.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneTrip(tr)
	t.trips[id] = c
	return c, nil
}

func (t *memTx) InvitationForUpdate(id string) (*models.Invitation, error) {
	if inv, ok := t.invitations[id]; ok {
		return inv, nil
	}
	inv, ok := t.store.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneInvitation(inv)
	t.invitations[id] = c
	return c, nil
}

func (t *memTx) ParticipantForUpdate(id string) (*models.TripParticipant, error) {
	if p, ok := t.participants[id]; ok {
		return p, nil
	}
	p, ok := t.store.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneParticipant(p)
	t.participants[id] = c
	return c, nil
}

func (t *memTx) LiveInvitationsForRequest(requestID string) ([]*models.Invitation, error) {
	seen := make(map[string]bool)
	var out []*models.Invitation
	for id, inv := range t.invitations {
		if inv.RequestID == requestID && inv.Status == models.InvitationPending {
			out = append(out, inv)
		}
		seen[id] = true
	}
	for id, inv := range t.store.invitations {
		if seen[id] || inv.RequestID != requestID || inv.Status != models.InvitationPending {
			continue
		}
		c := cloneInvitation(inv)
		t.invitations[id] = c
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) PendingInvitationForTrip(tripID, requestID string) (*models.Invitation, error) {
	for _, inv := range t.invitations {
		if inv.TripID == tripID && inv.RequestID == requestID && inv.Status == models.InvitationPending {
			return inv, nil
		}
	}
	for id, inv := range t.store.invitations {
		if _, staged := t.invitations[id]; staged {
			continue
		}
		if inv.TripID == tripID && inv.RequestID == requestID && inv.Status == models.InvitationPending {
			c := cloneInvitation(inv)
			t.invitations[id] = c
			return c, nil
		}
	}
	return nil, nil
}

func (t *memTx) PendingInvitationsForTrip(tripID string) ([]*models.Invitation, error) {
	seen := make(map[string]bool)
	var out []*models.Invitation
	for id, inv := range t.invitations {
		if inv.TripID == tripID && inv.Status == models.InvitationPending {
			out = append(out, inv)
		}
		seen[id] = true
	}
	for id, inv := range t.store.invitations {
		if seen[id] || inv.TripID != tripID || inv.Status != models.InvitationPending {
			continue
		}
		c := cloneInvitation(inv)
		t.invitations[id] = c
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ActiveParticipantForRequest(requestID string) (*models.TripParticipant, error) {
	for _, p := range t.participants {
		if p.RequestID == requestID && p.Status == models.ParticipantActive {
			return p, nil
		}
	}
	for id, p := range t.store.participants {
		if _, staged := t.participants[id]; staged {
			continue
		}
		if p.RequestID == requestID && p.Status == models.ParticipantActive {
			c := cloneParticipant(p)
			t.participants[id] = c
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ParticipantsForTrip(tripID string) ([]*models.TripParticipant, error) {
	seen := make(map[string]bool)
	var out []*models.TripParticipant
	for id, p := range t.participants {
		if p.TripID == tripID {
			out = append(out, p)
		}
		seen[id] = true
	}
	for id, p := range t.store.participants {
		if seen[id] || p.TripID != tripID {
			continue
		}
		c := cloneParticipant(p)
		t.participants[id] = c
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) ParticipantForRequest(tripID, requestID string) (*models.TripParticipant, error) {
	all, err := t.ParticipantsForTrip(tripID)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.RequestID == requestID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ActiveParticipantCount(tripID string) (int, error) {
	all, err := t.ParticipantsForTrip(tripID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range all {
		if p.Status == models.ParticipantActive {
			n++
		}
	}
	return n, nil
}

func (t *memTx) Arrival(tripID, requestID string) (*models.ArrivalRecord, error) {
	k := arrivalKey(tripID, requestID)
	if a, ok := t.arrivals[k]; ok {
		return a, nil
	}
	a, ok := t.store.arrivals[k]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	t.arrivals[k] = &c
	return &c, nil
}

func (t *memTx) ArrivalCountForTrip(tripID string) (int, error) {
	n := 0
	counted := make(map[string]bool)
	for k, a := range t.arrivals {
		if a.TripID == tripID {
			n++
		}
		counted[k] = true
	}
	for k, a := range t.store.arrivals {
		if !counted[k] && a.TripID == tripID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertRequest(r *models.PickupRequest) error {
	t.requests[r.ID] = cloneRequest(r)
	return nil
}

func (t *memTx) UpdateRequest(r *models.PickupRequest) error {
	t.requests[r.ID] = cloneRequest(r)
	return nil
}

func (t *memTx) InsertInvitation(inv *models.Invitation) error {
	t.invitations[inv.ID] = cloneInvitation(inv)
	return nil
}

func (t *memTx) UpdateInvitation(inv *models.Invitation) error {
	t.invitations[inv.ID] = cloneInvitation(inv)
	return nil
}

func (t *memTx) InsertTrip(tr *models.Trip) error {
	t.trips[tr.ID] = cloneTrip(tr)
	return nil
}

func (t *memTx) UpdateTrip(tr *models.Trip) error {
	t.trips[tr.ID] = cloneTrip(tr)
	return nil
}

func (t *memTx) InsertParticipant(p *models.TripParticipant) error {
	t.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (t *memTx) UpdateParticipant(p *models.TripParticipant) error {
	t.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (t *memTx) InsertArrival(a *models.ArrivalRecord) error {
	c := *a
	t.arrivals[arrivalKey(a.TripID, a.RequestID)] = &c
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.PickupRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemoryStore) GetInvitation(ctx context.Context, id string) (*models.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvitation(inv), nil
}

func (m *MemoryStore) GetArrival(ctx context.Context, tripID, requestID string) (*models.ArrivalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arrivals[arrivalKey(tripID, requestID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) TripParticipants(ctx context.Context, tripID string) ([]*models.TripParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TripParticipant
	for _, p := range m.participants {
		if p.TripID == tripID {
			out = append(out, cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) DueRequests(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.requests {
		switch r.Status {
		case models.RequestRequested, models.RequestMatched, models.RequestCancelRequested:
			if r.PickupTime.Before(before) {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return capIDs(ids, limit), nil
}

func (m *MemoryStore) DueInvitations(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, inv := range m.invitations {
		if inv.Status == models.InvitationPending && inv.ExpiresAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return capIDs(ids, limit), nil
}

func (m *MemoryStore) DueTrips(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.trips {
		if t.Status == models.TripOpen && t.ScheduledStartAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return capIDs(ids, limit), nil
}

func capIDs(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}
