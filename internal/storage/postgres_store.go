package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/pickup-matching/internal/models"
)

// PostgresStore implements Store on plain database/sql. Atomic units map
// to transactions; every ...ForUpdate read takes a row lock so concurrent
// units touching the same trip or request serialize at the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle; used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// maxTxAttempts bounds retries of units aborted by the deadlock detector.
const maxTxAttempts = 3

func (p *PostgresStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = p.runUnit(ctx, fn)
		if !retryableTxError(err) {
			return err
		}
	}
	return err
}

func (p *PostgresStore) runUnit(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	t := &pgTx{tx: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// retryableTxError reports whether the unit was aborted by Postgres
// itself rather than failing on its own terms. 40001 is
// serialization_failure, 40P01 deadlock_detected.
func retryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgTx struct {
	tx *sql.Tx
}

const requestCols = `id, requester_id, pickup_time, origin_lat, origin_lon, origin_text,
	dest_lat, dest_lon, dest_text, status, stage,
	cancel_requested_at, cancel_approved_at, cancel_approved_by, cancel_reason, cancel_reason_text,
	created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.PickupRequest, error) {
	var r models.PickupRequest
	var cancelReqAt, cancelAppAt sql.NullTime
	var cancelBy, cancelReason, cancelText sql.NullString
	err := row.Scan(&r.ID, &r.RequesterID, &r.PickupTime, &r.Origin.Lat, &r.Origin.Lon, &r.OriginText,
		&r.Dest.Lat, &r.Dest.Lon, &r.DestText, &r.Status, &r.Stage,
		&cancelReqAt, &cancelAppAt, &cancelBy, &cancelReason, &cancelText,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cancelReqAt.Valid {
		r.CancelRequestedAt = &cancelReqAt.Time
	}
	if cancelAppAt.Valid {
		r.CancelApprovedAt = &cancelAppAt.Time
	}
	r.CancelApprovedBy = cancelBy.String
	r.CancelReason = models.CancelReason(cancelReason.String)
	r.CancelReasonText = cancelText.String
	return &r, nil
}

func (t *pgTx) RequestForUpdate(id string) (*models.PickupRequest, error) {
	row := t.tx.QueryRow(`SELECT `+requestCols+` FROM pickup_requests WHERE id=$1 FOR UPDATE`, id)
	return scanRequest(row)
}

const tripCols = `id, provider_id, capacity, accepted_count, locked, status,
	scheduled_start_at, start_at, arrived_at, completed_at, created_at, updated_at`

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	var tr models.Trip
	var startAt, arrivedAt, completedAt sql.NullTime
	err := row.Scan(&tr.ID, &tr.ProviderID, &tr.Capacity, &tr.AcceptedCount, &tr.Locked, &tr.Status,
		&tr.ScheduledStartAt, &startAt, &arrivedAt, &completedAt, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if startAt.Valid {
		tr.StartAt = &startAt.Time
	}
	if arrivedAt.Valid {
		tr.ArrivedAt = &arrivedAt.Time
	}
	if completedAt.Valid {
		tr.CompletedAt = &completedAt.Time
	}
	return &tr, nil
}

func (t *pgTx) TripForUpdate(id string) (*models.Trip, error) {
	row := t.tx.QueryRow(`SELECT `+tripCols+` FROM trips WHERE id=$1 FOR UPDATE`, id)
	return scanTrip(row)
}

const invitationCols = `id, trip_id, request_id, provider_id, requester_id, status, created_at, expires_at, responded_at`

func scanInvitation(row interface{ Scan(...any) error }) (*models.Invitation, error) {
	var inv models.Invitation
	var respondedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.TripID, &inv.RequestID, &inv.ProviderID, &inv.RequesterID,
		&inv.Status, &inv.CreatedAt, &inv.ExpiresAt, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		inv.RespondedAt = &respondedAt.Time
	}
	return &inv, nil
}

func (t *pgTx) InvitationForUpdate(id string) (*models.Invitation, error) {
	row := t.tx.QueryRow(`SELECT `+invitationCols+` FROM invitations WHERE id=$1 FOR UPDATE`, id)
	return scanInvitation(row)
}

const participantCols = `id, trip_id, request_id, requester_id, met, seq, status, created_at`

func scanParticipant(row interface{ Scan(...any) error }) (*models.TripParticipant, error) {
	var p models.TripParticipant
	err := row.Scan(&p.ID, &p.TripID, &p.RequestID, &p.RequesterID, &p.Met, &p.Seq, &p.Status, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) ParticipantForUpdate(id string) (*models.TripParticipant, error) {
	row := t.tx.QueryRow(`SELECT `+participantCols+` FROM trip_participants WHERE id=$1 FOR UPDATE`, id)
	return scanParticipant(row)
}

func (t *pgTx) LiveInvitationsForRequest(requestID string) ([]*models.Invitation, error) {
	rows, err := t.tx.Query(`SELECT `+invitationCols+` FROM invitations
		WHERE request_id=$1 AND status=$2 ORDER BY id FOR UPDATE`, requestID, models.InvitationPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *pgTx) PendingInvitationForTrip(tripID, requestID string) (*models.Invitation, error) {
	row := t.tx.QueryRow(`SELECT `+invitationCols+` FROM invitations
		WHERE trip_id=$1 AND request_id=$2 AND status=$3 LIMIT 1 FOR UPDATE`,
		tripID, requestID, models.InvitationPending)
	inv, err := scanInvitation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return inv, err
}

func (t *pgTx) PendingInvitationsForTrip(tripID string) ([]*models.Invitation, error) {
	rows, err := t.tx.Query(`SELECT `+invitationCols+` FROM invitations
		WHERE trip_id=$1 AND status=$2 ORDER BY id FOR UPDATE`, tripID, models.InvitationPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *pgTx) ActiveParticipantForRequest(requestID string) (*models.TripParticipant, error) {
	row := t.tx.QueryRow(`SELECT `+participantCols+` FROM trip_participants
		WHERE request_id=$1 AND status=$2 LIMIT 1`, requestID, models.ParticipantActive)
	return scanParticipant(row)
}

func (t *pgTx) ParticipantsForTrip(tripID string) ([]*models.TripParticipant, error) {
	rows, err := t.tx.Query(`SELECT `+participantCols+` FROM trip_participants
		WHERE trip_id=$1 ORDER BY seq FOR UPDATE`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TripParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) ParticipantForRequest(tripID, requestID string) (*models.TripParticipant, error) {
	row := t.tx.QueryRow(`SELECT `+participantCols+` FROM trip_participants
		WHERE trip_id=$1 AND request_id=$2 FOR UPDATE`, tripID, requestID)
	return scanParticipant(row)
}

func (t *pgTx) ActiveParticipantCount(tripID string) (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM trip_participants WHERE trip_id=$1 AND status=$2`,
		tripID, models.ParticipantActive).Scan(&n)
	return n, err
}

func (t *pgTx) Arrival(tripID, requestID string) (*models.ArrivalRecord, error) {
	var a models.ArrivalRecord
	err := t.tx.QueryRow(`SELECT id, trip_id, request_id, blob_ref, created_at FROM arrival_records
		WHERE trip_id=$1 AND request_id=$2`, tripID, requestID).
		Scan(&a.ID, &a.TripID, &a.RequestID, &a.BlobRef, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) ArrivalCountForTrip(tripID string) (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM arrival_records WHERE trip_id=$1`, tripID).Scan(&n)
	return n, err
}

func (t *pgTx) InsertRequest(r *models.PickupRequest) error {
	_, err := t.tx.Exec(`INSERT INTO pickup_requests(`+requestCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.RequesterID, r.PickupTime, r.Origin.Lat, r.Origin.Lon, r.OriginText,
		r.Dest.Lat, r.Dest.Lon, r.DestText, r.Status, r.Stage,
		r.CancelRequestedAt, r.CancelApprovedAt, nullStr(r.CancelApprovedBy),
		nullStr(string(r.CancelReason)), nullStr(r.CancelReasonText),
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) UpdateRequest(r *models.PickupRequest) error {
	_, err := t.tx.Exec(`UPDATE pickup_requests SET status=$2, stage=$3,
		cancel_requested_at=$4, cancel_approved_at=$5, cancel_approved_by=$6,
		cancel_reason=$7, cancel_reason_text=$8, updated_at=$9 WHERE id=$1`,
		r.ID, r.Status, r.Stage, r.CancelRequestedAt, r.CancelApprovedAt,
		nullStr(r.CancelApprovedBy), nullStr(string(r.CancelReason)), nullStr(r.CancelReasonText),
		r.UpdatedAt)
	return err
}

func (t *pgTx) InsertInvitation(inv *models.Invitation) error {
	_, err := t.tx.Exec(`INSERT INTO invitations(`+invitationCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		inv.ID, inv.TripID, inv.RequestID, inv.ProviderID, inv.RequesterID,
		inv.Status, inv.CreatedAt, inv.ExpiresAt, inv.RespondedAt)
	return err
}

func (t *pgTx) UpdateInvitation(inv *models.Invitation) error {
	_, err := t.tx.Exec(`UPDATE invitations SET status=$2, responded_at=$3 WHERE id=$1`,
		inv.ID, inv.Status, inv.RespondedAt)
	return err
}

func (t *pgTx) InsertTrip(tr *models.Trip) error {
	_, err := t.tx.Exec(`INSERT INTO trips(`+tripCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tr.ID, tr.ProviderID, tr.Capacity, tr.AcceptedCount, tr.Locked, tr.Status,
		tr.ScheduledStartAt, tr.StartAt, tr.ArrivedAt, tr.CompletedAt, tr.CreatedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) UpdateTrip(tr *models.Trip) error {
	_, err := t.tx.Exec(`UPDATE trips SET accepted_count=$2, locked=$3, status=$4,
		start_at=$5, arrived_at=$6, completed_at=$7, updated_at=$8 WHERE id=$1`,
		tr.ID, tr.AcceptedCount, tr.Locked, tr.Status,
		tr.StartAt, tr.ArrivedAt, tr.CompletedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) InsertParticipant(p *models.TripParticipant) error {
	_, err := t.tx.Exec(`INSERT INTO trip_participants(`+participantCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.TripID, p.RequestID, p.RequesterID, p.Met, p.Seq, p.Status, p.CreatedAt)
	return err
}

func (t *pgTx) UpdateParticipant(p *models.TripParticipant) error {
	_, err := t.tx.Exec(`UPDATE trip_participants SET met=$2, status=$3 WHERE id=$1`,
		p.ID, p.Met, p.Status)
	return err
}

func (t *pgTx) InsertArrival(a *models.ArrivalRecord) error {
	_, err := t.tx.Exec(`INSERT INTO arrival_records(id, trip_id, request_id, blob_ref, created_at)
		VALUES($1,$2,$3,$4,$5)`,
		a.ID, a.TripID, a.RequestID, a.BlobRef, a.CreatedAt)
	return err
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.PickupRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestCols+` FROM pickup_requests WHERE id=$1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id=$1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) GetInvitation(ctx context.Context, id string) (*models.Invitation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invitationCols+` FROM invitations WHERE id=$1`, id)
	return scanInvitation(row)
}

func (p *PostgresStore) GetArrival(ctx context.Context, tripID, requestID string) (*models.ArrivalRecord, error) {
	var a models.ArrivalRecord
	err := p.db.QueryRowContext(ctx, `SELECT id, trip_id, request_id, blob_ref, created_at
		FROM arrival_records WHERE trip_id=$1 AND request_id=$2`, tripID, requestID).
		Scan(&a.ID, &a.TripID, &a.RequestID, &a.BlobRef, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) TripParticipants(ctx context.Context, tripID string) ([]*models.TripParticipant, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+participantCols+` FROM trip_participants
		WHERE trip_id=$1 ORDER BY seq`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TripParticipant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DueRequests(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, `SELECT id FROM pickup_requests
		WHERE status IN ($1,$2,$3) AND pickup_time < $4 ORDER BY pickup_time LIMIT $5`,
		models.RequestRequested, models.RequestMatched, models.RequestCancelRequested, before, limit)
}

func (p *PostgresStore) DueInvitations(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, `SELECT id FROM invitations
		WHERE status=$1 AND expires_at < $2 ORDER BY expires_at LIMIT $3`,
		models.InvitationPending, before, limit)
}

func (p *PostgresStore) DueTrips(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, `SELECT id FROM trips
		WHERE status=$1 AND scheduled_start_at < $2 ORDER BY scheduled_start_at LIMIT $3`,
		models.TripOpen, before, limit)
}

func (p *PostgresStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
