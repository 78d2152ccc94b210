package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/storage"
)

// Row locks on the SQL path are acquired invitation first, then trip,
// then request. sqlmock checks expectations in order, so a swapped
// acquisition fails the test.
func TestAcceptInvitation_RowLockOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := storage.NewPostgresStoreFromDB(db)
	s := New(store, events.NopPublisher{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	s.Now = func() time.Time { return base }

	invCols := []string{"id", "trip_id", "request_id", "provider_id", "requester_id", "status", "created_at", "expires_at", "responded_at"}
	tripCols := []string{"id", "provider_id", "capacity", "accepted_count", "locked", "status",
		"scheduled_start_at", "start_at", "arrived_at", "completed_at", "created_at", "updated_at"}
	reqCols := []string{"id", "requester_id", "pickup_time", "origin_lat", "origin_lon", "origin_text",
		"dest_lat", "dest_lon", "dest_text", "status", "stage",
		"cancel_requested_at", "cancel_approved_at", "cancel_approved_by", "cancel_reason", "cancel_reason_text",
		"created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM invitations WHERE id=\$1 FOR UPDATE`).
		WithArgs("i1").
		WillReturnRows(sqlmock.NewRows(invCols).
			AddRow("i1", "t1", "r1", "driver-1", "parent-1", "PENDING", base, base.Add(time.Hour), nil))
	mock.ExpectQuery(`SELECT (.+) FROM trips WHERE id=\$1 FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tripCols).
			AddRow("t1", "driver-1", 2, 0, false, "OPEN", base.Add(time.Hour), nil, nil, nil, base, base))
	mock.ExpectQuery(`SELECT (.+) FROM pickup_requests WHERE id=\$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(reqCols).
			AddRow("r1", "parent-1", base.Add(time.Hour), 1.0, 1.0, "", 2.0, 2.0, "", "REQUESTED", 0,
				nil, nil, nil, nil, nil, base, base))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM trip_participants`).
		WithArgs("t1", "ACTIVE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE invitations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM invitations WHERE request_id=\$1`).
		WithArgs("r1", "PENDING").
		WillReturnRows(sqlmock.NewRows(invCols))
	mock.ExpectQuery(`SELECT (.+) FROM trip_participants WHERE trip_id=\$1 ORDER BY seq FOR UPDATE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO trip_participants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pickup_requests`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE trips`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := s.AcceptInvitation(context.Background(), "i1", "parent-1")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if out.Status != "ACCEPTED" {
		t.Fatalf("status = %s, want ACCEPTED", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
