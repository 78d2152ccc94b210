package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus is the lifecycle state of a pickup request.
type RequestStatus string

const (
	RequestRequested       RequestStatus = "REQUESTED"
	RequestMatched         RequestStatus = "MATCHED"
	RequestInProgress      RequestStatus = "IN_PROGRESS"
	RequestCompleted       RequestStatus = "COMPLETED"
	RequestCancelRequested RequestStatus = "CANCEL_REQUESTED"
	RequestCancelled       RequestStatus = "CANCELLED"
	RequestExpired         RequestStatus = "EXPIRED"
)

// Terminal reports whether no further transition is legal from s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestCancelled, RequestExpired:
		return true
	}
	return false
}

// ProgressStage is the sub-state of a matched request's journey.
// Values are ordered; a request's stage only ever increases.
type ProgressStage int

const (
	StageNone     ProgressStage = 0
	StageMatched  ProgressStage = 1
	StageStarted  ProgressStage = 2
	StagePickedUp ProgressStage = 3
	StageArrived  ProgressStage = 4
)

func (p ProgressStage) String() string {
	switch p {
	case StageMatched:
		return "MATCHED"
	case StageStarted:
		return "STARTED"
	case StagePickedUp:
		return "PICKED_UP"
	case StageArrived:
		return "ARRIVED"
	}
	return "NONE"
}

// CancelReason tags why a request was cancelled, decided at transition
// time rather than inferred later from timestamps.
type CancelReason string

const (
	ReasonNoShow CancelReason = "NO_SHOW"
	ReasonCancel CancelReason = "CANCEL"
	ReasonOther  CancelReason = "OTHER"
)

func ValidCancelReason(r CancelReason) bool {
	switch r {
	case ReasonNoShow, ReasonCancel, ReasonOther:
		return true
	}
	return false
}

// PickupRequest is one child's ride need for a specific time and route.
type PickupRequest struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	PickupTime  time.Time     `json:"pickup_time"`
	Origin      Coord         `json:"origin"`
	OriginText  string        `json:"origin_text"`
	Dest        Coord         `json:"dest"`
	DestText    string        `json:"dest_text"`
	Status      RequestStatus `json:"status"`
	Stage       ProgressStage `json:"stage"`

	CancelRequestedAt *time.Time   `json:"cancel_requested_at,omitempty"`
	CancelApprovedAt  *time.Time   `json:"cancel_approved_at,omitempty"`
	CancelApprovedBy  string       `json:"cancel_approved_by,omitempty"`
	CancelReason      CancelReason `json:"cancel_reason,omitempty"`
	CancelReasonText  string       `json:"cancel_reason_text,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdvanceStage raises the progress stage, never lowering it.
func (r *PickupRequest) AdvanceStage(s ProgressStage) {
	if s > r.Stage {
		r.Stage = s
	}
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRejected InvitationStatus = "REJECTED"
	// InvitationSuperseded marks a pending invitation closed because a
	// sibling invitation for the same request was accepted.
	InvitationSuperseded InvitationStatus = "SUPERSEDED"
	InvitationExpired    InvitationStatus = "EXPIRED"
)

func (s InvitationStatus) Terminal() bool { return s != InvitationPending }

// Invitation is an offer from one trip (and its provider) to one pickup
// request. RequesterID is denormalized so the responder can be authorized
// without loading the request.
type Invitation struct {
	ID          string           `json:"id"`
	TripID      string           `json:"trip_id"`
	RequestID   string           `json:"request_id"`
	ProviderID  string           `json:"provider_id"`
	RequesterID string           `json:"requester_id"`
	Status      InvitationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// Live reports whether the invitation can still be responded to at now.
func (i *Invitation) Live(now time.Time) bool {
	return i.Status == InvitationPending && now.Before(i.ExpiresAt)
}

type TripStatus string

const (
	TripOpen       TripStatus = "OPEN"
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
	TripExpired    TripStatus = "EXPIRED"
)

func (s TripStatus) Terminal() bool {
	switch s {
	case TripCompleted, TripCancelled, TripExpired:
		return true
	}
	return false
}

// Trip is a provider-run carpool session with fixed seat capacity.
// AcceptedCount is derived from active participants and is recomputed
// inside the same atomic unit as any write that depends on it.
type Trip struct {
	ID               string     `json:"id"`
	ProviderID       string     `json:"provider_id"`
	Capacity         int        `json:"capacity"`
	AcceptedCount    int        `json:"accepted_count"`
	Locked           bool       `json:"locked"`
	Status           TripStatus `json:"status"`
	ScheduledStartAt time.Time  `json:"scheduled_start_at"`
	StartAt          *time.Time `json:"start_at,omitempty"`
	ArrivedAt        *time.Time `json:"arrived_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "ACTIVE"
	ParticipantCancelled ParticipantStatus = "CANCELLED"
)

// TripParticipant joins an accepted request into a trip. Its Met flag is
// the sole precondition gating the trip's departure.
type TripParticipant struct {
	ID          string            `json:"id"`
	TripID      string            `json:"trip_id"`
	RequestID   string            `json:"request_id"`
	RequesterID string            `json:"requester_id"`
	Met         bool              `json:"met"`
	Seq         int               `json:"seq"`
	Status      ParticipantStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ArrivalRecord is one evidentiary record that a participant reached the
// destination. At most one exists per (trip, request) pair.
type ArrivalRecord struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	RequestID string    `json:"request_id"`
	BlobRef   string    `json:"blob_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// RosterCancellation resolves one unmet participant at departure time.
type RosterCancellation struct {
	ParticipantID string       `json:"participant_id"`
	Reason        CancelReason `json:"reason"`
	ReasonText    string       `json:"reason_text"`
}
