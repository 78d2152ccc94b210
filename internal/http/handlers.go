package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pickup-matching/internal/blobstore"
	"github.com/example/pickup-matching/internal/config"
	"github.com/example/pickup-matching/internal/engine"
	"github.com/example/pickup-matching/internal/events"
	"github.com/example/pickup-matching/internal/geo"
	"github.com/example/pickup-matching/internal/logging"
	"github.com/example/pickup-matching/internal/models"
	"github.com/example/pickup-matching/internal/storage"
)

type Server struct {
	Engine *engine.Service
	Store  storage.Store
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Service, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Engine: eng, Store: store, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the engine from environment configuration.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	return NewServerFromConfig(cfg)
}

// NewServerFromConfig wires the engine from a loaded configuration with
// sensible fallbacks: Postgres when PG_DSN is set, otherwise the memory
// store; Kafka when brokers are configured, otherwise a nop publisher.
func NewServerFromConfig(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var pub events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	eng := engine.New(store, pub, logger)
	eng.Area = geo.ServiceArea{Center: models.Coord{Lat: cfg.AreaCenterLat, Lon: cfg.AreaCenterLon}, RadiusM: cfg.AreaRadiusM}
	eng.CancelApprovalWindow = cfg.CancelApprovalWindow
	eng.GracePeriod = cfg.GracePeriod
	eng.MaxCapacity = cfg.MaxTripCapacity
	eng.InvitationTTL = cfg.InvitationTTL
	if cfg.BlobEndpoint != "" {
		eng.Blobs = blobstore.NewHTTPResolver(cfg.BlobEndpoint)
	}

	return NewServer(eng, store, logger), nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/cancel", s.handleRequestCancellation).Methods("POST")
	api.HandleFunc("/requests/{id}/approve-cancel", s.handleApproveCancellation).Methods("POST")

	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/invitations", s.handleSendInvitation).Methods("POST")
	api.HandleFunc("/trips/{id}/participants/{participant_id}/met", s.handleMarkMet).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/arrivals", s.handleRecordArrival).Methods("POST")
	api.HandleFunc("/trips/{id}/arrivals/{request_id}/photo", s.handleArrivalPhoto).Methods("GET")

	api.HandleFunc("/invitations/{id}/accept", s.handleAcceptInvitation).Methods("POST")
	api.HandleFunc("/invitations/{id}/reject", s.handleRejectInvitation).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actor returns the profile id resolved upstream by the identity
// provider. The core does no authentication, only authorization.
func actor(r *http.Request) string { return r.Header.Get("X-Profile-ID") }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	act := actor(r)
	if act == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing X-Profile-ID")
		return
	}
	var in struct {
		PickupTime time.Time    `json:"pickup_time"`
		Origin     models.Coord `json:"origin"`
		OriginText string       `json:"origin_text"`
		Dest       models.Coord `json:"dest"`
		DestText   string       `json:"dest_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.Engine.CreateRequest(r.Context(), act, in.PickupTime, in.Origin, in.Dest, in.OriginText, in.DestText)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "request not found")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestCancellation(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.RequestCancellation(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApproveCancellation(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.ApproveCancellation(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	act := actor(r)
	if act == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing X-Profile-ID")
		return
	}
	var in struct {
		ScheduledStartAt time.Time `json:"scheduled_start_at"`
		Capacity         int       `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	trip, err := s.Engine.CreateTrip(r.Context(), act, in.ScheduledStartAt, in.Capacity)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trip, err := s.Store.GetTrip(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "trip not found")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	parts, err := s.Store.TripParticipants(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": trip, "participants": parts})
}

func (s *Server) handleSendInvitation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := s.Engine.SendInvitation(r.Context(), mux.Vars(r)["id"], in.RequestID, actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Engine.AcceptInvitation(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleRejectInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Engine.RejectInvitation(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleMarkMet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.Engine.MarkParticipantMet(r.Context(), vars["id"], vars["participant_id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Cancellations []models.RosterCancellation `json:"cancellations"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	trip, err := s.Engine.StartTrip(r.Context(), mux.Vars(r)["id"], actor(r), in.Cancellations)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Engine.CancelTrip(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleRecordArrival(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestID string `json:"request_id"`
		BlobRef   string `json:"blob_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Engine.RecordArrival(r.Context(), mux.Vars(r)["id"], in.RequestID, actor(r), in.BlobRef)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleArrivalPhoto(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	url, err := s.Engine.ArrivalPhotoURL(r.Context(), vars["id"], vars["request_id"], actor(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// writeEngineError maps the engine's typed errors to HTTP statuses. The
// typed error, not the message text, is the contract; messages here are
// for operators, the application localizes its own.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation *engine.ValidationError
		notFoundE  *engine.NotFoundError
		authz      *engine.AuthorizationError
		invState   *engine.InvalidStateError
		policy     *engine.PolicyViolationError
		capacity   *engine.CapacityExceededError
		responded  *engine.AlreadyRespondedError
		duplicate  *engine.DuplicateArrivalError
		notLocked  *engine.TripNotLockedError
		roster     *engine.IncompleteRosterError
	)
	switch {
	case errors.As(err, &validation):
		writeJSONErrorCode(w, http.StatusBadRequest, "validation", err.Error())
	case errors.As(err, &notFoundE):
		writeJSONErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &authz):
		writeJSONErrorCode(w, http.StatusForbidden, "authorization", err.Error())
	case errors.As(err, &invState):
		writeJSONErrorCode(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &policy):
		writeJSONErrorCode(w, http.StatusUnprocessableEntity, "policy_violation", err.Error())
	case errors.As(err, &capacity):
		writeJSONErrorCode(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.As(err, &responded):
		writeJSONErrorCode(w, http.StatusConflict, "already_responded", err.Error())
	case errors.As(err, &duplicate):
		writeJSONErrorCode(w, http.StatusConflict, "duplicate_arrival", err.Error())
	case errors.As(err, &notLocked):
		writeJSONErrorCode(w, http.StatusConflict, "trip_not_locked", err.Error())
	case errors.As(err, &roster):
		writeJSONErrorCode(w, http.StatusUnprocessableEntity, "incomplete_roster", err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeJSONErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}
