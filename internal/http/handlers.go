// Package httpapi exposes the dispatch engine over HTTP and websockets.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Engine *engine.Engine
	Kafka  *ingest.KafkaProducer
	WSReg  *dispatch.WSRegistry

	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(eng *engine.Engine, kp *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{Engine: eng, Kafka: kp, WSReg: wsreg, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/availability", s.handleAvailability).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/preferences", s.handlePreferences).Methods("PUT")
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationBody struct {
	DriverID   string       `json:"driver_id"`
	Loc        models.Coord `json:"loc"`
	RecordedAt time.Time    `json:"recorded_at"`
	Available  bool         `json:"available"`
}

// handleDriverLocation is the high-volume ingestion path. With Kafka
// configured the update goes onto the pipeline; without it the engine is
// updated in process.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var b locationBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "bad location payload", http.StatusBadRequest)
		return
	}
	if b.RecordedAt.IsZero() {
		b.RecordedAt = time.Now()
	}
	if s.Kafka != nil {
		u := ingest.LocationUpdate{DriverID: b.DriverID, Loc: b.Loc, RecordedAt: b.RecordedAt, Available: b.Available}
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Error("kafka publish failed", "driver_id", b.DriverID, "error", err)
			http.Error(w, "ingestion unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.Engine.SetDriverAvailability(r.Context(), b.DriverID, b.Available, b.Loc, b.RecordedAt); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var b struct {
		Available  bool         `json:"available"`
		Loc        models.Coord `json:"loc"`
		RecordedAt time.Time    `json:"recorded_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad availability payload", http.StatusBadRequest)
		return
	}
	if b.RecordedAt.IsZero() {
		b.RecordedAt = time.Now()
	}
	if err := s.Engine.SetDriverAvailability(r.Context(), driverID, b.Available, b.Loc, b.RecordedAt); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var b struct {
		AcceptExtendedArea bool `json:"accept_extended_area"`
		AcceptParcel       bool `json:"accept_parcel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad preferences payload", http.StatusBadRequest)
		return
	}
	s.Engine.SetDriverPreferences(driverID, b.AcceptExtendedArea, b.AcceptParcel)
	w.WriteHeader(http.StatusNoContent)
}

type createRequestBody struct {
	RiderID         string            `json:"rider_id"`
	Pickup          models.Coord      `json:"pickup"`
	Destination     models.Coord      `json:"destination"`
	Kind            models.RideKind   `json:"kind"`
	ParcelSize      models.ParcelSize `json:"parcel_size,omitempty"`
	ScheduledPickup *time.Time        `json:"scheduled_pickup,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var b createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad request payload", http.StatusBadRequest)
		return
	}
	if b.Kind == "" {
		b.Kind = models.KindRide
	}
	req, err := s.Engine.CreateRequest(r.Context(), b.RiderID, b.Pickup, b.Destination, b.Kind, b.ParcelSize, b.ScheduledPickup)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.GetRequest(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var b struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "bad accept payload", http.StatusBadRequest)
		return
	}
	m, err := s.Engine.AcceptRequest(r.Context(), requestID, b.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var b struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "bad reject payload", http.StatusBadRequest)
		return
	}
	s.Engine.RejectRequest(r.Context(), requestID, b.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var b struct {
		ActorID  string `json:"actor_id"`
		DriverID string `json:"driver_id,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad cancel payload", http.StatusBadRequest)
		return
	}
	if b.DriverID != "" {
		replacement, err := s.Engine.CancelMatch(r.Context(), requestID, b.DriverID, b.Reason)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"replacement": replacement})
		return
	}
	fee, err := s.Engine.CancelRequest(r.Context(), requestID, b.ActorID, b.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancellation_fee": fee})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var b struct {
		DriverID string  `json:"driver_id"`
		ActualKm float64 `json:"actual_km,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "bad complete payload", http.StatusBadRequest)
		return
	}
	final, err := s.Engine.CompleteTrip(r.Context(), requestID, b.DriverID, b.ActualKm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"final_fare": final})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidCoordinates):
		status = http.StatusBadRequest
	case errors.Is(err, broadcast.ErrOutOfServiceArea):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, broadcast.ErrNoDriversAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrDriverSuspended):
		status = http.StatusForbidden
	case errors.Is(err, arbiter.ErrAlreadyMatched),
		errors.Is(err, arbiter.ErrRequestClosed),
		errors.Is(err, arbiter.ErrDriverNotEligible),
		errors.Is(err, arbiter.ErrTooLate),
		errors.Is(err, engine.ErrInvalidTransition):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
