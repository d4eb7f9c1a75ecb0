package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

type Options struct {
	WSSendBuffer int
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	Engine *dispatch.Engine

	logger *slog.Logger
	opts   Options
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Engine: engine, logger: logger, opts: opts, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var in models.RideRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Engine.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, err, req)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type respondBody struct {
	DriverID string          `json:"driver_id"`
	Decision models.Decision `json:"decision"`
	Reason   string          `json:"reason"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Engine.Respond(r.Context(), mux.Vars(r)["id"], body.DriverID, body.Decision, body.Reason)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["id"], body.RiderID)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Engine.CompleteRide(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Engine.SetDriverAvailability(mux.Vars(r)["id"], body.Available); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), 503)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

type errorBody struct {
	Error   string              `json:"error"`
	Reason  string              `json:"reason,omitempty"`
	Request *models.RideRequest `json:"request,omitempty"`
}

// writeError maps typed dispatch rejections to HTTP statuses. req, when set,
// is echoed back so a rider sees the resolved record.
func (s *Server) writeError(w http.ResponseWriter, err error, req any) {
	status := statusFor(err)
	body := errorBody{Error: dispatch.KindName(err), Reason: dispatch.Reason(err)}
	noteRejection(w, body.Error, body.Reason)
	if rr, ok := req.(models.RideRequest); ok && rr.ID != "" {
		body.Request = &rr
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("dispatch_error", "error", err)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrNoDriversAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
