// Package ops is the operational HTTP surface: liveness, metrics, and the
// engine kill switch. It is not a dashboard API.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/exitmanager"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/store"
)

// Pinger reports storage connectivity. Satisfied by pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes /healthz, /metrics, and the control endpoints.
type Server struct {
	httpServer *http.Server
	db         Pinger
	positions  *store.PositionStore
	manager    *exitmanager.Manager
	startTime  time.Time
}

// NewServer creates the ops server on addr.
func NewServer(addr string, db Pinger, positions *store.PositionStore, manager *exitmanager.Manager) *Server {
	s := &Server{
		db:        db,
		positions: positions,
		manager:   manager,
		startTime: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/control/mode", s.handleSetMode).Methods(http.MethodPost)
	r.HandleFunc("/control/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status        string            `json:"status"`
	Mode          string            `json:"mode"`
	OpenLots      int               `json:"open_lots"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Timestamp     time.Time         `json:"timestamp"`
	Checks        map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Mode:          s.manager.Mode(),
		OpenLots:      len(s.positions.List()),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Timestamp:     time.Now(),
		Checks:        map[string]string{"database": "ok"},
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	switch req.Mode {
	case exitmanager.ControlRunning, exitmanager.ControlPauseProfit, exitmanager.ControlPauseAll:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown mode"})
		return
	}
	s.manager.SetMode(req.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

type emergencyStopRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	s.manager.SetEmergencyStop(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"emergency_stop": req.Enabled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode ops response")
	}
}
