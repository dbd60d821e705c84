// Package httpapi is C10: the minimal status/control HTTP surface spec.md §5
// names as "API server thread" and treats as out of scope for the core.
// Grounded on the teacher's server/api.go router/middleware shape
// (gorilla/mux routes wrapped individually in codegangsta/negroni chains,
// RSA-signed JWT bearer auth on mutating routes) but trimmed to the handful
// of read-only/observational routes this core actually needs.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/signal18/pgsentry/cluster"
	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/internal/hlog"
)

// Server serves /health, /cluster, /leader, /history read-only, and
// POST /failover as the one mutating route (optionally JWT-guarded).
type Server struct {
	Controller *cluster.Controller
	DCS        dcs.Client
	LogBuffer  *hlog.RingBuffer
	Auth       *JWTAuth // nil disables auth on the mutating route

	httpServer *http.Server
}

// NewRouter builds the gorilla/mux router with each route wrapped in its own
// negroni chain, mirroring the teacher's per-route negroni.New(...) style
// instead of one global middleware stack.
func (s *Server) NewRouter() *mux.Router {
	router := mux.NewRouter()

	router.Handle("/health", negroni.New(
		negroni.NewRecovery(),
		negroni.Wrap(http.HandlerFunc(s.handleHealth)),
	)).Methods(http.MethodGet)

	router.Handle("/cluster", negroni.New(
		negroni.NewRecovery(),
		negroni.Wrap(http.HandlerFunc(s.handleCluster)),
	)).Methods(http.MethodGet)

	router.Handle("/leader", negroni.New(
		negroni.NewRecovery(),
		negroni.Wrap(http.HandlerFunc(s.handleLeader)),
	)).Methods(http.MethodGet)

	router.Handle("/history", negroni.New(
		negroni.NewRecovery(),
		negroni.Wrap(http.HandlerFunc(s.handleHistory)),
	)).Methods(http.MethodGet)

	failoverChain := negroni.New(negroni.NewRecovery())
	if s.Auth != nil {
		failoverChain.Use(negroni.HandlerFunc(s.Auth.Middleware))
	}
	failoverChain.UseHandler(http.HandlerFunc(s.handleFailover))
	router.Handle("/failover", failoverChain).Methods(http.MethodPost)

	router.HandleFunc("/failsafe/leader/{name}", s.handleFailsafeLeader).Methods(http.MethodGet)

	return router
}

// Serve blocks running the HTTP server on addr until ctx-equivalent Close is
// called.
func (s *Server) Serve(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.NewRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.WithField("addr", addr).Info("httpapi: listening")
	return s.httpServer.ListenAndServe()
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("httpapi: failed writing JSON response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type healthResponse struct {
		Status string      `json:"status"`
		Recent []hlog.Line `json:"recent_log,omitempty"`
	}
	resp := healthResponse{Status: "ok"}
	if s.LogBuffer != nil {
		resp.Recent = s.LogBuffer.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.DCS.GetCluster(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.DCS.GetCluster(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if snapshot.Leader == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
		return
	}
	writeJSON(w, http.StatusOK, snapshot.Leader)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.DCS.GetCluster(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot.History)
}

// handleFailover accepts {"candidate": "...", "scheduled_at": "..."} and
// installs a manual failover request via the DCS client (spec.md §6
// "/failover" / §4.6 "manual failover"). There is no force option: the
// request carries no such flag, and the lag guard always applies when the
// leader honors it.
func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate   string    `json:"candidate"`
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Candidate == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "candidate is required"})
		return
	}
	if err := s.DCS.ManualFailover(r.Context(), "", req.Candidate, req.ScheduledAt); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleFailsafeLeader answers the peer-liveness probe a failsafe primary
// issues to every member it knows of (cluster.Controller.failsafeRetainsLeadership).
func (s *Server) handleFailsafeLeader(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snapshot, err := s.DCS.GetCluster(r.Context())
	if err != nil || snapshot.Leader == nil || snapshot.Leader.Name != name {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}
