// Package agentapi is the small, unauthenticated-from-within-the-
// isolation-perimeter HTTP surface pull-agents use to interact with the
// engine: claim, start, heartbeat, complete, fail, release (spec §4.5).
package agentapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgelabs/ticket-engine/internal/audit"
	"github.com/forgelabs/ticket-engine/internal/metrics"
	"github.com/forgelabs/ticket-engine/internal/store"
)

// ActiveCounter reports the scheduler's current in-memory dispatch count
// for the /status endpoint, without agentapi depending on the scheduler
// package directly.
type ActiveCounter interface {
	ActiveCount() int
}

// Server wires the six agent endpoints plus the minimal observability
// surface onto a chi router, grounded on the teacher's jsonResponse/
// jsonError helper style in internal/web/api.go.
type Server struct {
	store      *store.Store
	leaseWindow time.Duration
	maxConcurrent int
	active     ActiveCounter
	audit      *audit.Logger
	metrics    *metrics.Registry
	logger     *slog.Logger
	startedAt  time.Time

	router chi.Router
}

// Config controls the agent surface's lease window and advertised
// capacity for /status.
type Config struct {
	LeaseWindow   time.Duration
	MaxConcurrent int
}

// New builds the HTTP handler tree.
func New(cfg Config, st *store.Store, active ActiveCounter, auditLogger *audit.Logger, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:         st,
		leaseWindow:   cfg.LeaseWindow,
		maxConcurrent: cfg.MaxConcurrent,
		active:        active,
		audit:         auditLogger,
		metrics:       reg,
		logger:        logger,
		startedAt:     time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/claim", s.handleClaim)
	r.Post("/start", s.handleStart)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/complete", s.handleComplete)
	r.Post("/fail", s.handleFail)
	r.Post("/release", s.handleRelease)
	r.Get("/status", s.handleStatus)
	if reg != nil {
		r.Handle("/metrics", reg.Handler())
	}

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

type errorKind int

const (
	kindNotFound errorKind = iota
	kindConflict
	kindInternal
	kindBadRequest
)

func (s *Server) writeErr(w http.ResponseWriter, kind errorKind, err error) {
	switch kind {
	case kindNotFound:
		s.jsonError(w, http.StatusNotFound, err.Error())
	case kindConflict:
		s.jsonError(w, http.StatusConflict, err.Error())
	case kindBadRequest:
		s.jsonError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("internal error serving agent request", "error", err)
		s.jsonError(w, http.StatusInternalServerError, "internal error")
	}
}

func classifyStoreErr(err error) errorKind {
	switch {
	case err == store.ErrNotFound:
		return kindNotFound
	case err == store.ErrGuardConflict:
		return kindConflict
	default:
		return kindInternal
	}
}

// statusResponse is the payload for GET /status (spec §6).
type statusResponse struct {
	Running           bool    `json:"running"`
	ActiveExecutions  int     `json:"activeExecutions"`
	PendingTickets    int     `json:"pendingTickets"`
	MaxConcurrent     int     `json:"maxConcurrent"`
	UptimeSeconds     float64 `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.store.ReserveReady(ctx, 1<<20, nil)
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	active := 0
	if s.active != nil {
		active = s.active.ActiveCount()
	}
	s.jsonResponse(w, http.StatusOK, statusResponse{
		Running:          true,
		ActiveExecutions: active,
		PendingTickets:   len(pending),
		MaxConcurrent:    s.maxConcurrent,
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
	})
}
