// Package engine wires the ticket store, VM pool, verification pipeline,
// scheduler, and agent HTTP surface into a single running process. It
// plays the role the teacher's root-level orchestrator package played:
// the one place that knows how every component fits together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgelabs/ticket-engine/internal/agentapi"
	"github.com/forgelabs/ticket-engine/internal/audit"
	"github.com/forgelabs/ticket-engine/internal/metrics"
	"github.com/forgelabs/ticket-engine/internal/pipeline"
	"github.com/forgelabs/ticket-engine/internal/project"
	"github.com/forgelabs/ticket-engine/internal/scheduler"
	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/verify"
	"github.com/forgelabs/ticket-engine/internal/vmpool"
)

// Config holds everything needed to stand up an Engine. Zero-value
// durations and counts are filled from DefaultConfig.
type Config struct {
	DBPath string

	RepoRoot   string
	MainBranch string
	MaxSlots   int

	VerifierURL string
	GitHubToken string

	ListenAddr    string
	MaxConcurrent int
	LeaseWindow   time.Duration
	BasePoll      time.Duration
	ReaperInterval time.Duration
}

// DefaultConfig returns sensible defaults, the engine-level analogue of
// the teacher's orchestrator.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		DBPath:         "ticket-engine.db",
		RepoRoot:       ".",
		MainBranch:     "main",
		MaxSlots:       3,
		VerifierURL:    "http://localhost:9090",
		ListenAddr:     ":8090",
		MaxConcurrent:  5,
		LeaseWindow:    90 * time.Second,
		BasePoll:       2 * time.Second,
		ReaperInterval: 15 * time.Second,
	}
}

// Engine owns the process lifecycle: open storage, wire components,
// run the scheduler loop and the agent HTTP surface, and drain cleanly
// on shutdown.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	store     *store.Store
	projects  *project.Store
	pool      *vmpool.Pool
	verifier  *verify.Client
	pipeline  *pipeline.Pipeline
	auditLog  *audit.Logger
	metrics   *metrics.Registry
	scheduler *scheduler.Scheduler
	api       *agentapi.Server

	httpServer *http.Server
}

// New opens the database and wires every component; it does not start
// any goroutines. Call Run to begin serving.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	projects := project.NewStore(st)
	auditLog := audit.NewLogger(st.DB())
	reg := metrics.NewRegistry()

	poolCfg := vmpool.DefaultConfig()
	poolCfg.RepoRoot = cfg.RepoRoot
	if cfg.MainBranch != "" {
		poolCfg.MainBranch = cfg.MainBranch
	}
	if cfg.MaxSlots > 0 {
		poolCfg.MaxSlots = cfg.MaxSlots
	}
	pool := vmpool.New(poolCfg)

	verifyCfg := verify.DefaultConfig()
	if cfg.VerifierURL != "" {
		verifyCfg.BaseURL = cfg.VerifierURL
	}
	verifier := verify.New(verifyCfg)

	pl := pipeline.New(st, verifier, projects, pipeline.Config{GitHubToken: cfg.GitHubToken}, logger)

	schedCfg := scheduler.DefaultConfig()
	if cfg.MaxConcurrent > 0 {
		schedCfg.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.LeaseWindow > 0 {
		schedCfg.LeaseWindow = cfg.LeaseWindow
	}
	if cfg.BasePoll > 0 {
		schedCfg.BasePoll = cfg.BasePoll
	}
	if cfg.ReaperInterval > 0 {
		schedCfg.ReaperInterval = cfg.ReaperInterval
	}
	sched := scheduler.New(schedCfg, st, pool, pl, auditLog, reg, logger)

	api := agentapi.New(agentapi.Config{LeaseWindow: schedCfg.LeaseWindow, MaxConcurrent: schedCfg.MaxConcurrent},
		st, sched, auditLog, reg, logger)

	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultConfig().ListenAddr
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		projects:   projects,
		pool:       pool,
		verifier:   verifier,
		pipeline:   pl,
		auditLog:   auditLog,
		metrics:    reg,
		scheduler:  sched,
		api:        api,
		httpServer: &http.Server{Addr: addr, Handler: api},
	}, nil
}

// Projects exposes the project-binding store so callers (e.g. an admin
// CLI or a seed script) can register repo bindings before tickets are
// created against them.
func (e *Engine) Projects() *project.Store { return e.projects }

// Store exposes the ticket store for callers that need to seed or
// inspect tickets directly (e.g. an ingestion tool materializing
// tickets from an upstream planner).
func (e *Engine) Store() *store.Store { return e.store }

// Run starts the scheduler loop and the agent HTTP surface, and blocks
// until ctx is cancelled. On cancellation it performs the scheduler's
// drain sequence before returning, mirroring the teacher's
// Orchestrator.Run/Stop pairing but folded into one blocking call.
func (e *Engine) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("agent HTTP surface listening", "addr", e.httpServer.Addr)
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("agent http server: %w", err)
			return
		}
		errCh <- nil
	}()

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- e.scheduler.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		e.logger.Info("engine shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.httpServer.Shutdown(shutdownCtx)
		<-schedErrCh
		return nil
	case err := <-errCh:
		e.scheduler.Stop()
		<-schedErrCh
		return err
	case err := <-schedErrCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.httpServer.Shutdown(shutdownCtx)
		return err
	}
}

// Close releases the underlying database handle. Call after Run
// returns.
func (e *Engine) Close() error {
	return e.store.Close()
}
