// Package scheduler implements the adaptive poll → atomic claim →
// dispatch → supervise → finalize loop of spec §4.6, plus the lease-expiry
// reaper of §4.6 point 7. Exactly one instance runs per deployment;
// concurrency beyond that is internal dispatch up to MaxConcurrent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/forgelabs/ticket-engine/internal/audit"
	"github.com/forgelabs/ticket-engine/internal/classify"
	"github.com/forgelabs/ticket-engine/internal/metrics"
	"github.com/forgelabs/ticket-engine/internal/pipeline"
	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/ticket"
	"github.com/forgelabs/ticket-engine/internal/vmpool"
)

var titleCaser = cases.Title(language.English)

// displayCategory renders a classify.Category for a log line, e.g.
// "verification_failure" -> "Verification Failure".
func displayCategory(c classify.Category) string {
	return titleCaser.String(strings.ReplaceAll(string(c), "_", " "))
}

// Config controls pacing and capacity. Durations mirror the reference
// values named in spec §4.6/§5.
type Config struct {
	MaxConcurrent  int
	BasePoll       time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	LeaseWindow    time.Duration
	ReaperInterval time.Duration
	DrainTimeout   time.Duration
	TicketTimeout  time.Duration
}

// DefaultConfig mirrors the teacher's orchestrator.DefaultConfig pattern.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		BasePoll:       2 * time.Second,
		BackoffMax:     30 * time.Second,
		BackoffFactor:  1.5,
		LeaseWindow:    90 * time.Second,
		ReaperInterval: 15 * time.Second,
		DrainTimeout:   30 * time.Second,
		TicketTimeout:  5 * time.Minute,
	}
}

// execution is one in-flight ticket task; the activeExecutions map is the
// authoritative view of concurrency (spec §4.6 point 5).
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the activeExecutions map, poll ticker, and reaper.
type Scheduler struct {
	cfg      Config
	store    *store.Store
	pool     *vmpool.Pool
	pipeline *pipeline.Pipeline
	audit    *audit.Logger
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	active    map[string]*execution
	wg        sync.WaitGroup
	pollDelay time.Duration

	stopCh chan struct{}
}

// New builds a scheduler. pipeline and metrics may be nil in tests that
// don't need the post-execution pipeline or Prometheus wiring.
func New(cfg Config, st *store.Store, pool *vmpool.Pool, pl *pipeline.Pipeline, auditLogger *audit.Logger, reg *metrics.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		pool:      pool,
		pipeline:  pl,
		audit:     auditLogger,
		metrics:   reg,
		logger:    logger,
		active:    make(map[string]*execution),
		pollDelay: cfg.BasePoll,
		stopCh:    make(chan struct{}),
	}
}

// ActiveCount reports the current size of the in-memory dispatch map.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run drives the scheduler loop until ctx is cancelled, then performs the
// graceful-shutdown drain sequence of spec §4.6.
func (s *Scheduler) Run(ctx context.Context) error {
	reaperTicker := time.NewTicker(s.cfg.ReaperInterval)
	defer reaperTicker.Stop()

	timer := time.NewTimer(s.pollDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-s.stopCh:
			s.drain()
			return nil
		case <-reaperTicker.C:
			if err := s.reapExpiredLeases(ctx); err != nil {
				s.logger.Error("reaper pass failed", "error", err)
			}
		case <-timer.C:
			claimed, err := s.runCycle(ctx)
			if err != nil {
				s.logger.Error("scheduler cycle failed", "error", err)
			}
			if err := s.runVerificationCycle(ctx); err != nil {
				s.logger.Error("verification poll cycle failed", "error", err)
			}
			s.adjustPollDelay(claimed)
			timer.Reset(s.pollDelay)
		}
	}
}

// Stop signals Run to exit and drain on its next select iteration by
// closing the scheduler's stop channel; it does not cancel the context
// passed to Run, which callers own. Call it at most once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) adjustPollDelay(claimed int) {
	if claimed == 0 {
		next := time.Duration(float64(s.pollDelay) * s.cfg.BackoffFactor)
		if next > s.cfg.BackoffMax {
			next = s.cfg.BackoffMax
		}
		s.pollDelay = next
		return
	}
	s.pollDelay = s.cfg.BasePoll
}

// runCycle implements spec §4.6 steps 1-6 for one poll tick.
func (s *Scheduler) runCycle(ctx context.Context) (int, error) {
	capacity := s.cfg.MaxConcurrent - s.ActiveCount()
	if s.metrics != nil {
		s.metrics.ActiveExecutions.Set(float64(s.ActiveCount()))
		s.metrics.MaxConcurrent.Set(float64(s.cfg.MaxConcurrent))
	}
	if capacity <= 0 {
		return 0, nil
	}

	candidates, err := s.store.ReserveReady(ctx, capacity, nil)
	if err != nil {
		return 0, fmt.Errorf("reserve ready: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PendingTickets.Set(float64(len(candidates)))
	}

	claimed := 0
	for _, t := range candidates {
		if t.ExecutionMode == ticket.ExecutionPull {
			// Pull-mode tickets are claimed by the agent itself through
			// the HTTP surface; the scheduler leaves them ready.
			continue
		}

		slot, err := s.pool.Acquire(ctx, t)
		if err != nil {
			if errors.Is(err, vmpool.ErrCapacityExhausted) {
				break
			}
			s.logger.Debug("vm acquire failed", "ticket_id", t.ID, "error", err)
			continue
		}

		if s.metrics != nil {
			s.metrics.ClaimAttempts.Inc()
		}
		ok, err := s.store.Claim(ctx, t.ID, slot.VMID, s.cfg.LeaseWindow)
		if err != nil {
			s.logger.Error("claim failed", "ticket_id", t.ID, "error", err)
			_ = s.pool.Release(slot.VMID)
			continue
		}
		if !ok {
			// Another worker got it, or the row moved; a conflict is
			// logged at debug and skipped, not retried blind.
			if s.metrics != nil {
				s.metrics.ClaimConflicts.Inc()
			}
			s.logger.Debug("claim lost race", "ticket_id", t.ID)
			_ = s.pool.Release(slot.VMID)
			continue
		}

		s.audit.Log(ctx, t.ID, "", audit.EventClaim, map[string]any{"vm_id": slot.VMID})
		s.dispatch(t.ID, slot.VMID)
		claimed++
	}

	return claimed, nil
}

// dispatch fires off a supervising task for a claimed ticket, tracked in
// activeExecutions; the task removes itself on completion (spec §4.6
// point 5 — this is the "fire-and-forget background task" of §9).
func (s *Scheduler) dispatch(ticketID, vmID string) {
	s.track(ticketID, func(ctx context.Context) {
		s.superviseExecution(ctx, ticketID, vmID)
	})
}

// track registers a ticket in activeExecutions for the duration of work,
// and removes it again when work returns — shared by the in_progress
// supervise loop (dispatch) and the verifying hand-off (dispatchVerification)
// so ActiveCount and the reaper's cancellation path see one consistent map
// regardless of which stage of the pipeline is currently driving a ticket.
func (s *Scheduler) track(ticketID string, work func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[ticketID] = exec
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exec.done)
		defer func() {
			s.mu.Lock()
			delete(s.active, ticketID)
			s.mu.Unlock()
		}()
		work(taskCtx)
	}()
}

// superviseExecution watches a dispatched ticket until it leaves
// in_progress (via the agent's own complete/fail/release calls on the
// HTTP surface) or exceeds ticketTimeout, at which point it is failed
// through the retry classifier with category resource-exhaustion (spec
// §5 Cancellation and timeout). Once the ticket reaches verifying it hands
// off to the post-execution pipeline directly, so the VM slot is held
// until verification/PR-creation actually finishes rather than released
// the instant the ticket leaves in_progress (spec §4.7).
func (s *Scheduler) superviseExecution(ctx context.Context, ticketID, vmID string) {
	pollInterval := 2 * time.Second
	deadline := time.Now().Add(s.cfg.TicketTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := s.store.GetTicket(ctx, ticketID)
			if err != nil {
				s.logger.Error("supervise: get ticket failed", "ticket_id", ticketID, "error", err)
				return
			}
			switch t.State {
			case ticket.InProgress, ticket.Assigned:
				if time.Now().After(deadline) {
					s.failOnTimeout(ctx, t, vmID)
					return
				}
			case ticket.Verifying:
				s.runVerification(ctx, t, vmID)
				return
			default:
				_ = s.pool.Release(vmID)
				return
			}
		}
	}
}

// runVerification drives the post-execution pipeline for a ticket that
// just reached verifying, then releases its VM slot — Pipeline.Run makes
// no local filesystem or VM calls, but the slot must not be freed until it
// returns, or a concurrently-dispatched ticket could land on a worktree
// the verifier is still reading.
func (s *Scheduler) runVerification(ctx context.Context, t *ticket.Ticket, vmID string) {
	defer func() {
		if vmID != "" {
			_ = s.pool.Release(vmID)
		}
	}()
	if s.pipeline == nil {
		return
	}
	if err := s.pipeline.Run(ctx, t); err != nil {
		s.logger.Error("post-execution pipeline failed", "ticket_id", t.ID, "error", err)
	}
}

// runVerificationCycle catches tickets the in-memory dispatch map never
// saw reach verifying — principally pull-mode tickets, which are claimed
// directly through the agent HTTP surface and so never pass through
// dispatch/superviseExecution at all. It is the second half of wiring the
// pipeline into the running engine: superviseExecution's hand-off alone
// would leave pull-mode tickets stuck in verifying forever.
func (s *Scheduler) runVerificationCycle(ctx context.Context) error {
	if s.pipeline == nil {
		return nil
	}
	verifying, err := s.store.ListVerifying(ctx)
	if err != nil {
		return fmt.Errorf("list verifying: %w", err)
	}
	for _, t := range verifying {
		s.mu.Lock()
		_, already := s.active[t.ID]
		s.mu.Unlock()
		if already {
			// Already being driven by superviseExecution's own hand-off;
			// dispatching it again here would run the pipeline twice.
			continue
		}
		s.dispatchVerification(t)
	}
	return nil
}

// dispatchVerification tracks and runs the pipeline for a verifying
// ticket the supervise loop never claimed (see runVerificationCycle).
func (s *Scheduler) dispatchVerification(t *ticket.Ticket) {
	vmID := t.VMID
	s.track(t.ID, func(ctx context.Context) {
		s.runVerification(ctx, t, vmID)
	})
}

func (s *Scheduler) failOnTimeout(ctx context.Context, t *ticket.Ticket, vmID string) {
	decision := classify.Classify("agent execution timeout", t.RetryCount)
	s.applyFailureDecision(ctx, t, vmID, decision, "ticket exceeded ticketTimeout")
}

// applyFailureDecision writes the outcome of a classified failure back
// to the ticket for the timeout path here; the /fail HTTP handler in
// internal/agentapi applies the same ready/on_hold routing with its own
// copy of this logic.
func (s *Scheduler) applyFailureDecision(ctx context.Context, t *ticket.Ticket, vmID string, decision classify.Decision, errMsg string) {
	_ = s.pool.Release(vmID)

	strategy := &ticket.RetryStrategy{
		Category:          string(decision.Category),
		MaxRetries:        decision.MaxRetries,
		BackoffType:       string(decision.BackoffType),
		NextDelayMs:       decision.NextDelayMs,
		AttemptsRemaining: decision.AttemptsRemaining,
	}
	retryCount := t.RetryCount + 1
	rejectionCount := t.RejectionCount + 1

	if decision.ShouldRetry {
		dispatchAt := time.Now().UTC().Add(time.Duration(decision.NextDelayMs) * time.Millisecond)
		_, err := s.store.Transition(ctx, t.ID, []ticket.State{ticket.InProgress}, ticket.Ready, store.TransitionFields{
			ClearVM:        true,
			RetryCount:     &retryCount,
			RejectionCount: &rejectionCount,
			RetryStrategy:  strategy,
			Error:          &errMsg,
			NextDispatchAt: &dispatchAt,
		})
		if err != nil {
			s.logger.Error("failed to requeue ticket after retriable failure", "ticket_id", t.ID, "error", err)
		}
		return
	}

	holdReason := string(decision.Category)
	_, err := s.store.Transition(ctx, t.ID, []ticket.State{ticket.InProgress}, ticket.OnHold, store.TransitionFields{
		ClearVM:        true,
		RetryCount:     &retryCount,
		RejectionCount: &rejectionCount,
		RetryStrategy:  strategy,
		HoldReason:     &holdReason,
		Error:          &errMsg,
	})
	if err != nil {
		s.logger.Error("failed to hold ticket after non-retriable failure", "ticket_id", t.ID, "error", err)
		return
	}
	s.logger.Info("ticket put on hold", "ticket_id", t.ID, "reason", displayCategory(decision.Category))
}

// reapExpiredLeases transitions any ticket whose lease has expired back
// to ready, releasing its VM slot and removing it from the in-memory
// dispatch map if present (spec §4.6 point 7, §8 boundary behavior).
func (s *Scheduler) reapExpiredLeases(ctx context.Context) error {
	expired, err := s.store.ListExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}

	for _, t := range expired {
		ok, err := s.store.Transition(ctx, t.ID, []ticket.State{ticket.Assigned, ticket.InProgress, ticket.Verifying}, ticket.Ready, store.TransitionFields{ClearVM: true})
		if err != nil {
			s.logger.Error("reap transition failed", "ticket_id", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if t.VMID != "" {
			_ = s.pool.Release(t.VMID)
		}
		s.mu.Lock()
		if exec, found := s.active[t.ID]; found {
			exec.cancel()
			delete(s.active, t.ID)
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ReapedLeases.Inc()
		}
		s.audit.Log(ctx, t.ID, "", audit.EventReap, map[string]any{"reason": "lease_expired"})
		s.logger.Info("reaped expired lease", "ticket_id", t.ID)
	}
	return nil
}

// drain stops accepting new dispatches (the caller already stopped
// calling runCycle by exiting the select loop) and waits up to
// drainTimeout for active tasks before force-releasing their slots and
// requeuing their tickets (spec §4.6 Graceful shutdown).
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.DrainTimeout):
	}

	s.mu.Lock()
	remaining := make([]string, 0, len(s.active))
	for id, exec := range s.active {
		exec.cancel()
		remaining = append(remaining, id)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, ticketID := range remaining {
		t, err := s.store.GetTicket(ctx, ticketID)
		if err != nil {
			continue
		}
		vmID := t.VMID
		_, _ = s.store.Transition(ctx, ticketID, []ticket.State{ticket.Assigned, ticket.InProgress, ticket.Verifying}, ticket.Ready, store.TransitionFields{ClearVM: true})
		if vmID != "" {
			_ = s.pool.Release(vmID)
		}
		s.logger.Info("drained in-flight ticket back to ready", "ticket_id", ticketID)
	}
}
