// Package vmpool adapts a capped pool of isolated execution environments
// to the VM Pool Adapter contract: acquire, release, kill, health. Slots
// are backed by git worktrees rather than a hypervisor — the adapter hides
// that choice from everything above it.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgelabs/ticket-engine/internal/ticket"
)

// ErrCapacityExhausted is returned by Acquire when every slot is in use;
// the scheduler treats this as a signal to back off rather than fail the
// ticket.
var ErrCapacityExhausted = errors.New("vmpool: capacity exhausted")

// Config controls pool sizing and the breaker around slot creation.
type Config struct {
	MaxSlots        int
	RepoRoot        string
	MainBranch      string
	AcquireTimeout  time.Duration
	BreakerTimeout  time.Duration
	BreakerMaxFails uint32
}

// DefaultConfig mirrors the teacher's worktree-pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxSlots:        3,
		MainBranch:      "main",
		AcquireTimeout:  30 * time.Second,
		BreakerTimeout:  60 * time.Second,
		BreakerMaxFails: 3,
	}
}

// Slot is one occupied execution environment.
type Slot struct {
	VMID       string
	TicketID   string
	BranchName string
	WorkDir    string
	AcquiredAt time.Time
}

// Pool is the adapter implementation.
type Pool struct {
	cfg     Config
	git     *WorktreeManager
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	slots map[string]*Slot // keyed by vm_id
}

// New builds a pool bound to repoRoot, a checkout of the project the
// engine is dispatching work against.
func New(cfg Config) *Pool {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vmpool-acquire",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	})

	return &Pool{
		cfg:     cfg,
		git:     NewWorktreeManager(cfg.RepoRoot, cfg.MainBranch),
		breaker: breaker,
		slots:   make(map[string]*Slot),
	}
}

// Acquire obtains a slot for ticket t, wrapped in a circuit breaker so
// repeated environment-creation failures (disk full, git unreachable) fail
// fast into the scheduler's backoff path instead of hanging each dispatch.
func (p *Pool) Acquire(ctx context.Context, t *ticket.Ticket) (*Slot, error) {
	p.mu.Lock()
	if len(p.slots) >= p.cfg.MaxSlots {
		p.mu.Unlock()
		return nil, ErrCapacityExhausted
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (any, error) {
		branch := GenerateBranchName("ticket/", t.ID, t.Title)
		workDir, err := p.git.CreateWorktree(acquireCtx, branch)
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		return &Slot{
			VMID:       "vm-" + t.ID,
			TicketID:   t.ID,
			BranchName: branch,
			WorkDir:    workDir,
			AcquiredAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	slot := result.(*Slot)

	p.mu.Lock()
	p.slots[slot.VMID] = slot
	p.mu.Unlock()

	return slot, nil
}

// Release is idempotent; callers must invoke it on every code path that
// acquired a slot (spec §4.4).
func (p *Pool) Release(vmID string) error {
	p.mu.Lock()
	slot, ok := p.slots[vmID]
	if ok {
		delete(p.slots, vmID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.git.RemoveWorktree(slot.WorkDir, slot.BranchName)
}

// Kill forcefully terminates a slot. For worktree-backed slots this is the
// same as Release; the lease reaper and drain call Release directly.
func (p *Pool) Kill(vmID string) error {
	return p.Release(vmID)
}

// Health reports whether the pool still tracks the slot, and its worktree
// directory; it does not inspect the disk. Meant for watchdogs, never the
// hot path.
func (p *Pool) Health(vmID string) (alive bool, workDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[vmID]
	if !ok {
		return false, ""
	}
	return true, slot.WorkDir
}

// InUse reports the current occupancy. The scheduler computes its own
// capacity from ActiveCount and relies on Acquire's ErrCapacityExhausted.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
