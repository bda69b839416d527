package scheduler

import (
	"context"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/ticket-engine/internal/pipeline"
	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/ticket"
	"github.com/forgelabs/ticket-engine/internal/verify"
	"github.com/forgelabs/ticket-engine/internal/vmpool"
)

// noRepoResolver always reports no bound repo, driving the pipeline's
// short-circuit path (verifying -> done without calling out to a
// verifier) so these tests can exercise the scheduler's pipeline wiring
// without standing up an HTTP verifier or GitHub fake.
type noRepoResolver struct{}

func (noRepoResolver) RepoURL(ctx context.Context, projectID string) (string, string, string, error) {
	return "", "", "", nil
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+dir+"/README.md").Run())
	run("add", "README.md")
	run("commit", "-m", "init")
	// CreateWorktree fetches origin/main; point origin back at this repo.
	run("remote", "add", "origin", dir)
	return dir
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	poolCfg := vmpool.DefaultConfig()
	poolCfg.RepoRoot = initRepo(t)
	poolCfg.MaxSlots = cfg.MaxConcurrent
	pool := vmpool.New(poolCfg)

	sch := New(cfg, st, pool, nil, nil, nil, nil)
	return sch, st
}

func TestRunCycle_ClaimsReadyTicketsUpToCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	sch, st := newTestScheduler(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tk := &ticket.Ticket{ProjectID: "p1", Title: "T"}
		require.NoError(t, st.CreateTicket(ctx, tk))
	}
	_, err := st.ActivateBuild(ctx, "p1")
	require.NoError(t, err)

	claimed, err := sch.runCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, claimed, "capacity caps claims at MaxConcurrent")
	require.Equal(t, 2, sch.ActiveCount())
}

func TestRunCycle_SkipsPullModeTickets(t *testing.T) {
	cfg := DefaultConfig()
	sch, st := newTestScheduler(t, cfg)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "Pull ticket", ExecutionMode: ticket.ExecutionPull}
	require.NoError(t, st.CreateTicket(ctx, tk))
	_, err := st.ActivateBuild(ctx, "p1")
	require.NoError(t, err)

	claimed, err := sch.runCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed, "pull-mode tickets are claimed by the agent, not the scheduler")

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Ready, got.State)
}

func TestAdjustPollDelay_BacksOffOnEmptyThenResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BasePoll = 2 * time.Second
	cfg.BackoffMax = 10 * time.Second
	cfg.BackoffFactor = 1.5
	sch, _ := newTestScheduler(t, cfg)

	sch.adjustPollDelay(0)
	require.Equal(t, 3*time.Second, sch.pollDelay)

	sch.adjustPollDelay(0)
	require.InDelta(t, float64(4500*time.Millisecond), float64(sch.pollDelay), float64(time.Millisecond))

	sch.adjustPollDelay(1)
	require.Equal(t, cfg.BasePoll, sch.pollDelay)
}

func TestReapExpiredLeases_MovesTicketBackToReadyAndClearsVM(t *testing.T) {
	cfg := DefaultConfig()
	sch, st := newTestScheduler(t, cfg)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T"}
	require.NoError(t, st.CreateTicket(ctx, tk))
	_, err := st.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	ok, err := st.Claim(ctx, tk.ID, "vm-1", -time.Second) // already expired
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sch.reapExpiredLeases(ctx))

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Ready, got.State)
	require.Empty(t, got.VMID)
}

// TestRunVerificationCycle_DrivesPullModeTicketFromVerifyingToDone covers
// the path superviseExecution never sees: a pull-mode ticket an agent
// moved to verifying through the HTTP surface directly, with nothing in
// the scheduler's in-memory dispatch map for it.
func TestRunVerificationCycle_DrivesPullModeTicketFromVerifyingToDone(t *testing.T) {
	cfg := DefaultConfig()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vc := verify.New(verify.Config{BaseURL: "http://unused.invalid"})
	pl := pipeline.New(st, vc, noRepoResolver{}, pipeline.Config{}, slog.Default())

	poolCfg := vmpool.DefaultConfig()
	poolCfg.RepoRoot = initRepo(t)
	poolCfg.MaxSlots = cfg.MaxConcurrent
	pool := vmpool.New(poolCfg)

	sch := New(cfg, st, pool, pl, nil, nil, nil)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "Pull ticket", ExecutionMode: ticket.ExecutionPull}
	require.NoError(t, st.CreateTicket(ctx, tk))
	_, err = st.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	ok, err := st.Claim(ctx, tk.ID, "agent-vm-1", cfg.LeaseWindow)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.Transition(ctx, tk.ID, []ticket.State{ticket.InProgress}, ticket.Verifying, store.TransitionFields{})
	require.NoError(t, err)

	require.NoError(t, sch.runVerificationCycle(ctx))

	// dispatchVerification tracks the ticket for the duration of the
	// pipeline run, then removes it; wait for that goroutine to settle.
	require.Eventually(t, func() bool {
		got, err := st.GetTicket(ctx, tk.ID)
		return err == nil && got.State == ticket.Done
	}, time.Second, 10*time.Millisecond)
}

// TestRunVerificationCycle_SkipsTicketsAlreadyTracked asserts the
// dedupe guard against double-invoking the pipeline for a ticket
// superviseExecution is already handing off itself.
func TestRunVerificationCycle_SkipsTicketsAlreadyTracked(t *testing.T) {
	cfg := DefaultConfig()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vc := verify.New(verify.Config{BaseURL: "http://unused.invalid"})
	pl := pipeline.New(st, vc, noRepoResolver{}, pipeline.Config{}, slog.Default())

	poolCfg := vmpool.DefaultConfig()
	poolCfg.RepoRoot = initRepo(t)
	poolCfg.MaxSlots = cfg.MaxConcurrent
	pool := vmpool.New(poolCfg)

	sch := New(cfg, st, pool, pl, nil, nil, nil)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T"}
	require.NoError(t, st.CreateTicket(ctx, tk))
	_, err = st.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	ok, err := st.Claim(ctx, tk.ID, "vm-1", cfg.LeaseWindow)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.Transition(ctx, tk.ID, []ticket.State{ticket.InProgress}, ticket.Verifying, store.TransitionFields{})
	require.NoError(t, err)

	// Simulate superviseExecution already owning this ticket's hand-off.
	sch.mu.Lock()
	sch.active[tk.ID] = &execution{cancel: func() {}, done: make(chan struct{})}
	sch.mu.Unlock()

	require.NoError(t, sch.runVerificationCycle(ctx))

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Verifying, got.State, "runVerificationCycle must not race superviseExecution's own hand-off")
}
