package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/ticket-engine/internal/ticket"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestActivateBuild_NoDependenciesGoesReadyWithForgeAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T1"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	counts, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Ready)

	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Ready, got.State)
	require.Equal(t, ticket.ForgeAgent, got.AssigneeID)
	require.Equal(t, ticket.AssigneeAgent, got.AssigneeType)
	require.Empty(t, got.VMID)
}

func TestActivateBuild_UnresolvedDependencyGoesBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t3 := &ticket.Ticket{ProjectID: "p1", Title: "T3"}
	require.NoError(t, s.CreateTicket(ctx, t3))
	t4 := &ticket.Ticket{ProjectID: "p1", Title: "T4", DependsOn: []string{t3.ID}}
	require.NoError(t, s.CreateTicket(ctx, t4))

	counts, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Ready)
	require.Equal(t, 1, counts.Blocked)

	got3, _ := s.GetTicket(ctx, t3.ID)
	got4, _ := s.GetTicket(ctx, t4.ID)
	require.Equal(t, ticket.Ready, got3.State)
	require.Equal(t, ticket.Blocked, got4.State)
}

func TestActivateBuild_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T1"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	_, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	counts, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, counts.Ready, "already-activated batch is untouched on replay")
	require.Zero(t, counts.Blocked)
}

func TestClaim_ExactlyOneOfTwoRacingClaimsSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T6"}
	require.NoError(t, s.CreateTicket(ctx, tk))
	_, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)

	ok1, err := s.Claim(ctx, tk.ID, "vm-1", time.Minute)
	require.NoError(t, err)
	ok2, err := s.Claim(ctx, tk.ID, "vm-2", time.Minute)
	require.NoError(t, err)

	require.True(t, ok1 != ok2, "exactly one claim must succeed")

	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.InProgress, got.State)
}

func TestHeartbeat_ExtendsLeaseAndAppendsProgressWithoutOtherMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T2", AssigneeID: "A1", AssigneeType: ticket.AssigneeAgent}
	require.NoError(t, s.CreateTicket(ctx, tk))
	ok, err := s.Claim(ctx, tk.ID, "vm-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "ticket was never made ready, claim must fail")

	_, err = s.Transition(ctx, tk.ID, []ticket.State{ticket.Draft}, ticket.Ready, TransitionFields{})
	require.NoError(t, err)
	ok, err = s.Claim(ctx, tk.ID, "vm-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Heartbeat(ctx, tk.ID, "A1", "50% done", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Heartbeat(ctx, tk.ID, "A1", "50% done", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "two consecutive identical heartbeats both succeed")

	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.InProgress, got.State, "heartbeat never changes state")
}

func TestHeartbeat_AgainstReleasedTicketReturnsFalseWithoutMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T3"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	ok, err := s.Heartbeat(ctx, tk.ID, "A-ghost", "still here?", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransition_GuardConflictReturnsFalseNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := &ticket.Ticket{ProjectID: "p1", Title: "T1"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	ok, err := s.Transition(ctx, tk.ID, []ticket.State{ticket.Ready}, ticket.InProgress, TransitionFields{})
	require.NoError(t, err)
	require.False(t, ok, "ticket is still draft, not ready")
}

func TestUnblockSweep_PromotesBlockedTicketOnceDependencyDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t3 := &ticket.Ticket{ProjectID: "p1", Title: "T3"}
	require.NoError(t, s.CreateTicket(ctx, t3))
	t4 := &ticket.Ticket{ProjectID: "p1", Title: "T4", DependsOn: []string{t3.ID}}
	require.NoError(t, s.CreateTicket(ctx, t4))

	_, err := s.ActivateBuild(ctx, "p1")
	require.NoError(t, err)

	// drive t3 to done directly for the purposes of this store-level test
	_, err = s.Transition(ctx, t3.ID, []ticket.State{ticket.Ready}, ticket.InProgress, TransitionFields{VMID: strPtr("vm-1")})
	require.NoError(t, err)
	completedAt := time.Now().UTC()
	_, err = s.Transition(ctx, t3.ID, []ticket.State{ticket.InProgress}, ticket.Verifying, TransitionFields{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, t3.ID, []ticket.State{ticket.Verifying}, ticket.InReview, TransitionFields{PRURL: strPtr("https://example/pr/1")})
	require.NoError(t, err)
	_, err = s.Transition(ctx, t3.ID, []ticket.State{ticket.InReview}, ticket.Done, TransitionFields{CompletedAt: &completedAt})
	require.NoError(t, err)

	n, err := s.UnblockSweep(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got4, err := s.GetTicket(ctx, t4.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Ready, got4.State)
}

func strPtr(s string) *string { return &s }
