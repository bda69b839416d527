package vmpool

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/ticket-engine/internal/ticket"
)

// initRepo sets up a throwaway git repo with one commit on main and an
// origin remote pointing back at itself, so CreateWorktree's fetch of
// origin/main has something real to branch from.
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
	run("remote", "add", "origin", dir)
	return dir
}

func TestPool_AcquireRespectsMaxSlots(t *testing.T) {
	repo := initRepo(t)
	cfg := DefaultConfig()
	cfg.RepoRoot = repo
	cfg.MaxSlots = 1
	p := New(cfg)

	t1 := &ticket.Ticket{ID: "t1", Title: "First"}
	t2 := &ticket.Ticket{ID: "t2", Title: "Second"}

	slot1, err := p.Acquire(context.Background(), t1)
	require.NoError(t, err)
	require.NotEmpty(t, slot1.WorkDir)

	_, err = p.Acquire(context.Background(), t2)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	require.NoError(t, p.Release(slot1.VMID))
	slot2, err := p.Acquire(context.Background(), t2)
	require.NoError(t, err)
	require.NotEmpty(t, slot2.WorkDir)
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	cfg := DefaultConfig()
	cfg.RepoRoot = repo
	p := New(cfg)

	t1 := &ticket.Ticket{ID: "t1", Title: "First"}
	slot, err := p.Acquire(context.Background(), t1)
	require.NoError(t, err)

	require.NoError(t, p.Release(slot.VMID))
	require.NoError(t, p.Release(slot.VMID), "second release on the same slot must not error")
}

func TestPool_HealthReflectsOccupancy(t *testing.T) {
	repo := initRepo(t)
	cfg := DefaultConfig()
	cfg.RepoRoot = repo
	p := New(cfg)

	t1 := &ticket.Ticket{ID: "t1", Title: "First"}
	slot, err := p.Acquire(context.Background(), t1)
	require.NoError(t, err)

	alive, _ := p.Health(slot.VMID)
	require.True(t, alive)

	require.NoError(t, p.Release(slot.VMID))
	alive, _ = p.Health(slot.VMID)
	require.False(t, alive)
}
