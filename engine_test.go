package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_WiresComponentsAgainstAnInMemoryDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.RepoRoot = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"

	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	require.NotNil(t, e.Store())
	require.NotNil(t, e.Projects())
}

func TestRun_StopsCleanlyOnContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.RepoRoot = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BasePoll = 50 * time.Millisecond
	cfg.ReaperInterval = 50 * time.Millisecond

	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = e.Run(ctx)
	require.NoError(t, err)
}
