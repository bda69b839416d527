package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/ticket-engine/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st)
}

func TestPut_ThenGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Project{ID: "p1", RepoURL: "owner/repo", BaseBranch: "develop", MCPServers: []string{"github"}}))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "owner/repo", got.RepoURL)
	require.Equal(t, "develop", got.BaseBranch)
	require.Equal(t, []string{"github"}, got.MCPServers)
}

func TestGet_UnknownProjectReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepoURL_SplitsOwnerAndRepoFromGitHubURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Project{ID: "p1", RepoURL: "https://github.com/acme/widgets.git", BaseBranch: "main"}))

	owner, repo, base, err := s.RepoURL(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)
	require.Equal(t, "main", base)
}

func TestRepoURL_NoRepoBoundReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Project{ID: "p1"}))

	_, _, _, err := s.RepoURL(ctx, "p1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
