package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/ticket"
	"github.com/forgelabs/ticket-engine/internal/verify"
)

type fakeResolver struct {
	owner, repo, base string
}

func (f fakeResolver) RepoURL(ctx context.Context, projectID string) (string, string, string, error) {
	return f.owner, f.repo, f.base, nil
}

func newTestPipeline(t *testing.T, verifyHandler http.HandlerFunc, ghHandler http.HandlerFunc) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	verifySrv := httptest.NewServer(verifyHandler)
	t.Cleanup(verifySrv.Close)
	vc := verify.New(verify.Config{BaseURL: verifySrv.URL, Timeout: verifySrv.Client().Timeout})

	p := New(st, vc, fakeResolver{owner: "acme", repo: "widgets", base: "main"}, Config{}, slog.Default())

	if ghHandler != nil {
		ghSrv := httptest.NewServer(ghHandler)
		t.Cleanup(ghSrv.Close)
		u, _ := url.Parse(ghSrv.URL + "/")
		p.gh.BaseURL = u
	}

	return p, st
}

func seedVerifyingTicket(t *testing.T, st *store.Store) *ticket.Ticket {
	t.Helper()
	ctx := context.Background()
	tk := &ticket.Ticket{ProjectID: "p1", Title: "Add widget", BranchName: "ticket/t1-add-widget"}
	require.NoError(t, st.CreateTicket(ctx, tk))
	_, err := st.Transition(ctx, tk.ID, []ticket.State{ticket.Draft}, ticket.Ready, store.TransitionFields{})
	require.NoError(t, err)
	ok, err := st.Claim(ctx, tk.ID, "vm-1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.Transition(ctx, tk.ID, []ticket.State{ticket.InProgress}, ticket.Verifying, store.TransitionFields{BranchName: &tk.BranchName})
	require.NoError(t, err)
	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	return got
}

func TestPipeline_PassedVerdictOpensPRAndMovesToInReview(t *testing.T) {
	verifyHandler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verify.Verdict{Status: "passed", ReadyForPR: true})
	}
	ghHandler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   1,
			"html_url": "https://github.com/acme/widgets/pull/1",
		})
	}
	p, st := newTestPipeline(t, verifyHandler, ghHandler)
	tk := seedVerifyingTicket(t, st)

	require.NoError(t, p.Run(context.Background(), tk))

	got, err := st.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.InReview, got.State)
	require.Equal(t, "https://github.com/acme/widgets/pull/1", got.PRURL)
	require.Equal(t, ticket.SentinelAgent, got.AssigneeID)
}

func TestPipeline_FailedVerdictWithAttemptsRemainingGoesNeedsReview(t *testing.T) {
	verifyHandler := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verify.Verdict{Status: "failed", FeedbackForAgent: "missing test coverage"})
	}
	p, st := newTestPipeline(t, verifyHandler, nil)
	tk := seedVerifyingTicket(t, st)

	require.NoError(t, p.Run(context.Background(), tk))

	got, err := st.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.NeedsReview, got.State)
}

func TestPipeline_NoRepoBoundCompletesWithoutVerification(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vc := verify.New(verify.Config{BaseURL: "http://unused.invalid"})
	p := New(st, vc, fakeResolver{}, Config{}, slog.Default())

	tk := seedVerifyingTicket(t, st)
	require.NoError(t, p.Run(context.Background(), tk))

	got, err := st.GetTicket(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, ticket.Done, got.State)
}
