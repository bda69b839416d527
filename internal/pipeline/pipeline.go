// Package pipeline runs the post-execution sequence spec §4.7 describes:
// verify, then either open a pull request and hand the ticket to the
// sentinel agent, or retry/escalate on failure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/yuin/goldmark"
	"golang.org/x/oauth2"

	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/ticket"
	"github.com/forgelabs/ticket-engine/internal/verify"
)

// MaxAttempts is the reference value from spec §4.7.
const MaxAttempts = 3

// ProjectResolver looks up the repo a ticket's project is bound to; a nil
// or empty RepoURL short-circuits the pipeline straight to done (spec
// §4.7 step 2 — a pragmatic exception, not the normal path).
type ProjectResolver interface {
	RepoURL(ctx context.Context, projectID string) (owner, repo, baseBranch string, err error)
}

// Pipeline wires the verifier and PR creation together.
type Pipeline struct {
	store    *store.Store
	verifier *verify.Client
	projects ProjectResolver
	gh       *github.Client
	logger   *slog.Logger
}

// Config controls GitHub authentication for PR creation.
type Config struct {
	GitHubToken string
}

// New builds a pipeline. A zero-value GitHubToken still builds a working
// client (unauthenticated, rate-limited) so tests can run without a live
// token.
func New(st *store.Store, verifier *verify.Client, projects ProjectResolver, cfg Config, logger *slog.Logger) *Pipeline {
	var gh *github.Client
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		gh = github.NewClient(nil)
	}
	return &Pipeline{store: st, verifier: verifier, projects: projects, gh: gh, logger: logger}
}

// Run executes the pipeline for a ticket that has just reached verifying.
func (p *Pipeline) Run(ctx context.Context, t *ticket.Ticket) error {
	attempt := t.RetryCount + 1

	owner, repo, baseBranch, err := p.projects.RepoURL(ctx, t.ProjectID)
	if err != nil || owner == "" || repo == "" {
		p.logger.Warn("no repo bound to project, completing without verification", "ticket_id", t.ID, "project_id", t.ProjectID)
		completedAt := time.Now().UTC()
		_, err := p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.Done, store.TransitionFields{CompletedAt: &completedAt})
		return err
	}

	verdict, err := p.verifier.Verify(ctx, verify.Request{
		TicketID:           t.ID,
		BranchName:         t.BranchName,
		RepoURL:            fmt.Sprintf("https://github.com/%s/%s", owner, repo),
		Attempt:            attempt,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Phases:             verify.DefaultPhases,
	})
	if err != nil {
		// Never lose the agent's work: record the error and escalate to
		// needs_review rather than silently discarding a successful push.
		p.logger.Error("verification call failed", "ticket_id", t.ID, "error", err)
		_ = p.store.PutArtifact(ctx, t.ID, attempt, "pipeline_error", err.Error())
		errMsg := err.Error()
		_, txErr := p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.NeedsReview, store.TransitionFields{Error: &errMsg})
		return txErr
	}

	if err := p.store.PutArtifact(ctx, t.ID, attempt, "verifier_feedback", renderFeedback(verdict.FeedbackForAgent)); err != nil {
		p.logger.Error("failed to persist verifier feedback", "ticket_id", t.ID, "error", err)
	}

	if verdict.Status == "passed" || verdict.ReadyForPR {
		return p.promoteToReview(ctx, t, owner, repo, baseBranch)
	}

	if attempt < MaxAttempts {
		p.logger.Info("verification failed, retry remains", "ticket_id", t.ID, "attempt", attempt)
		_, err := p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.NeedsReview, store.TransitionFields{
			VerificationStatus: verificationStatusPtr(ticket.VerificationFailed),
		})
		return err
	}

	p.logger.Warn("verification failed, attempts exhausted", "ticket_id", t.ID, "attempt", attempt)
	_, err = p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.NeedsReview, store.TransitionFields{
		VerificationStatus: verificationStatusPtr(ticket.VerificationFailed),
		HoldReason:         strPtr("verification attempts exhausted"),
	})
	return err
}

func (p *Pipeline) promoteToReview(ctx context.Context, t *ticket.Ticket, owner, repo, baseBranch string) error {
	pr, _, err := p.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(t.Title),
		Head:  github.Ptr(t.BranchName),
		Base:  github.Ptr(baseBranch),
		Body:  github.Ptr(t.Description),
	})
	if err != nil {
		// PR creation failing must not discard a verified, working
		// change: escalate to needs_review with the error recorded
		// rather than blocking the ticket forever (spec §4.7 step 7).
		p.logger.Error("pull request creation failed", "ticket_id", t.ID, "error", err)
		_ = p.store.PutArtifact(ctx, t.ID, t.RetryCount+1, "pr_creation_error", err.Error())
		errMsg := err.Error()
		_, txErr := p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.NeedsReview, store.TransitionFields{Error: &errMsg})
		return txErr
	}

	prURL := pr.GetHTMLURL()
	_, err = p.store.Transition(ctx, t.ID, []ticket.State{ticket.Verifying}, ticket.InReview, store.TransitionFields{
		PRURL:              &prURL,
		VerificationStatus: verificationStatusPtr(ticket.VerificationPassed),
	})
	return err
}

func renderFeedback(feedback string) string {
	var buf sliceWriter
	if err := goldmark.Convert([]byte(feedback), &buf); err != nil {
		return feedback
	}
	return string(buf)
}

type sliceWriter []byte

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

func strPtr(s string) *string { return &s }

func verificationStatusPtr(v ticket.VerificationStatus) *ticket.VerificationStatus { return &v }
