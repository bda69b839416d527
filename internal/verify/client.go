// Package verify is the client for the external verifier collaborator:
// the engine sends a ticket+branch and receives a pass/fail verdict with
// feedback. The verifier's internal check executors are out of scope here
// (spec §1) — this package only speaks the boundary protocol.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Verdict is the verifier's answer for one attempt.
type Verdict struct {
	Status          string `json:"status"` // "passed" | "failed"
	ReadyForPR      bool   `json:"ready_for_pr"`
	FeedbackForAgent string `json:"feedback_for_agent"`
	Evidence        string `json:"evidence"`
}

// Request is the payload sent to the verifier for one ticket attempt.
type Request struct {
	TicketID           string   `json:"ticket_id"`
	BranchName         string   `json:"branch_name"`
	RepoURL            string   `json:"repo_url"`
	Attempt            int      `json:"attempt"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	Phases             []string `json:"phases"`
}

// DefaultPhases is the reference phase list from spec §4.7.
var DefaultPhases = []string{"static", "automated", "sentinel"}

// Client calls an external verifier service over HTTP, guarded by a
// circuit breaker so a verifier outage degrades to fast failures, which
// the post-execution pipeline records and escalates to needs_review,
// rather than hanging every in-flight ticket.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// Config controls the client's endpoint and breaker sensitivity.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerTimeout  time.Duration
	BreakerMaxFails uint32
}

// DefaultConfig returns sensible defaults for a local verifier.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:9090",
		Timeout:         2 * time.Minute,
		BreakerTimeout:  30 * time.Second,
		BreakerMaxFails: 3,
	}
}

// New builds a verifier client.
func New(cfg Config) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "verifier-client",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	})
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
	}
}

// Verify sends req to the verifier and returns its verdict.
func (c *Client) Verify(ctx context.Context, req Request) (*Verdict, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal verify request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build verify request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("verify call: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read verify response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("verifier returned %d: %s", resp.StatusCode, string(respBody))
		}

		var verdict Verdict
		if err := json.Unmarshal(respBody, &verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verify response: %w", err)
		}
		return &verdict, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Verdict), nil
}
