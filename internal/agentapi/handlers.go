package agentapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/forgelabs/ticket-engine/internal/audit"
	"github.com/forgelabs/ticket-engine/internal/classify"
	"github.com/forgelabs/ticket-engine/internal/store"
	"github.com/forgelabs/ticket-engine/internal/ticket"
)

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- POST /claim ---

type claimRequest struct {
	AgentID      string `json:"agent_id"`
	VMID         string `json:"vm_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	TicketFilter string `json:"ticket_filter,omitempty"`
}

type claimResponse struct {
	Ticket          *ticket.Ticket `json:"ticket"`
	AdvisoryBackoff bool           `json:"advisory_backoff,omitempty"`
}

// handleClaim selects the oldest eligible ticket (ready, assigned to an
// agent, unbound), with small-before-medium-before-large size tiebreak
// carried in Metadata, and performs the same atomic Claim the scheduler
// itself uses — a pull-agent and the scheduler can race on the same row
// and exactly one wins (spec §4.5, §8 scenario 6).
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}
	if req.AgentID == "" {
		s.writeErr(w, kindBadRequest, errMissingField("agent_id"))
		return
	}

	ctx := r.Context()
	candidates, err := s.store.ReserveReady(ctx, 25, nil)
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	candidates = filterBySize(candidates)

	vmID := req.VMID
	if vmID == "" {
		vmID = "agent-" + req.AgentID
	}

	for _, t := range candidates {
		if req.ProjectID != "" && t.ProjectID != req.ProjectID {
			continue
		}
		ok, err := s.store.Claim(ctx, t.ID, vmID, s.leaseWindow)
		if err != nil {
			s.writeErr(w, kindInternal, err)
			return
		}
		if !ok {
			continue
		}
		s.audit.Log(ctx, t.ID, req.AgentID, audit.EventClaim, map[string]any{"vm_id": vmID, "via": "agentapi"})
		claimed, err := s.store.GetTicket(ctx, t.ID)
		if err != nil {
			s.writeErr(w, kindInternal, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, claimResponse{Ticket: claimed})
		return
	}

	s.jsonResponse(w, http.StatusOK, claimResponse{Ticket: nil, AdvisoryBackoff: true})
}

// filterBySize keeps candidates oldest first and orders tickets with the
// same created_at small-before-medium-before-large; ReserveReady already
// sorts oldest-first, so this only needs a stable tiebreak sort on top.
func filterBySize(candidates []*ticket.Ticket) []*ticket.Ticket {
	rank := map[ticket.Size]int{ticket.SizeSmall: 0, ticket.SizeMedium: 1, ticket.SizeLarge: 2}
	sized := make([]*ticket.Ticket, len(candidates))
	copy(sized, candidates)

	// Stable insertion sort on the tiebreak key; candidate counts here are
	// small (single poll batch), so O(n^2) is not a concern.
	for i := 1; i < len(sized); i++ {
		j := i
		for j > 0 && sized[j].CreatedAt.Equal(sized[j-1].CreatedAt) && rank[sizeOf(sized[j])] < rank[sizeOf(sized[j-1])] {
			sized[j], sized[j-1] = sized[j-1], sized[j]
			j--
		}
	}
	return sized
}

func sizeOf(t *ticket.Ticket) ticket.Size {
	var meta struct {
		Size ticket.Size `json:"size"`
	}
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &meta)
	}
	if meta.Size == "" {
		return ticket.SizeMedium
	}
	return meta.Size
}

// --- POST /start ---

type startRequest struct {
	TicketID   string `json:"ticket_id"`
	AgentID    string `json:"agent_id"`
	BranchName string `json:"branch_name"`
}

// handleStart confirms the branch an agent is working on; idempotent on
// branch name (spec §4.5).
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}

	ctx := r.Context()
	t, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		s.writeErr(w, classifyStoreErr(err), err)
		return
	}
	if t.AssigneeID != req.AgentID && t.AssigneeID != "" {
		s.writeErr(w, kindConflict, errOwnerMismatch())
		return
	}
	if t.BranchName == req.BranchName {
		s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	branch := req.BranchName
	ok, err := s.store.Transition(ctx, req.TicketID, []ticket.State{ticket.InProgress}, ticket.InProgress, store.TransitionFields{BranchName: &branch})
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	if !ok {
		s.writeErr(w, kindConflict, errGuardMismatch(t.State))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

// --- POST /heartbeat ---

type heartbeatRequest struct {
	AgentID       string `json:"agent_id"`
	TicketID      string `json:"ticket_id"`
	Progress      string `json:"progress,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
}

// handleHeartbeat extends the lease; a heartbeat against a ticket the
// agent no longer owns returns not-found without mutation (spec §4.5,
// §5 — the reaper may have already won the race).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}

	message := req.Progress
	if message == "" {
		message = req.StatusMessage
	}

	ok, err := s.store.Heartbeat(r.Context(), req.TicketID, req.AgentID, message, s.leaseWindow)
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	if !ok {
		s.writeErr(w, kindNotFound, errNotOwned())
		return
	}
	s.audit.Log(r.Context(), req.TicketID, req.AgentID, audit.EventHeartbeat, nil)
	s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

// --- POST /complete ---

type completeRequest struct {
	AgentID      string          `json:"agent_id"`
	TicketID     string          `json:"ticket_id"`
	PRURL        string          `json:"pr_url,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	FilesInvolved []string       `json:"files_involved,omitempty"`
	Outputs      json.RawMessage `json:"outputs,omitempty"`
}

// handleComplete transitions in_progress -> verifying. A second call
// while already in verifying is a no-op success (spec §8 idempotence).
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}

	ctx := r.Context()
	t, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		s.writeErr(w, classifyStoreErr(err), err)
		return
	}
	if t.State == ticket.Verifying {
		s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	fields := store.TransitionFields{}
	if req.BranchName != "" {
		fields.BranchName = &req.BranchName
	}
	if req.PRURL != "" {
		fields.PRURL = &req.PRURL
	}
	ok, err := s.store.Transition(ctx, req.TicketID, []ticket.State{ticket.InProgress}, ticket.Verifying, fields)
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	if !ok {
		s.writeErr(w, kindConflict, errGuardMismatch(t.State))
		return
	}
	s.audit.Log(ctx, req.TicketID, req.AgentID, audit.EventTransition, map[string]any{"to": string(ticket.Verifying)})
	s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

// --- POST /fail ---

type failRequest struct {
	TicketID     string `json:"ticket_id"`
	AgentID      string `json:"agent_id"`
	ErrorMessage string `json:"error_message"`
}

// handleFail runs the retry classifier and routes the ticket to ready
// (retriable, attempts remain) or on_hold (exhausted or non-retriable),
// incrementing rejection_count either way (spec §4.2, §4.5).
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}

	ctx := r.Context()
	t, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		s.writeErr(w, classifyStoreErr(err), err)
		return
	}

	decision := classify.Classify(req.ErrorMessage, t.RetryCount)
	strategy := &ticket.RetryStrategy{
		Category:          string(decision.Category),
		MaxRetries:        decision.MaxRetries,
		BackoffType:       string(decision.BackoffType),
		NextDelayMs:       decision.NextDelayMs,
		AttemptsRemaining: decision.AttemptsRemaining,
	}
	retryCount := t.RetryCount + 1
	rejectionCount := t.RejectionCount + 1
	errMsg := req.ErrorMessage

	var ok bool
	if decision.ShouldRetry {
		dispatchAt := time.Now().UTC().Add(time.Duration(decision.NextDelayMs) * time.Millisecond)
		ok, err = s.store.Transition(ctx, req.TicketID, []ticket.State{ticket.InProgress}, ticket.Ready, store.TransitionFields{
			ClearVM: true, RetryCount: &retryCount, RejectionCount: &rejectionCount, RetryStrategy: strategy, Error: &errMsg,
			NextDispatchAt: &dispatchAt,
		})
	} else {
		holdReason := string(decision.Category)
		ok, err = s.store.Transition(ctx, req.TicketID, []ticket.State{ticket.InProgress}, ticket.OnHold, store.TransitionFields{
			ClearVM: true, RetryCount: &retryCount, RejectionCount: &rejectionCount, RetryStrategy: strategy, HoldReason: &holdReason, Error: &errMsg,
		})
	}
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	if !ok {
		s.writeErr(w, kindConflict, errGuardMismatch(t.State))
		return
	}
	s.audit.Log(ctx, req.TicketID, req.AgentID, audit.EventError, map[string]any{"category": decision.Category, "retriable": decision.ShouldRetry})
	s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "category": decision.Category, "retried": decision.ShouldRetry})
}

// --- POST /release ---

type releaseRequest struct {
	TicketID string `json:"ticket_id"`
	AgentID  string `json:"agent_id"`
	Reason   string `json:"reason,omitempty"`
}

// handleRelease is a voluntary yield, clearing the VM binding and
// returning the ticket to ready (spec §4.5).
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, kindBadRequest, err)
		return
	}

	ctx := r.Context()
	t, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		s.writeErr(w, classifyStoreErr(err), err)
		return
	}

	ok, err := s.store.Transition(ctx, req.TicketID, []ticket.State{ticket.InProgress, ticket.Assigned}, ticket.Ready, store.TransitionFields{ClearVM: true})
	if err != nil {
		s.writeErr(w, kindInternal, err)
		return
	}
	if !ok {
		s.writeErr(w, kindConflict, errGuardMismatch(t.State))
		return
	}
	s.audit.Log(ctx, req.TicketID, req.AgentID, audit.EventTransition, map[string]any{"to": string(ticket.Ready), "reason": req.Reason})
	s.jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}
