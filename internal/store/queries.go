package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/ticket-engine/internal/ticket"
)

const defaultQueryTimeout = 5 * time.Second

const ticketColumns = `id, tenant_id, project_id, title, description, acceptance_criteria,
	state, depends_on, assignee_id, assignee_type, execution_mode, workflow_id, vm_id,
	started_at, completed_at, last_heartbeat, lease_expires, branch_name, pr_url,
	retry_count, rejection_count, retry_strategy, verification_status, hold_reason, error,
	inputs, outputs, metadata, created_at, updated_at, next_dispatch_at, last_vm_id`

// CreateTicket inserts a new draft ticket. id is generated if empty.
func (s *Store) CreateTicket(ctx context.Context, t *ticket.Ticket) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.State == "" {
		t.State = ticket.Draft
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, tenant_id, project_id, title, description, acceptance_criteria,
			state, depends_on, assignee_id, assignee_type, execution_mode, workflow_id, vm_id,
			retry_count, rejection_count, inputs, outputs, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.ProjectID, t.Title, t.Description, t.AcceptanceCriteria,
		t.State, string(dependsOn), t.AssigneeID, t.AssigneeType, t.ExecutionMode, t.WorkflowID, t.VMID,
		t.RetryCount, t.RejectionCount, nullableJSON(t.Inputs), nullableJSON(t.Outputs), nullableJSON(t.Metadata),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// GetTicket fetches a single ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ReserveReady returns up to limit tickets eligible for dispatch: state
// ready, an agent assignee, no vm bound yet, not excluded by vmID, not
// still serving out a classifier backoff, oldest first. It is a
// non-locking read; Claim performs the actual atomic reservation.
//
// excludeVMIDs filters out tickets whose last_vm_id (the slot they were
// most recently dispatched to, retained across a requeue to ready) is in
// the given list — a caller that just saw a VM misbehave can avoid
// immediately handing that VM's own leftover ticket straight back to it.
func (s *Store) ReserveReady(ctx context.Context, limit int, excludeVMIDs []string) ([]*ticket.Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE state = ? AND assignee_type = ? AND vm_id = '' AND assignee_id != ''
		AND (next_dispatch_at IS NULL OR next_dispatch_at <= ?)`
	args := []any{ticket.Ready, ticket.AssigneeAgent, time.Now().UTC()}

	if len(excludeVMIDs) > 0 {
		placeholders := make([]string, len(excludeVMIDs))
		for i, vmID := range excludeVMIDs {
			placeholders[i] = "?"
			args = append(args, vmID)
		}
		query += ` AND last_vm_id NOT IN (` + joinComma(placeholders) + `)`
	}

	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reserve ready: %w", err)
	}
	defer rows.Close()

	var out []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim is the atomic serialization point between concurrent schedulers
// (or a scheduler racing a direct HTTP claim): it transitions a ready
// ticket to in_progress and binds vmID, but only if the row is still
// exactly as reserveReady observed it and no other ticket is currently
// bound to vmID.
func (s *Store) Claim(ctx context.Context, ticketID, vmID string, leaseWindow time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	leaseExpires := now.Add(leaseWindow)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET state = ?, vm_id = ?, last_vm_id = ?, started_at = ?, last_heartbeat = ?, lease_expires = ?, updated_at = ?
		WHERE id = ? AND state = ? AND vm_id = ''
		AND NOT EXISTS (SELECT 1 FROM tickets WHERE vm_id = ?)`,
		ticket.InProgress, vmID, vmID, now, now, leaseExpires, now,
		ticketID, ticket.Ready, vmID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return rowsAffected(res)
}

// Heartbeat extends the lease and appends a progress line, but only if the
// ticket is still owned by agentID and not yet terminal/released.
func (s *Store) Heartbeat(ctx context.Context, ticketID, agentID, progress string, leaseWindow time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	leaseExpires := now.Add(leaseWindow)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET last_heartbeat = ?, lease_expires = ?, updated_at = ?
		WHERE id = ? AND assignee_id = ? AND state IN (?, ?, ?)`,
		now, leaseExpires, now,
		ticketID, agentID, ticket.Assigned, ticket.InProgress, ticket.Verifying)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.appendProgress(ctx, ticketID, progress); err != nil {
		return true, fmt.Errorf("append progress: %w", err)
	}
	return true, nil
}

func (s *Store) appendProgress(ctx context.Context, ticketID, message string) error {
	if message == "" {
		return nil
	}
	var seq int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM progress_log WHERE ticket_id = ?`, ticketID).Scan(&seq); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO progress_log (ticket_id, seq, message, created_at) VALUES (?, ?, ?, ?)`,
		ticketID, seq, message, time.Now().UTC())
	return err
}

// TransitionFields carries the optional column writes a transition may
// perform alongside the state change; zero values are left untouched
// except where explicitly documented.
type TransitionFields struct {
	VMID               *string
	BranchName         *string
	PRURL              *string
	RetryCount         *int
	RejectionCount     *int
	RetryStrategy      *ticket.RetryStrategy
	VerificationStatus *ticket.VerificationStatus
	HoldReason         *string
	Error              *string
	CompletedAt        *time.Time
	NextDispatchAt     *time.Time
	ClearVM            bool
}

// Transition performs a guarded state change: it succeeds only if the
// ticket's current state is one of expectedStates. Every state write in
// the engine goes through this call except Claim's own conditional
// ready -> in_progress UPDATE (spec §4.1).
func (s *Store) Transition(ctx context.Context, ticketID string, expectedStates []ticket.State, newState ticket.State, fields TransitionFields) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if len(expectedStates) == 0 {
		return false, fmt.Errorf("transition: expectedStates must not be empty")
	}

	// The legal-edge table is authoritative here, not just in its own
	// tests: a guarded UPDATE that names an illegal (from, to) pair is a
	// caller bug, not a race, so it is rejected before any SQL runs.
	// expectedStates that equal newState are a same-state field-only
	// update (e.g. recording a branch name on an already-in_progress
	// ticket) and are exempt — CanTransition rejects from == to by
	// definition, but that case was never meant to be a state edge.
	for _, es := range expectedStates {
		if es == newState {
			continue
		}
		if !ticket.CanTransition(es, newState) {
			return false, fmt.Errorf("transition: %s -> %s is not a legal edge", es, newState)
		}
	}

	setClauses := []string{"state = ?", "updated_at = ?"}
	args := []any{newState, time.Now().UTC()}

	if fields.ClearVM {
		setClauses = append(setClauses, "vm_id = ''")
	} else if fields.VMID != nil {
		setClauses = append(setClauses, "vm_id = ?")
		args = append(args, *fields.VMID)
	}
	if fields.BranchName != nil {
		setClauses = append(setClauses, "branch_name = ?")
		args = append(args, *fields.BranchName)
	}
	if fields.PRURL != nil {
		setClauses = append(setClauses, "pr_url = ?")
		args = append(args, *fields.PRURL)
	}
	if fields.RetryCount != nil {
		setClauses = append(setClauses, "retry_count = ?")
		args = append(args, *fields.RetryCount)
	}
	if fields.RejectionCount != nil {
		setClauses = append(setClauses, "rejection_count = ?")
		args = append(args, *fields.RejectionCount)
	}
	if fields.RetryStrategy != nil {
		b, err := json.Marshal(fields.RetryStrategy)
		if err != nil {
			return false, fmt.Errorf("marshal retry_strategy: %w", err)
		}
		setClauses = append(setClauses, "retry_strategy = ?")
		args = append(args, string(b))
	}
	if fields.VerificationStatus != nil {
		setClauses = append(setClauses, "verification_status = ?")
		args = append(args, *fields.VerificationStatus)
	}
	if fields.HoldReason != nil {
		setClauses = append(setClauses, "hold_reason = ?")
		args = append(args, *fields.HoldReason)
	}
	if fields.Error != nil {
		setClauses = append(setClauses, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.CompletedAt != nil {
		setClauses = append(setClauses, "completed_at = ?")
		args = append(args, *fields.CompletedAt)
	}
	if newState == ticket.Ready {
		// Every path back to ready either carries a fresh backoff floor
		// (a classified, retriable failure) or none at all (the reaper,
		// drain, or a dependency unblock) — either way the prior value
		// must not leak forward onto an unrelated future hold.
		setClauses = append(setClauses, "next_dispatch_at = ?")
		if fields.NextDispatchAt != nil {
			args = append(args, *fields.NextDispatchAt)
		} else {
			args = append(args, nil)
		}
	}
	if newState == ticket.InReview {
		setClauses = append(setClauses, "assignee_id = ?")
		args = append(args, ticket.SentinelAgent)
	}

	placeholders := make([]string, len(expectedStates))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	query := fmt.Sprintf(`UPDATE tickets SET %s WHERE id = ? AND state IN (%s)`,
		joinComma(setClauses), joinComma(placeholders))

	finalArgs := append(append([]any{}, args...), ticketID)
	for _, st := range expectedStates {
		finalArgs = append(finalArgs, st)
	}

	res, err := s.db.ExecContext(ctx, query, finalArgs...)
	if err != nil {
		return false, fmt.Errorf("transition: %w", err)
	}
	return rowsAffected(res)
}

// ListStuck returns non-terminal, non-ready tickets whose updated_at is
// older than the threshold — a diagnostic sweep distinct from the lease
// reaper, which keys off lease_expires specifically.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]*ticket.Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE state NOT IN (?, ?, ?) AND updated_at < ?`,
		ticket.Done, ticket.Cancelled, ticket.Ready, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	defer rows.Close()

	var out []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListExpiredLeases returns tickets whose lease has expired while still
// bound to a vm; used by the scheduler's reaper.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]*ticket.Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE state IN (?, ?, ?) AND lease_expires IS NOT NULL AND lease_expires < ?`,
		ticket.Assigned, ticket.InProgress, ticket.Verifying, now)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var out []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListVerifying returns every ticket currently in verifying, regardless
// of how it got there (scheduler-dispatched supervise handoff, or a
// pull-mode ticket the agent moved there directly via /complete). The
// scheduler's verification-poll cycle uses this to catch tickets its own
// in-memory dispatch map never saw.
func (s *Store) ListVerifying(ctx context.Context) ([]*ticket.Ticket, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE state = ?`, ticket.Verifying)
	if err != nil {
		return nil, fmt.Errorf("list verifying: %w", err)
	}
	defer rows.Close()

	var out []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verifying ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActivationCounts summarizes the result of an ActivateBuild call.
type ActivationCounts struct {
	Ready   int
	Blocked int
}

// ActivateBuild bulk-transitions a batch's draft tickets to ready or
// blocked per dependency resolution, assigning the forge agent to every
// ticket made ready (invariant 1). It is idempotent: tickets already past
// draft are left untouched.
func (s *Store) ActivateBuild(ctx context.Context, projectID string) (ActivationCounts, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, depends_on FROM tickets WHERE project_id = ? AND state = ?`, projectID, ticket.Draft)
	if err != nil {
		return ActivationCounts{}, fmt.Errorf("activate build query: %w", err)
	}
	type pending struct {
		id        string
		dependsOn []string
	}
	var batch []pending
	for rows.Next() {
		var id, dependsOnJSON string
		if err := rows.Scan(&id, &dependsOnJSON); err != nil {
			rows.Close()
			return ActivationCounts{}, fmt.Errorf("scan draft ticket: %w", err)
		}
		var deps []string
		if dependsOnJSON != "" {
			if err := json.Unmarshal([]byte(dependsOnJSON), &deps); err != nil {
				rows.Close()
				return ActivationCounts{}, fmt.Errorf("unmarshal depends_on: %w", err)
			}
		}
		batch = append(batch, pending{id: id, dependsOn: deps})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ActivationCounts{}, err
	}

	var counts ActivationCounts
	for _, p := range batch {
		resolved, err := s.allDepsDone(ctx, p.dependsOn)
		if err != nil {
			return counts, err
		}
		if resolved {
			if _, err := s.Transition(ctx, p.id, []ticket.State{ticket.Draft}, ticket.Ready, TransitionFields{}); err != nil {
				return counts, err
			}
			if err := s.setAgentAssignee(ctx, p.id, ticket.ForgeAgent); err != nil {
				return counts, err
			}
			counts.Ready++
		} else {
			if _, err := s.Transition(ctx, p.id, []ticket.State{ticket.Draft}, ticket.Blocked, TransitionFields{}); err != nil {
				return counts, err
			}
			counts.Blocked++
		}
	}
	return counts, nil
}

func (s *Store) setAgentAssignee(ctx context.Context, ticketID, assigneeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tickets SET assignee_id = ?, assignee_type = ? WHERE id = ?`,
		assigneeID, ticket.AssigneeAgent, ticketID)
	return err
}

func (s *Store) allDepsDone(ctx context.Context, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	for _, dep := range deps {
		var state string
		err := s.db.QueryRowContext(ctx, `SELECT state FROM tickets WHERE id = ?`, dep).Scan(&state)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if ticket.State(state) != ticket.Done {
			return false, nil
		}
	}
	return true, nil
}

// UnblockSweep re-evaluates blocked tickets whose dependencies have since
// completed, moving them to ready. It is safe to run concurrently with
// scheduling because its own transition is guarded on expectedStates =
// [blocked] (spec §5).
func (s *Store) UnblockSweep(ctx context.Context, projectID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, depends_on FROM tickets WHERE project_id = ? AND state = ?`, projectID, ticket.Blocked)
	if err != nil {
		return 0, fmt.Errorf("unblock sweep query: %w", err)
	}
	type pending struct {
		id        string
		dependsOn []string
	}
	var batch []pending
	for rows.Next() {
		var id, dependsOnJSON string
		if err := rows.Scan(&id, &dependsOnJSON); err != nil {
			rows.Close()
			return 0, err
		}
		var deps []string
		if dependsOnJSON != "" {
			_ = json.Unmarshal([]byte(dependsOnJSON), &deps)
		}
		batch = append(batch, pending{id: id, dependsOn: deps})
	}
	rows.Close()

	unblocked := 0
	for _, p := range batch {
		resolved, err := s.allDepsDone(ctx, p.dependsOn)
		if err != nil {
			return unblocked, err
		}
		if !resolved {
			continue
		}
		ok, err := s.Transition(ctx, p.id, []ticket.State{ticket.Blocked}, ticket.Ready, TransitionFields{})
		if err != nil {
			return unblocked, err
		}
		if ok {
			if err := s.setAgentAssignee(ctx, p.id, ticket.ForgeAgent); err != nil {
				return unblocked, err
			}
			unblocked++
		}
	}
	return unblocked, nil
}

// PutArtifact records a verifier-feedback or pipeline-error artifact
// keyed by attempt, so a replay driver or human reviewer can inspect what
// happened on each pass (spec §4.7).
func (s *Store) PutArtifact(ctx context.Context, ticketID string, attempt int, kind, body string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (ticket_id, attempt, kind, body, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ticket_id, attempt, kind) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`,
		ticketID, attempt, kind, body, time.Now().UTC())
	return err
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var dependsOnJSON string
	var retryStrategyJSON, inputsJSON, outputsJSON, metadataJSON sql.NullString
	var startedAt, completedAt, lastHeartbeat, leaseExpires, nextDispatchAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.TenantID, &t.ProjectID, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.State, &dependsOnJSON, &t.AssigneeID, &t.AssigneeType, &t.ExecutionMode, &t.WorkflowID, &t.VMID,
		&startedAt, &completedAt, &lastHeartbeat, &leaseExpires, &t.BranchName, &t.PRURL,
		&t.RetryCount, &t.RejectionCount, &retryStrategyJSON, &t.VerificationStatus, &t.HoldReason, &t.Error,
		&inputsJSON, &outputsJSON, &metadataJSON, &t.CreatedAt, &t.UpdatedAt, &nextDispatchAt, &t.LastVMID,
	)
	if err != nil {
		return nil, err
	}

	if dependsOnJSON != "" {
		if err := json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	if retryStrategyJSON.Valid && retryStrategyJSON.String != "" {
		var rs ticket.RetryStrategy
		if err := json.Unmarshal([]byte(retryStrategyJSON.String), &rs); err != nil {
			return nil, fmt.Errorf("unmarshal retry_strategy: %w", err)
		}
		t.RetryStrategy = &rs
	}
	if inputsJSON.Valid {
		t.Inputs = json.RawMessage(inputsJSON.String)
	}
	if outputsJSON.Valid {
		t.Outputs = json.RawMessage(outputsJSON.String)
	}
	if metadataJSON.Valid {
		t.Metadata = json.RawMessage(metadataJSON.String)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if lastHeartbeat.Valid {
		t.LastHeartbeat = &lastHeartbeat.Time
	}
	if leaseExpires.Valid {
		t.LeaseExpires = &leaseExpires.Time
	}
	if nextDispatchAt.Valid {
		t.NextDispatchAt = &nextDispatchAt.Time
	}

	return &t, nil
}
