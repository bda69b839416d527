// Package ticket defines the state machine and data model that the rest of
// the engine mutates through the ticket store.
package ticket

import (
	"encoding/json"
	"time"
)

// State is the lifecycle stage of a ticket.
type State string

const (
	Draft       State = "draft"
	Blocked     State = "blocked"
	Ready       State = "ready"
	Assigned    State = "assigned"
	InProgress  State = "in_progress"
	Verifying   State = "verifying"
	InReview    State = "in_review"
	NeedsReview State = "needs_review"
	Done        State = "done"
	OnHold      State = "on_hold"
	Cancelled   State = "cancelled"
)

// AssigneeType distinguishes a ticket bound to a pull-agent from one a
// human owns directly.
type AssigneeType string

const (
	AssigneeAgent AssigneeType = "agent"
	AssigneeHuman AssigneeType = "human"
)

// Logical routing identifiers, not process names; see the glossary.
const (
	ForgeAgent    = "forge-agent"
	SentinelAgent = "sentinel-agent"
)

// ExecutionMode selects how the scheduler gets work in front of an agent.
type ExecutionMode string

const (
	ExecutionDirect   ExecutionMode = "direct"
	ExecutionPull     ExecutionMode = "pull"
	ExecutionWorkflow ExecutionMode = "workflow"
)

// VerificationStatus mirrors the verifier's verdict, null until set.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
)

// RetryStrategy is the opaque policy attached to a ticket by the retry
// classifier; it rides along on the row rather than being recomputed from
// scratch on every failure.
type RetryStrategy struct {
	Category          string `json:"category"`
	MaxRetries        int    `json:"maxRetries"`
	BackoffType       string `json:"backoffType"`
	NextDelayMs       int64  `json:"nextDelayMs"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

// Ticket is the central entity the engine moves through its lifecycle.
type Ticket struct {
	ID                 string             `json:"id"`
	TenantID            string             `json:"tenantId"`
	ProjectID           string             `json:"projectId"`
	Title               string             `json:"title"`
	Description         string             `json:"description"`
	AcceptanceCriteria  string             `json:"acceptanceCriteria"`
	State               State              `json:"state"`
	DependsOn           []string           `json:"dependsOn,omitempty"`
	AssigneeID          string             `json:"assigneeId,omitempty"`
	AssigneeType        AssigneeType       `json:"assigneeType,omitempty"`
	ExecutionMode       ExecutionMode      `json:"executionMode,omitempty"`
	WorkflowID          string             `json:"workflowId,omitempty"`
	VMID                string             `json:"vmId,omitempty"`
	LastVMID            string             `json:"lastVmId,omitempty"`
	NextDispatchAt      *time.Time         `json:"nextDispatchAt,omitempty"`
	StartedAt           *time.Time         `json:"startedAt,omitempty"`
	CompletedAt         *time.Time         `json:"completedAt,omitempty"`
	LastHeartbeat       *time.Time         `json:"lastHeartbeat,omitempty"`
	LeaseExpires        *time.Time         `json:"leaseExpires,omitempty"`
	BranchName          string             `json:"branchName,omitempty"`
	PRURL               string             `json:"prUrl,omitempty"`
	RetryCount          int                `json:"retryCount"`
	RejectionCount      int                `json:"rejectionCount"`
	RetryStrategy       *RetryStrategy     `json:"retryStrategy,omitempty"`
	VerificationStatus  VerificationStatus `json:"verificationStatus,omitempty"`
	HoldReason          string             `json:"holdReason,omitempty"`
	Error               string             `json:"error,omitempty"`
	Inputs              json.RawMessage    `json:"inputs,omitempty"`
	Outputs             json.RawMessage    `json:"outputs,omitempty"`
	Metadata            json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// Size is used only as a claim tiebreak (§4.5 selection order); it is not a
// first-class field persisted separately from Metadata.
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

// legalTransitions encodes the transition table; Transition() in the store
// consults this before issuing the guarded UPDATE, and tests spot-check
// listed and unlisted edges through CanTransition. verifying -> done is the
// pipeline's short-circuit for a ticket whose project has no repo bound.
var legalTransitions = map[State]map[State]bool{
	Draft:       {Ready: true, Blocked: true},
	Blocked:     {Ready: true, Cancelled: true},
	Ready:       {InProgress: true, Cancelled: true},
	Assigned:    {InProgress: true, Ready: true, Cancelled: true},
	InProgress:  {Verifying: true, Ready: true, OnHold: true, Cancelled: true},
	Verifying:   {InReview: true, NeedsReview: true, Ready: true, Done: true, Cancelled: true},
	InReview:    {Done: true, Cancelled: true},
	NeedsReview: {Ready: true, Cancelled: true},
	OnHold:      {Ready: true, Cancelled: true},
	Done:        {},
	Cancelled:   {},
}

// CanTransition reports whether moving from one state to another is a legal
// edge in the table above. It does not check field-level invariants;
// ValidateInvariants checks those on a ticket snapshot.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether state admits no further writes to State
// (invariant 3).
func IsTerminal(s State) bool {
	return s == Done || s == Cancelled
}

// NeedsVMBinding reports whether a ticket in this state must carry a
// non-null VMID and LeaseExpires (invariant 2).
func NeedsVMBinding(s State) bool {
	switch s {
	case Assigned, InProgress, Verifying:
		return true
	default:
		return false
	}
}

// ValidateInvariants checks a single ticket snapshot against the
// structural invariants of §3 that don't require looking at other rows
// (dependency resolution and cross-ticket VM exclusivity are checked by the
// store against the full table, in ActivateBuild/UnblockSweep and Claim,
// not here).
func ValidateInvariants(t *Ticket) []string {
	var violations []string

	if t.State == Ready {
		if t.AssigneeID == "" || t.AssigneeType != AssigneeAgent {
			violations = append(violations, "ready ticket must have an agent assignee")
		}
		if t.VMID != "" {
			violations = append(violations, "ready ticket must not hold a vm slot")
		}
	}

	if NeedsVMBinding(t.State) {
		if t.VMID == "" {
			violations = append(violations, "state "+string(t.State)+" requires a vm_id")
		}
		if t.LeaseExpires == nil {
			violations = append(violations, "state "+string(t.State)+" requires a lease_expires")
		}
	}

	if t.State == InReview {
		if t.PRURL == "" {
			violations = append(violations, "in_review ticket must have a pr_url")
		}
		if t.AssigneeID != SentinelAgent {
			violations = append(violations, "in_review ticket must be assigned to the sentinel agent")
		}
	}

	if t.RetryStrategy != nil && t.RetryCount > t.RetryStrategy.MaxRetries {
		violations = append(violations, "retry_count exceeds maxRetries for its category")
	}

	return violations
}
