package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_HappyPath(t *testing.T) {
	require.True(t, CanTransition(Draft, Ready))
	require.True(t, CanTransition(Draft, Blocked))
	require.True(t, CanTransition(Ready, InProgress))
	require.True(t, CanTransition(InProgress, Verifying))
	require.True(t, CanTransition(Verifying, InReview))
	require.True(t, CanTransition(InReview, Done))
}

func TestCanTransition_RejectsUnlistedEdges(t *testing.T) {
	assert.False(t, CanTransition(Draft, Done))
	assert.False(t, CanTransition(Done, Ready), "done is terminal")
	assert.False(t, CanTransition(Cancelled, Ready), "cancelled is terminal")
	assert.False(t, CanTransition(Ready, Ready), "no self-transition")
}

func TestCanTransition_RetryAndEscalationEdges(t *testing.T) {
	assert.True(t, CanTransition(Verifying, Ready), "replay on retriable verification failure")
	assert.True(t, CanTransition(Verifying, NeedsReview), "escalate when retries exhausted")
	assert.True(t, CanTransition(InProgress, OnHold), "non-retriable failure routes to on_hold")
	assert.True(t, CanTransition(OnHold, Ready), "human resume")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Done))
	assert.True(t, IsTerminal(Cancelled))
	assert.False(t, IsTerminal(NeedsReview))
	assert.False(t, IsTerminal(OnHold))
}

func TestValidateInvariants_ReadyRequiresAgentAssigneeAndNoVM(t *testing.T) {
	tk := &Ticket{State: Ready}
	violations := ValidateInvariants(tk)
	assert.NotEmpty(t, violations)

	tk = &Ticket{State: Ready, AssigneeID: ForgeAgent, AssigneeType: AssigneeAgent}
	assert.Empty(t, ValidateInvariants(tk))

	tk.VMID = "vm-1"
	assert.NotEmpty(t, ValidateInvariants(tk), "ready ticket must not hold a vm slot")
}

func TestValidateInvariants_InProgressRequiresLease(t *testing.T) {
	tk := &Ticket{State: InProgress, VMID: "vm-1"}
	assert.NotEmpty(t, ValidateInvariants(tk), "missing lease_expires")

	leaseExpires := time.Now().Add(time.Minute)
	tk.LeaseExpires = &leaseExpires
	assert.Empty(t, ValidateInvariants(tk))
}

func TestValidateInvariants_InReviewRequiresPRAndSentinel(t *testing.T) {
	tk := &Ticket{State: InReview}
	assert.NotEmpty(t, ValidateInvariants(tk))

	tk = &Ticket{State: InReview, PRURL: "https://example/pr/1", AssigneeID: SentinelAgent}
	assert.Empty(t, ValidateInvariants(tk))
}

func TestValidateInvariants_RetryCountBound(t *testing.T) {
	tk := &Ticket{
		State:         OnHold,
		RetryCount:    4,
		RetryStrategy: &RetryStrategy{Category: "transient", MaxRetries: 3},
	}
	assert.NotEmpty(t, ValidateInvariants(tk))
}
