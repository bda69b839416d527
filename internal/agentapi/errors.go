package agentapi

import (
	"fmt"

	"github.com/forgelabs/ticket-engine/internal/ticket"
)

func errMissingField(name string) error {
	return fmt.Errorf("missing required field %q", name)
}

func errOwnerMismatch() error {
	return fmt.Errorf("ticket is owned by a different assignee")
}

func errNotOwned() error {
	return fmt.Errorf("ticket not found or not owned by this agent")
}

func errGuardMismatch(current ticket.State) error {
	return fmt.Errorf("ticket is no longer in the expected state (currently %s)", current)
}
