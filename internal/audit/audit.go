// Package audit records an inspectable timeline of engine lifecycle
// events — claim, heartbeat, transition, reap, PR creation — distinct
// from the per-ticket progress_log, which carries agent-authored text.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of lifecycle event being recorded.
type EventType string

const (
	EventClaim      EventType = "claim"
	EventHeartbeat  EventType = "heartbeat"
	EventTransition EventType = "transition"
	EventReap       EventType = "reap"
	EventVerify     EventType = "verify"
	EventPRCreated  EventType = "pr_created"
	EventError      EventType = "error"
)

// Logger records engine events against the shared database.
type Logger struct {
	db *sql.DB
}

// NewLogger builds a logger writing into the audit_log table of db.
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Log records a single event. Failures are deliberately non-fatal to the
// caller: audit logging must never block or fail the operation it is
// describing.
func (l *Logger) Log(ctx context.Context, ticketID, agentID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil {
		return
	}
	var eventData string
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			eventData = string(b)
		}
	}
	_, _ = l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ticket_id, agent_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ticketID, agentID, eventType, eventData, time.Now().UTC())
}
