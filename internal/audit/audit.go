// Package audit emits structured audit events for authentication decisions.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome of an audited decision.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
)

// Event is a single audit record.
type Event struct {
	ID        string
	Timestamp time.Time
	Action    string
	Outcome   Outcome
	Reason    string
	Subject   string
	Verifier  string
	Method    string
	Path      string
	RemoteIP  string
	RequestID string
}

// NewEvent returns an Event stamped with a fresh ID and the current time.
func NewEvent(action string, outcome Outcome) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Outcome:   outcome,
	}
}

// Auditor consumes audit events. Implementations must be safe for concurrent use.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// LogAuditor writes audit events to a slog.Logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor creates a LogAuditor.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With("component", "audit")}
}

// Record logs ev. Denials are logged at warn level.
func (a *LogAuditor) Record(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}

	a.logger.LogAttrs(ctx, level, "audit",
		slog.String("event_id", ev.ID),
		slog.Time("timestamp", ev.Timestamp),
		slog.String("action", ev.Action),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("reason", ev.Reason),
		slog.String("subject", ev.Subject),
		slog.String("verifier", ev.Verifier),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.String("remote_ip", ev.RemoteIP),
		slog.String("request_id", ev.RequestID),
	)
}
