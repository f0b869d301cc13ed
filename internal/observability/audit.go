package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"` // session ID
	RunID     string         `json:"run_id,omitempty"`
	Action    string         `json:"action"` // e.g. "lock.acquired", "run.failed"
	Status    string         `json:"status"` // "success", "failure"
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger appends lock and run lifecycle events to a JSON lines file.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger opens path for appending.
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &AuditLogger{
		logger: zerolog.New(file),
		file:   file,
	}, nil
}

// Record emits an audit event to the log file and, when ctx carries a span, as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.RunID != "" {
		entry.Str("run_id", event.RunID)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Send()
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// Publish implements runevents.Broadcaster. Only lock and terminal run events
// are audited; progress events are dropped.
func (a *AuditLogger) Publish(e runevents.Event) {
	status, ok := auditStatus(e.Type)
	if !ok {
		return
	}

	kind, _, _ := strings.Cut(string(e.Type), ".")
	a.Record(context.Background(), AuditEvent{
		Type:      kind,
		Timestamp: e.Timestamp,
		Actor:     e.SessionID,
		RunID:     e.RunID,
		Action:    string(e.Type),
		Status:    status,
		Metadata:  map[string]any{"payload": e.Payload},
	})
}

func auditStatus(t runevents.Type) (string, bool) {
	switch t {
	case runevents.TypeLockAcquired, runevents.TypeLockReleased, runevents.TypeRunCreated, runevents.TypeRunCompleted:
		return "success", true
	case runevents.TypeLockTimedOut, runevents.TypeLockCancelled, runevents.TypeLockExpired, runevents.TypeRunFailed:
		return "failure", true
	}
	return "", false
}
