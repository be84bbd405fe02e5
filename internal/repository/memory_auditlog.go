package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dsr-orchestrator/pkg/models"
)

// Logger receives a copy of every appended audit line.
type Logger interface {
	Info(msg string, args ...any)
}

// MemoryAuditLog is an in-memory implementation of the AuditLog interface.
//
// Entries form a single total order across all workflows. Timestamps are
// captured under the lock and never go backwards, even if the wall clock does.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
	last    time.Time
	now     func() time.Time
	logger  Logger
}

// NewMemoryAuditLog creates a new MemoryAuditLog. logger may be nil.
func NewMemoryAuditLog(logger Logger) *MemoryAuditLog {
	return &MemoryAuditLog{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Append records an event for a workflow and returns the stored entry.
func (l *MemoryAuditLog) Append(_ context.Context, workflowID, event string) (models.AuditEntry, error) {
	if workflowID == "" {
		return models.AuditEntry{}, fmt.Errorf("workflow id is required")
	}

	l.mu.Lock()
	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	entry := models.AuditEntry{
		Sequence:   int64(len(l.entries)) + 1,
		Timestamp:  ts,
		WorkflowID: workflowID,
		Event:      event,
	}
	l.entries = append(l.entries, entry)
	// mirrored under the lock so log lines come out in sequence order
	if l.logger != nil {
		l.logger.Info("audit",
			"workflow_id", workflowID,
			"event", event,
			"sequence", entry.Sequence,
			"timestamp", entry.Timestamp.Format(time.RFC3339Nano),
		)
	}
	l.mu.Unlock()
	return entry, nil
}

// ReadAll returns every entry, oldest first.
func (l *MemoryAuditLog) ReadAll(_ context.Context) ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]models.AuditEntry(nil), l.entries...), nil
}

// ListByWorkflow returns the entries of one workflow, oldest first. An id
// with no entries yields an empty slice; callers decide whether that means
// the workflow is unknown.
func (l *MemoryAuditLog) ListByWorkflow(_ context.Context, workflowID string) ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.AuditEntry
	for _, e := range l.entries {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}
