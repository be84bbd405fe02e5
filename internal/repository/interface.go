package repository

import (
	"context"
	"errors"

	"dsr-orchestrator/pkg/models"
)

// ErrNotFound is returned when a workflow id has never been created.
var ErrNotFound = errors.New("workflow not found")

// Mutation changes a workflow record in place. Returning an error discards
// the change.
type Mutation func(record *models.WorkflowRecord) error

// WorkflowStore is an interface for storing and retrieving workflow records.
type WorkflowStore interface {
	// Create allocates a new PENDING record for the request.
	Create(ctx context.Context, details models.RequestDetails) (*models.WorkflowRecord, error)
	// Get retrieves a copy of a record by its ID.
	Get(ctx context.Context, id string) (*models.WorkflowRecord, error)
	// Update applies a mutation atomically and returns the updated copy.
	Update(ctx context.Context, id string, mutate Mutation) (*models.WorkflowRecord, error)
	// List returns every record in creation order.
	List(ctx context.Context) ([]*models.WorkflowRecord, error)
}

// AuditLog is an append-only log of workflow events.
type AuditLog interface {
	// Append records an event for a workflow and returns the stored entry.
	Append(ctx context.Context, workflowID, event string) (models.AuditEntry, error)
	// ReadAll returns every entry, oldest first.
	ReadAll(ctx context.Context) ([]models.AuditEntry, error)
	// ListByWorkflow returns the entries of one workflow, oldest first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]models.AuditEntry, error)
}
