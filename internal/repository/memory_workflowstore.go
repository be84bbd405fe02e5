package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dsr-orchestrator/pkg/models"
)

// MemoryWorkflowStore is an in-memory implementation of the WorkflowStore
// interface. Records live for the lifetime of the process.
type MemoryWorkflowStore struct {
	mu      sync.RWMutex
	records map[string]*models.WorkflowRecord
	order   []string
	now     func() time.Time
	newID   func() string
}

// NewMemoryWorkflowStore creates a new MemoryWorkflowStore.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		records: make(map[string]*models.WorkflowRecord),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Create allocates a new PENDING record for the request.
func (s *MemoryWorkflowStore) Create(_ context.Context, details models.RequestDetails) (*models.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.records[id]; exists {
		return nil, fmt.Errorf("workflow id %q already allocated", id)
	}

	now := s.now()
	record := &models.WorkflowRecord{
		ID:        id,
		Status:    models.StatusPending,
		Details:   details,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[id] = record
	s.order = append(s.order, id)
	return record.Clone(), nil
}

// Get retrieves a copy of a record by its ID.
func (s *MemoryWorkflowStore) Get(_ context.Context, id string) (*models.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get workflow %q: %w", id, ErrNotFound)
	}
	return record.Clone(), nil
}

// Update applies a mutation atomically and returns the updated copy. The
// mutation runs on a scratch copy so a failed mutation leaves no trace.
func (s *MemoryWorkflowStore) Update(_ context.Context, id string, mutate Mutation) (*models.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("update workflow %q: %w", id, ErrNotFound)
	}

	scratch := record.Clone()
	if err := mutate(scratch); err != nil {
		return nil, err
	}
	// identity and request details are fixed at creation
	scratch.ID = record.ID
	scratch.Details = record.Details
	scratch.CreatedAt = record.CreatedAt
	scratch.UpdatedAt = s.now()

	s.records[id] = scratch
	return scratch.Clone(), nil
}

// List returns every record in creation order.
func (s *MemoryWorkflowStore) List(_ context.Context) ([]*models.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*models.WorkflowRecord, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.records[id].Clone())
	}
	return records, nil
}
