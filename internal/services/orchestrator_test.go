package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/pkg/models"
)

// MockCollaboratorClient satisfies CollaboratorClient
type MockCollaboratorClient struct {
	mock.Mock
}

func (m *MockCollaboratorClient) Discover(ctx context.Context, email string) (json.RawMessage, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockCollaboratorClient) CreateDelivery(ctx context.Context, data json.RawMessage, email string) (json.RawMessage, error) {
	args := m.Called(ctx, data, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

type fixture struct {
	store  *repository.MemoryWorkflowStore
	audit  *repository.MemoryAuditLog
	client *MockCollaboratorClient
	orch   *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		store:  repository.NewMemoryWorkflowStore(),
		audit:  repository.NewMemoryAuditLog(nil),
		client: new(MockCollaboratorClient),
	}
	f.orch = NewOrchestrator(f.store, f.audit, f.client, nil)
	return f
}

func (f *fixture) events(t *testing.T, id string) []string {
	t.Helper()
	entries, err := f.audit.ListByWorkflow(context.Background(), id)
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}

var (
	discovered = json.RawMessage(`{"crm":[{"name":"Alice","email":"alice@example.com"}]}`)
	delivered  = json.RawMessage(`{"download_url":"/x","password":"p"}`)
)

func TestStart_CompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.client.On("Discover", mock.Anything, "alice@example.com").Return(discovered, nil).Once()
	f.client.On("CreateDelivery", mock.Anything, discovered, "alice@example.com").Return(delivered, nil).Once()

	result, err := f.orch.Start(ctx, "alice@example.com", "access")
	require.NoError(t, err)

	var details struct {
		DownloadURL string `json:"download_url"`
	}
	require.NoError(t, json.Unmarshal(result.DeliveryInfo, &details))
	assert.Equal(t, "/x", details.DownloadURL)

	record, err := f.orch.Get(ctx, result.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, record.Status)
	assert.Equal(t, models.RequestDetails{Email: "alice@example.com", RequestType: models.RequestTypeAccess}, record.Details)
	assert.JSONEq(t, string(discovered), string(record.DiscoveredData))
	assert.JSONEq(t, string(delivered), string(record.DeliveryInfo))

	assert.Equal(t, []string{
		EventStarted,
		EventCallingDiscovery,
		EventDiscoverySucceeded,
		EventCallingDelivery,
		EventDeliverySucceeded,
		EventWorkflowCompleted,
	}, f.events(t, result.WorkflowID))
	f.client.AssertExpectations(t)
}

func TestStart_DiscoveryUnavailableStopsBeforeDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.client.On("Discover", mock.Anything, "alice@example.com").
		Return(nil, &CollaboratorUnavailableError{Collaborator: CollaboratorDiscovery, Err: errors.New("connection refused")})

	result, err := f.orch.Start(ctx, "alice@example.com", "access")
	require.Error(t, err)
	assert.Nil(t, result)

	var failed *WorkflowFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, CollaboratorDiscovery, failed.Step)
	var unavailable *CollaboratorUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	record, err := f.orch.Get(ctx, failed.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)
	assert.Nil(t, record.DiscoveredData)
	assert.Nil(t, record.DeliveryInfo)

	events := f.events(t, failed.WorkflowID)
	assert.Equal(t, []string{
		EventStarted,
		EventCallingDiscovery,
		"Failed to connect to Data Discovery: connection refused",
	}, events)
	assert.NotContains(t, events, EventCallingDelivery)

	f.client.AssertNumberOfCalls(t, "Discover", 1)
	f.client.AssertNumberOfCalls(t, "CreateDelivery", 0)
}

func TestStart_DiscoveryRejectedPreservesStatusAndBody(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	body := `{"detail":"No data found for the specified email address."}`
	f.client.On("Discover", mock.Anything, "nobody@example.com").
		Return(nil, &CollaboratorRejectedError{Collaborator: CollaboratorDiscovery, StatusCode: 404, Body: body})

	_, err := f.orch.Start(ctx, "nobody@example.com", "deletion")

	var rejected *CollaboratorRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 404, rejected.StatusCode)
	assert.Equal(t, body, rejected.Body)

	var failed *WorkflowFailedError
	require.ErrorAs(t, err, &failed)
	events := f.events(t, failed.WorkflowID)
	require.Len(t, events, 3)
	assert.Equal(t, "Data Discovery returned an error: status 404: "+body, events[2])
	f.client.AssertNotCalled(t, "CreateDelivery", mock.Anything, mock.Anything, mock.Anything)
}

func TestStart_DeliveryFailureKeepsDiscoveredData(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.client.On("Discover", mock.Anything, "alice@example.com").Return(discovered, nil)
	f.client.On("CreateDelivery", mock.Anything, discovered, "alice@example.com").
		Return(nil, &CollaboratorUnavailableError{Collaborator: CollaboratorDelivery, Err: errors.New("timeout")})

	_, err := f.orch.Start(ctx, "alice@example.com", "access")

	var failed *WorkflowFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, CollaboratorDelivery, failed.Step)

	record, err := f.orch.Get(ctx, failed.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)
	assert.JSONEq(t, string(discovered), string(record.DiscoveredData))
	assert.Nil(t, record.DeliveryInfo)

	assert.Equal(t, []string{
		EventStarted,
		EventCallingDiscovery,
		EventDiscoverySucceeded,
		EventCallingDelivery,
		"Failed to connect to Secure Delivery: timeout",
	}, f.events(t, failed.WorkflowID))
}

func TestStart_EmptyDiscoveryPayloadFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.client.On("Discover", mock.Anything, "alice@example.com").Return(json.RawMessage("null"), nil)

	_, err := f.orch.Start(ctx, "alice@example.com", "access")

	var rejected *CollaboratorRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 502, rejected.StatusCode)
	f.client.AssertNumberOfCalls(t, "CreateDelivery", 0)
}

func TestStart_ValidationCreatesNoState(t *testing.T) {
	tests := []struct {
		name        string
		email       string
		requestType string
		field       string
	}{
		{"malformed email", "not-an-email", "access", "email"},
		{"display name", "Alice <alice@example.com>", "access", "email"},
		{"no domain dot", "alice@localhost", "access", "email"},
		{"empty email", "", "access", "email"},
		{"unknown request type", "alice@example.com", "correction", "request_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()

			_, err := f.orch.Start(ctx, tt.email, tt.requestType)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			records, err := f.store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, records)
			all, err := f.audit.ReadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
			f.client.AssertNotCalled(t, "Discover", mock.Anything, mock.Anything)
		})
	}
}

func TestStart_CallerCancellationDoesNotAbortWorkflow(t *testing.T) {
	f := newFixture()
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	f.client.On("Discover", live, "alice@example.com").Return(discovered, nil)
	f.client.On("CreateDelivery", live, discovered, "alice@example.com").Return(delivered, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.orch.Start(ctx, "alice@example.com", "access")
	require.NoError(t, err)

	record, err := f.orch.Get(context.Background(), result.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, record.Status)
}

func TestWorkflowAudit_UnknownWorkflow(t *testing.T) {
	f := newFixture()
	_, err := f.orch.WorkflowAudit(context.Background(), "wf-unknown")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.orch.Get(context.Background(), "wf-unknown")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStart_ConcurrentWorkflowsEndTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.client.On("Discover", mock.Anything, mock.MatchedBy(func(email string) bool {
		return !strings.HasPrefix(email, "down")
	})).Return(discovered, nil)
	f.client.On("Discover", mock.Anything, mock.MatchedBy(func(email string) bool {
		return strings.HasPrefix(email, "down")
	})).Return(nil, &CollaboratorUnavailableError{Collaborator: CollaboratorDiscovery, Err: errors.New("refused")})
	f.client.On("CreateDelivery", mock.Anything, mock.Anything, mock.Anything).Return(delivered, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := fmt.Sprintf("user%d@example.com", i)
			if i%4 == 0 {
				email = fmt.Sprintf("down%d@example.com", i)
			}
			_, _ = f.orch.Start(ctx, email, "access")
		}(i)
	}
	wg.Wait()

	records, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, n)
	for _, rec := range records {
		require.True(t, rec.Status.Terminal(), "workflow %s stalled in %s", rec.ID, rec.Status)
		events := f.events(t, rec.ID)
		if rec.Status == models.StatusComplete {
			assert.Len(t, events, 6)
			assert.Equal(t, EventWorkflowCompleted, events[5])
		} else {
			assert.Len(t, events, 3)
			assert.Equal(t, EventCallingDiscovery, events[1])
		}
		assert.Equal(t, EventStarted, events[0])
	}
}
