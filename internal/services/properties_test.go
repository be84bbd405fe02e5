package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/pkg/models"
)

type stubClient struct {
	discoverErr error
	deliveryErr error
}

func (s stubClient) Discover(context.Context, string) (json.RawMessage, error) {
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	return discovered, nil
}

func (s stubClient) CreateDelivery(context.Context, json.RawMessage, string) (json.RawMessage, error) {
	if s.deliveryErr != nil {
		return nil, s.deliveryErr
	}
	return delivered, nil
}

// outcomeErr maps 0 to success, 1 to an unreachable collaborator and 2 to a
// rejected call.
func outcomeErr(c Collaborator, outcome int) error {
	switch outcome {
	case 1:
		return &CollaboratorUnavailableError{Collaborator: c, Err: errors.New("connection refused")}
	case 2:
		return &CollaboratorRejectedError{Collaborator: c, StatusCode: http.StatusNotFound, Body: "not found"}
	default:
		return nil
	}
}

func TestTransitionsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted transitions move forward and terminal states are final", prop.ForAll(
		func(steps []uint8) bool {
			status := models.StatusPending
			for _, s := range steps {
				to := models.WorkflowStatus(s)
				err := ValidateTransition(status, to)
				if err != nil {
					continue
				}
				if status.Terminal() || to <= status {
					return false
				}
				status = to
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(0, 8)),
	))

	properties.TestingRun(t)
}

func TestStartOutcomeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("final status, payloads and audit trail follow the collaborator outcomes", prop.ForAll(
		func(discoveryOutcome, deliveryOutcome int) bool {
			ctx := context.Background()
			store := repository.NewMemoryWorkflowStore()
			audit := repository.NewMemoryAuditLog(nil)
			client := stubClient{
				discoverErr: outcomeErr(CollaboratorDiscovery, discoveryOutcome),
				deliveryErr: outcomeErr(CollaboratorDelivery, deliveryOutcome),
			}
			orch := NewOrchestrator(store, audit, client, nil)

			result, err := orch.Start(ctx, "alice@example.com", "access")

			records, listErr := store.List(ctx)
			if listErr != nil || len(records) != 1 {
				return false
			}
			record := records[0]
			entries, auditErr := audit.ListByWorkflow(ctx, record.ID)
			if auditErr != nil {
				return false
			}

			hasDiscovered := models.PayloadPresent(record.DiscoveredData)
			hasDelivery := models.PayloadPresent(record.DeliveryInfo)

			switch {
			case discoveryOutcome != 0:
				var failed *WorkflowFailedError
				return errors.As(err, &failed) && failed.Step == CollaboratorDiscovery &&
					result == nil &&
					record.Status == models.StatusFailed &&
					!hasDiscovered && !hasDelivery &&
					len(entries) == 3
			case deliveryOutcome != 0:
				var failed *WorkflowFailedError
				return errors.As(err, &failed) && failed.Step == CollaboratorDelivery &&
					result == nil &&
					record.Status == models.StatusFailed &&
					hasDiscovered && !hasDelivery &&
					len(entries) == 5
			default:
				return err == nil && result != nil && result.WorkflowID == record.ID &&
					record.Status == models.StatusComplete &&
					hasDiscovered && hasDelivery &&
					len(entries) == 6
			}
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
