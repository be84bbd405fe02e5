package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/pkg/models"
)

// Audit events, in the order a successful workflow produces them.
const (
	EventStarted             = "Workflow started."
	EventCallingDiscovery    = "Calling Data Discovery."
	EventDiscoverySucceeded  = "Data discovery successful."
	EventCallingDelivery     = "Calling Secure Delivery."
	EventDeliverySucceeded   = "Secure delivery package created."
	EventWorkflowCompleted   = "Workflow completed successfully."
	CompletedWorkflowMessage = EventWorkflowCompleted
)

// StartResult is returned for a workflow that reached COMPLETE.
type StartResult struct {
	WorkflowID   string
	DeliveryInfo json.RawMessage
}

// Orchestrator drives DSR workflows through their lifecycle.
type Orchestrator struct {
	store   repository.WorkflowStore
	audit   repository.AuditLog
	client  CollaboratorClient
	logger  Logger
	tracer  trace.Tracer
	metrics *workflowMetrics
}

// NewOrchestrator creates a new Orchestrator. logger may be nil.
func NewOrchestrator(store repository.WorkflowStore, audit repository.AuditLog, client CollaboratorClient, logger Logger) *Orchestrator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Orchestrator{
		store:   store,
		audit:   audit,
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newWorkflowMetrics(otel.Meter(instrumentationName)),
	}
}

// ValidateStartRequest checks a start request and converts it to
// RequestDetails.
func ValidateStartRequest(email, requestType string) (models.RequestDetails, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return models.RequestDetails{}, &ValidationError{Field: "email", Reason: fmt.Sprintf("%q is not a valid email address", email)}
	}
	if at := strings.LastIndex(email, "@"); !strings.Contains(email[at+1:], ".") {
		return models.RequestDetails{}, &ValidationError{Field: "email", Reason: fmt.Sprintf("%q has no valid domain", email)}
	}

	rt, err := models.ParseRequestType(requestType)
	if err != nil {
		return models.RequestDetails{}, &ValidationError{Field: "request_type", Reason: err.Error()}
	}

	return models.RequestDetails{Email: email, RequestType: rt}, nil
}

// Start runs a new workflow to completion. Discovery always finishes before
// delivery begins. A collaborator failure moves the workflow to FAILED and is
// returned as a *WorkflowFailedError.
//
// The caller's cancellation is not propagated to collaborator calls: once a
// workflow has started it runs until it completes or fails.
func (o *Orchestrator) Start(ctx context.Context, email, requestType string) (*StartResult, error) {
	details, err := ValidateStartRequest(email, requestType)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(context.WithoutCancel(ctx), "workflow.start")
	defer span.End()

	record, err := o.store.Create(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	id := record.ID
	span.SetAttributes(
		attribute.String("workflow.id", id),
		attribute.String("dsr.request_type", details.RequestType.String()),
	)
	o.logger.Info("Workflow created", "workflow_id", id, "request_type", details.RequestType.String())

	if err := o.record(ctx, id, EventStarted); err != nil {
		return nil, err
	}

	// Data Discovery
	if err := o.transition(ctx, id, models.StatusInProgress, nil); err != nil {
		return nil, err
	}
	if err := o.record(ctx, id, EventCallingDiscovery); err != nil {
		return nil, err
	}
	discovered, err := o.call(ctx, CollaboratorDiscovery, "collaborator.discover", func(ctx context.Context) (json.RawMessage, error) {
		return o.client.Discover(ctx, details.Email)
	})
	if err != nil {
		return nil, o.fail(ctx, span, id, CollaboratorDiscovery, err)
	}
	err = o.transition(ctx, id, models.StatusDataDiscoveryComplete, func(r *models.WorkflowRecord) {
		r.DiscoveredData = discovered
	})
	if err != nil {
		return nil, err
	}
	if err := o.record(ctx, id, EventDiscoverySucceeded); err != nil {
		return nil, err
	}

	// Secure Delivery
	if err := o.record(ctx, id, EventCallingDelivery); err != nil {
		return nil, err
	}
	delivery, err := o.call(ctx, CollaboratorDelivery, "collaborator.create_delivery", func(ctx context.Context) (json.RawMessage, error) {
		return o.client.CreateDelivery(ctx, discovered, details.Email)
	})
	if err != nil {
		return nil, o.fail(ctx, span, id, CollaboratorDelivery, err)
	}
	err = o.transition(ctx, id, models.StatusDeliveryComplete, func(r *models.WorkflowRecord) {
		r.DeliveryInfo = delivery
	})
	if err != nil {
		return nil, err
	}
	if err := o.record(ctx, id, EventDeliverySucceeded); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, id, models.StatusComplete, nil); err != nil {
		return nil, err
	}
	if err := o.record(ctx, id, EventWorkflowCompleted); err != nil {
		return nil, err
	}
	o.metrics.workflowFinished(ctx, models.StatusComplete)
	o.logger.Info("Workflow completed", "workflow_id", id)

	return &StartResult{WorkflowID: id, DeliveryInfo: delivery}, nil
}

// Get returns the current record of a workflow.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	return o.store.Get(ctx, id)
}

// AuditLog returns the whole audit trail, oldest first.
func (o *Orchestrator) AuditLog(ctx context.Context) ([]models.AuditEntry, error) {
	return o.audit.ReadAll(ctx)
}

// WorkflowAudit returns the audit trail of one workflow.
func (o *Orchestrator) WorkflowAudit(ctx context.Context, id string) ([]models.AuditEntry, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.audit.ListByWorkflow(ctx, id)
}

func (o *Orchestrator) record(ctx context.Context, id, event string) error {
	if _, err := o.audit.Append(ctx, id, event); err != nil {
		return fmt.Errorf("append audit entry for workflow %s: %w", id, err)
	}
	return nil
}

// transition moves a workflow to a new status, applying set in the same
// atomic update so payloads and status never disagree.
func (o *Orchestrator) transition(ctx context.Context, id string, to models.WorkflowStatus, set func(*models.WorkflowRecord)) error {
	_, err := o.store.Update(ctx, id, func(r *models.WorkflowRecord) error {
		if err := ValidateTransition(r.Status, to); err != nil {
			return err
		}
		if set != nil {
			set(r)
		}
		r.Status = to
		return nil
	})
	if err != nil {
		return fmt.Errorf("workflow %s: %w", id, err)
	}
	o.logger.Debug("Workflow transitioned", "workflow_id", id, "status", to.String())
	return nil
}

func (o *Orchestrator) call(ctx context.Context, c Collaborator, spanName string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("collaborator", string(c))))
	defer span.End()

	start := time.Now()
	payload, err := fn(ctx)
	if err == nil && !models.PayloadPresent(payload) {
		err = &CollaboratorRejectedError{Collaborator: c, StatusCode: http.StatusBadGateway, Body: "empty payload"}
	}
	o.metrics.collaboratorCalled(ctx, c, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return payload, nil
}

// fail moves a workflow to FAILED, records exactly one failure entry and
// returns the error to hand back to the caller.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, id string, step Collaborator, cause error) error {
	failure := &WorkflowFailedError{WorkflowID: id, Step: step, Err: cause}
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Error())

	var errs []error
	errs = append(errs, failure)
	if err := o.transition(ctx, id, models.StatusFailed, nil); err != nil {
		errs = append(errs, err)
	}
	if err := o.record(ctx, id, failureEvent(step, cause)); err != nil {
		errs = append(errs, err)
	}
	o.metrics.workflowFinished(ctx, models.StatusFailed)
	o.logger.Error("Workflow failed", "workflow_id", id, "step", string(step), "error", cause)

	if len(errs) == 1 {
		return failure
	}
	return errors.Join(errs...)
}

func failureEvent(step Collaborator, cause error) string {
	var unavailable *CollaboratorUnavailableError
	var rejected *CollaboratorRejectedError
	switch {
	case errors.As(cause, &unavailable):
		return fmt.Sprintf("Failed to connect to %s: %v", step, unavailable.Err)
	case errors.As(cause, &rejected):
		return fmt.Sprintf("%s returned an error: status %d: %s", step, rejected.StatusCode, rejected.Body)
	default:
		return fmt.Sprintf("%s call failed: %v", step, cause)
	}
}
