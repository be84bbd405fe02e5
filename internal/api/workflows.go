// Package api contains the HTTP handlers for the DSR orchestration service
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/internal/services"
	"dsr-orchestrator/pkg/models"
)

// Logger receives unexpected handler failures.
type Logger interface {
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}

// Server holds the dependencies for the workflow endpoints.
type Server struct {
	Orchestrator *services.Orchestrator
	logger       Logger
}

// NewServer creates a new Server. A nil logger discards errors.
func NewServer(orchestrator *services.Orchestrator, logger Logger) *Server {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{Orchestrator: orchestrator, logger: logger}
}

// StartWorkflowRequest is the body of POST /workflows/start.
type StartWorkflowRequest struct {
	Email       string `json:"email"`
	RequestType string `json:"request_type"`
}

// StartWorkflowResponse is returned for a workflow that completed.
type StartWorkflowResponse struct {
	Message         string          `json:"message"`
	RequestID       string          `json:"request_id"`
	DeliveryDetails json.RawMessage `json:"delivery_details"`
}

// AuditLogResponse wraps a sequence of audit entries.
type AuditLogResponse struct {
	WorkflowID string              `json:"workflow_id,omitempty"`
	AuditLog   []models.AuditEntry `json:"audit_log"`
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers mounts the workflow and service endpoints.
func RegisterHandlers(router EchoRouter, s *Server, h *Handler) {
	router.GET("/", h.HandleHealth)
	router.GET("/health", h.HandleHealth)
	router.GET("/openapi.yaml", SpecHandler)

	router.POST("/workflows/start", s.StartWorkflow)
	router.GET("/workflows/:id", s.GetWorkflow)
	router.GET("/workflows/:id/audit", s.GetWorkflowAudit)
	router.GET("/auditlog", s.GetAuditLog)
}

// StartWorkflow runs a DSR workflow to completion
// (POST /workflows/start)
func (s *Server) StartWorkflow(c echo.Context) error {
	var req StartWorkflowRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error(), "")
	}

	result, err := s.Orchestrator.Start(c.Request().Context(), req.Email, req.RequestType)
	if err != nil {
		return s.writeWorkflowError(c, err)
	}

	return c.JSON(http.StatusOK, StartWorkflowResponse{
		Message:         services.CompletedWorkflowMessage,
		RequestID:       result.WorkflowID,
		DeliveryDetails: result.DeliveryInfo,
	})
}

// GetWorkflow returns the full record of a workflow
// (GET /workflows/{id})
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := bindWorkflowID(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid workflow id", err.Error(), "")
	}

	record, err := s.Orchestrator.Get(c.Request().Context(), id)
	if err != nil {
		return s.writeWorkflowError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// GetWorkflowAudit returns the audit trail of one workflow
// (GET /workflows/{id}/audit)
func (s *Server) GetWorkflowAudit(c echo.Context) error {
	id, err := bindWorkflowID(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid workflow id", err.Error(), "")
	}

	entries, err := s.Orchestrator.WorkflowAudit(c.Request().Context(), id)
	if err != nil {
		return s.writeWorkflowError(c, err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, AuditLogResponse{WorkflowID: id, AuditLog: entries})
}

// GetAuditLog returns the complete audit log, oldest first
// (GET /auditlog)
func (s *Server) GetAuditLog(c echo.Context) error {
	entries, err := s.Orchestrator.AuditLog(c.Request().Context())
	if err != nil {
		return s.writeWorkflowError(c, err)
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(http.StatusOK, AuditLogResponse{AuditLog: entries})
}

func bindWorkflowID(c echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// writeWorkflowError maps orchestrator errors to Problem Details. A rejected
// collaborator call mirrors the collaborator's status and body.
func (s *Server) writeWorkflowError(c echo.Context, err error) error {
	var (
		validation  *services.ValidationError
		failed      *services.WorkflowFailedError
		unavailable *services.CollaboratorUnavailableError
		rejected    *services.CollaboratorRejectedError
	)

	instance := ""
	if errors.As(err, &failed) {
		instance = "/workflows/" + failed.WorkflowID
	}

	switch {
	case errors.As(err, &validation):
		return writeError(c, http.StatusUnprocessableEntity, "Invalid start request", validation.Error(), "")
	case errors.Is(err, repository.ErrNotFound):
		return writeError(c, http.StatusNotFound, "Not Found", "Workflow not found.", "")
	case errors.As(err, &unavailable):
		return writeError(c, http.StatusServiceUnavailable,
			fmt.Sprintf("%s unavailable", unavailable.Collaborator),
			fmt.Sprintf("%s is unavailable.", unavailable.Collaborator),
			instance)
	case errors.As(err, &rejected):
		return writeError(c, rejected.ResponseStatus(),
			fmt.Sprintf("%s returned an error", rejected.Collaborator),
			fmt.Sprintf("Error from %s: %s", rejected.Collaborator, rejected.Body),
			instance)
	default:
		s.logger.Error("Workflow request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
		return writeError(c, http.StatusInternalServerError, "Internal Server Error", err.Error(), instance)
	}
}
