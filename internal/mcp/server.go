// Package mcp exposes the orchestrator's operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/internal/services"
	"dsr-orchestrator/pkg/models"
)

type Server struct {
	mcpServer    *server.MCPServer
	orchestrator *services.Orchestrator
}

func NewServer(orchestrator *services.Orchestrator, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"DSR Workflow Orchestrator",
			version,
			server.WithToolCapabilities(true),
		),
		orchestrator: orchestrator,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_workflow",
			mcp.WithDescription("Run a data subject request workflow: discover the subject's data, then create a secure delivery package"),
			mcp.WithString("email", mcp.Required(), mcp.Description("Email address of the data subject")),
			mcp.WithString("request_type", mcp.Required(), mcp.Enum("access", "deletion"), mcp.Description("Kind of request")),
		),
		s.handleStartWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Get the current record of a workflow"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The workflow ID")),
		),
		s.handleGetWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_audit_log",
			mcp.WithDescription("Get the audit log, oldest entry first"),
			mcp.WithString("workflow_id", mcp.Description("Only return entries of this workflow")),
		),
		s.handleGetAuditLog,
	)
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: email"), nil
	}
	requestType, err := request.RequireString("request_type")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: request_type"), nil
	}

	result, err := s.orchestrator.Start(ctx, email, requestType)
	if err != nil {
		return toolError("run workflow", err), nil
	}

	return jsonResult(map[string]any{
		"message":          services.CompletedWorkflowMessage,
		"request_id":       result.WorkflowID,
		"delivery_details": result.DeliveryInfo,
	})
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	record, err := s.orchestrator.Get(ctx, id)
	if err != nil {
		return toolError("get workflow", err), nil
	}
	return jsonResult(record)
}

func (s *Server) handleGetAuditLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := request.GetString("workflow_id", ""); id != "" {
		entries, err := s.orchestrator.WorkflowAudit(ctx, id)
		if err != nil {
			return toolError("get audit log", err), nil
		}
		return jsonResult(entries)
	}

	entries, err := s.orchestrator.AuditLog(ctx)
	if err != nil {
		return toolError("get audit log", err), nil
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return jsonResult(entries)
}

// toolError reports a failed call with the class and status the REST API
// would answer with, plus the ID of a workflow left FAILED.
func toolError(action string, err error) *mcp.CallToolResult {
	var (
		validation  *services.ValidationError
		failed      *services.WorkflowFailedError
		unavailable *services.CollaboratorUnavailableError
		rejected    *services.CollaboratorRejectedError
	)

	class, status := "internal", http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		class, status = "validation", http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotFound):
		class, status = "not_found", http.StatusNotFound
	case errors.As(err, &unavailable):
		class, status = "unavailable", http.StatusServiceUnavailable
	case errors.As(err, &rejected):
		class, status = "rejected", rejected.ResponseStatus()
	}

	msg := fmt.Sprintf("Failed to %s: class=%s status=%d", action, class, status)
	if errors.As(err, &failed) {
		msg += " workflow_id=" + failed.WorkflowID
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
