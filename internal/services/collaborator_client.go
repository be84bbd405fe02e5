package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dsr-orchestrator/pkg/models"
)

// maxResponseBytes bounds how much of a collaborator response is read.
const maxResponseBytes = 16 << 20

// HTTPCollaboratorClient is an HTTP implementation of the CollaboratorClient
// interface. Each call issues exactly one request.
type HTTPCollaboratorClient struct {
	discoveryURL string
	deliveryURL  string
	httpClient   *http.Client
}

// NewHTTPCollaboratorClient creates a new HTTPCollaboratorClient. timeout
// bounds each call end to end.
func NewHTTPCollaboratorClient(discoveryURL, deliveryURL string, timeout time.Duration) *HTTPCollaboratorClient {
	return &HTTPCollaboratorClient{
		discoveryURL: strings.TrimRight(discoveryURL, "/"),
		deliveryURL:  strings.TrimRight(deliveryURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Discover returns the personal data held for an email address.
func (c *HTTPCollaboratorClient) Discover(ctx context.Context, email string) (json.RawMessage, error) {
	return c.post(ctx, CollaboratorDiscovery, c.discoveryURL+"/discover", map[string]any{
		"email": email,
	})
}

// CreateDelivery packages discovered data and returns its retrieval details.
func (c *HTTPCollaboratorClient) CreateDelivery(ctx context.Context, data json.RawMessage, email string) (json.RawMessage, error) {
	return c.post(ctx, CollaboratorDelivery, c.deliveryURL+"/delivery/create", map[string]any{
		"data":  data,
		"email": email,
	})
}

func (c *HTTPCollaboratorClient) post(ctx context.Context, collaborator Collaborator, url string, body any) (json.RawMessage, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: collaborator, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &CollaboratorUnavailableError{
			Collaborator: collaborator,
			Err:          fmt.Errorf("failed to read response body: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &CollaboratorRejectedError{
			Collaborator: collaborator,
			StatusCode:   resp.StatusCode,
			Body:         strings.TrimSpace(string(payload)),
		}
	}

	if !json.Valid(payload) || !models.PayloadPresent(payload) {
		return nil, &CollaboratorRejectedError{
			Collaborator: collaborator,
			StatusCode:   http.StatusBadGateway,
			Body:         strings.TrimSpace(string(payload)),
		}
	}

	return json.RawMessage(payload), nil
}
