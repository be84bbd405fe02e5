package services

import (
	"context"
	"encoding/json"
)

// CollaboratorClient is an interface for communicating with the downstream
// Data Discovery and Secure Delivery services.
type CollaboratorClient interface {
	// Discover returns the personal data held for an email address.
	Discover(ctx context.Context, email string) (json.RawMessage, error)
	// CreateDelivery packages discovered data and returns its retrieval details.
	CreateDelivery(ctx context.Context, data json.RawMessage, email string) (json.RawMessage, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
