// Package models defines the domain models for the DSR orchestration service
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowStatus is the lifecycle position of a workflow. The zero value is
// not a valid status.
type WorkflowStatus uint8

const (
	StatusPending WorkflowStatus = iota + 1
	StatusInProgress
	StatusDataDiscoveryComplete
	StatusDeliveryComplete
	StatusComplete
	StatusFailed
)

var statusNames = map[WorkflowStatus]string{
	StatusPending:               "PENDING",
	StatusInProgress:            "IN_PROGRESS",
	StatusDataDiscoveryComplete: "DATA_DISCOVERY_COMPLETE",
	StatusDeliveryComplete:      "DELIVERY_COMPLETE",
	StatusComplete:              "COMPLETE",
	StatusFailed:                "FAILED",
}

// String returns the wire name of the status.
func (s WorkflowStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WorkflowStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s WorkflowStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ParseWorkflowStatus converts a wire name into a WorkflowStatus.
func ParseWorkflowStatus(name string) (WorkflowStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown workflow status %q", name)
}

func (s WorkflowStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid workflow status %d", uint8(s))
	}
	return json.Marshal(s.String())
}

func (s *WorkflowStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseWorkflowStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RequestType is the kind of data subject request being fulfilled.
type RequestType uint8

const (
	RequestTypeAccess RequestType = iota + 1
	RequestTypeDeletion
)

// String returns the wire name of the request type.
func (t RequestType) String() string {
	switch t {
	case RequestTypeAccess:
		return "access"
	case RequestTypeDeletion:
		return "deletion"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(t))
	}
}

// ParseRequestType accepts the wire names case-insensitively.
func ParseRequestType(name string) (RequestType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "access":
		return RequestTypeAccess, nil
	case "deletion":
		return RequestTypeDeletion, nil
	default:
		return 0, fmt.Errorf("unknown request type %q: must be one of access, deletion", name)
	}
}

func (t RequestType) MarshalJSON() ([]byte, error) {
	if t != RequestTypeAccess && t != RequestTypeDeletion {
		return nil, fmt.Errorf("cannot marshal invalid request type %d", uint8(t))
	}
	return json.Marshal(t.String())
}

func (t *RequestType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRequestType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RequestDetails is the originating request. It does not change after the
// workflow is created.
type RequestDetails struct {
	Email       string      `json:"email"`
	RequestType RequestType `json:"request_type"`
}

// WorkflowRecord is the state of a single DSR fulfilment workflow.
type WorkflowRecord struct {
	ID             string          `json:"id"`
	Status         WorkflowStatus  `json:"status"`
	Details        RequestDetails  `json:"details"`
	DiscoveredData json.RawMessage `json:"discovered_data,omitempty"`
	DeliveryInfo   json.RawMessage `json:"delivery_info,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no mutable memory with r.
func (r *WorkflowRecord) Clone() *WorkflowRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.DiscoveredData = cloneRaw(r.DiscoveredData)
	c.DeliveryInfo = cloneRaw(r.DeliveryInfo)
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// AuditEntry is one immutable line of the audit trail.
type AuditEntry struct {
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	Event      string    `json:"event"`
}

// String renders the entry as a human-readable audit line.
func (e AuditEntry) String() string {
	return fmt.Sprintf("%s - Request %s: %s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.WorkflowID, e.Event)
}

// PayloadPresent reports whether raw carries a JSON value other than null.
func PayloadPresent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}
