// Package models provides the value types shared by the sync engine.
package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Operation is the kind of mutation a queued request performs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationCustom Operation = "custom"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationCustom:
		return true
	}
	return false
}

// Priority is a queued request's drain precedence tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in drain order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns the tier's drain position; lower drains first. Unknown
// priorities rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// RequestStatus is the lifecycle state of a queued request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestInFlight RequestStatus = "in_flight"
	RequestFailed   RequestStatus = "failed"
)

// QueuedRequest is a mutating operation waiting to be delivered to the backend.
type QueuedRequest struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body,omitempty"`
	Table         string          `json:"table,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	Operation     Operation       `json:"operation"`
	Priority      Priority        `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	Status        RequestStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// IsTerminal reports whether the request is excluded from automatic drains.
func (r *QueuedRequest) IsTerminal() bool {
	return r.Status == RequestFailed
}

// Clone returns a deep copy safe to hand to callers.
func (r *QueuedRequest) Clone() *QueuedRequest {
	c := *r
	if r.Body != nil {
		c.Body = append(json.RawMessage(nil), r.Body...)
	}
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Normalize upper-cases the method and fills default operation and priority.
func (r *QueuedRequest) Normalize() {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Operation == "" {
		r.Operation = OperationFromMethod(r.Method)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
}

// Validate checks the fields a caller must supply.
func (r *QueuedRequest) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return fmt.Errorf("method %s is not a mutation", r.Method)
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		return fmt.Errorf("body is not valid JSON")
	}
	return nil
}

// OperationFromMethod maps an HTTP method onto the operation it usually performs.
func OperationFromMethod(method string) Operation {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return OperationCreate
	case http.MethodPut, http.MethodPatch:
		return OperationUpdate
	case http.MethodDelete:
		return OperationDelete
	}
	return OperationCustom
}
