package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncQueueRow is the durable representation of a QueuedRequest.
type SyncQueueRow struct {
	ID            string `db:"id" json:"id"`
	Seq           int64  `db:"seq" json:"seq"`
	Endpoint      string `db:"endpoint" json:"endpoint"`
	Method        string `db:"method" json:"method"`
	Body          []byte `db:"body" json:"body"`
	TableName     string `db:"table_name" json:"table_name"`
	EntityID      string `db:"entity_id" json:"entity_id"`
	Operation     string `db:"operation" json:"operation"` // create, update, delete, custom
	Priority      string `db:"priority" json:"priority"`   // high, medium, low
	Attempts      int    `db:"attempts" json:"attempts"`
	MaxRetries    int    `db:"max_retries" json:"max_retries"`
	Status        string `db:"status" json:"status"` // pending, in_flight, failed
	CreatedAt     int64  `db:"created_at" json:"created_at"`
	LastAttemptAt *int64 `db:"last_attempt_at" json:"last_attempt_at"`
	LastError     string `db:"last_error" json:"last_error"`
	TimeoutMs     int64  `db:"timeout_ms" json:"timeout_ms"`
	Metadata      []byte `db:"metadata" json:"metadata"`
}

// ToRow converts a QueuedRequest into its durable row. Timestamps are stored
// as Unix milliseconds.
func (r *QueuedRequest) ToRow() (*SyncQueueRow, error) {
	row := &SyncQueueRow{
		ID:         r.ID,
		Seq:        r.Seq,
		Endpoint:   r.Endpoint,
		Method:     r.Method,
		Body:       []byte(r.Body),
		TableName:  r.Table,
		EntityID:   r.EntityID,
		Operation:  string(r.Operation),
		Priority:   string(r.Priority),
		Attempts:   r.Attempts,
		MaxRetries: r.MaxRetries,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt.UnixMilli(),
		LastError:  r.LastError,
		TimeoutMs:  r.Timeout.Milliseconds(),
	}

	if r.LastAttemptAt != nil {
		ms := r.LastAttemptAt.UnixMilli()
		row.LastAttemptAt = &ms
	}

	if len(r.Metadata) > 0 {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.Metadata = meta
	}

	return row, nil
}

// FromRow rebuilds a QueuedRequest from its durable row.
func FromRow(row *SyncQueueRow) (*QueuedRequest, error) {
	req := &QueuedRequest{
		ID:         row.ID,
		Seq:        row.Seq,
		Endpoint:   row.Endpoint,
		Method:     row.Method,
		Table:      row.TableName,
		EntityID:   row.EntityID,
		Operation:  Operation(row.Operation),
		Priority:   Priority(row.Priority),
		Attempts:   row.Attempts,
		MaxRetries: row.MaxRetries,
		Status:     RequestStatus(row.Status),
		CreatedAt:  time.UnixMilli(row.CreatedAt).UTC(),
		LastError:  row.LastError,
		Timeout:    time.Duration(row.TimeoutMs) * time.Millisecond,
	}

	if len(row.Body) > 0 {
		req.Body = json.RawMessage(row.Body)
	}

	if row.LastAttemptAt != nil {
		t := time.UnixMilli(*row.LastAttemptAt).UTC()
		req.LastAttemptAt = &t
	}

	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &req.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return req, nil
}
