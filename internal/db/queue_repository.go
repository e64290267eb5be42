package db

import (
	"context"
	"fmt"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// QueueRepository stores queued requests in the sync_queue table. It
// satisfies queue.Persister; every write runs in its own transaction so a
// crash leaves either the old row or the new one.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a QueueRepository.
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, seq, endpoint, method, body, table_name, entity_id, operation, priority,
	attempts, max_retries, status, created_at, last_attempt_at, last_error, timeout_ms, metadata`

// LoadAll returns every stored request in sequence order.
func (r *QueueRepository) LoadAll(ctx context.Context) ([]*models.QueuedRequest, error) {
	var rows []models.SyncQueueRow
	if err := r.db.SelectContext(ctx, &rows, "SELECT "+queueColumns+" FROM sync_queue ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}

	out := make([]*models.QueuedRequest, 0, len(rows))
	for i := range rows {
		req, err := models.FromRow(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode queued request %s: %w", rows[i].ID, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// Save inserts req or replaces the stored row with the same id.
func (r *QueueRepository) Save(ctx context.Context, req *models.QueuedRequest) error {
	row, err := req.ToRow()
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO sync_queue (` + queueColumns + `) VALUES (
			:id, :seq, :endpoint, :method, :body, :table_name, :entity_id, :operation, :priority,
			:attempts, :max_retries, :status, :created_at, :last_attempt_at, :last_error, :timeout_ms, :metadata
		)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			max_retries = excluded.max_retries,
			status = excluded.status,
			priority = excluded.priority,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error,
			timeout_ms = excluded.timeout_ms,
			metadata = excluded.metadata`

	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save queued request %s: %w", req.ID, err)
	}
	return tx.Commit()
}

// Delete removes the request with id. Deleting a missing row is not an error.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete queued request %s: %w", id, err)
	}
	return tx.Commit()
}

// DeleteAll removes every stored request.
func (r *QueueRepository) DeleteAll(ctx context.Context) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue"); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of stored requests.
func (r *QueueRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_queue"); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}
