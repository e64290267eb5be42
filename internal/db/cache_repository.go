package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/offlinesync/internal/sync/projector"
)

// CacheRepository is the SQLite-backed read cache. It satisfies
// projector.Cache.
type CacheRepository struct {
	db    *DB
	clock clockwork.Clock
}

// CacheOption customizes a CacheRepository.
type CacheOption func(*CacheRepository)

// WithCacheClock sets the clock stamping updated_at.
func WithCacheClock(c clockwork.Clock) CacheOption {
	return func(r *CacheRepository) { r.clock = c }
}

// NewCacheRepository creates a CacheRepository.
func NewCacheRepository(db *DB, opts ...CacheOption) *CacheRepository {
	r := &CacheRepository{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the cached entity.
func (r *CacheRepository) Get(table, id string) (json.RawMessage, bool, error) {
	var value []byte
	err := r.db.Get(&value, "SELECT value FROM read_cache WHERE table_name = ? AND entity_id = ?", table, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry %s/%s: %w", table, id, err)
	}
	return json.RawMessage(value), true, nil
}

// Put stores value for the entity, replacing any previous value.
func (r *CacheRepository) Put(table, id string, value json.RawMessage) error {
	const query = `
		INSERT INTO read_cache (table_name, entity_id, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, entity_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := r.db.Exec(query, table, id, []byte(value), r.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to write cache entry %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes the entity. Deleting a missing entity is not an error.
func (r *CacheRepository) Delete(table, id string) error {
	if _, err := r.db.Exec("DELETE FROM read_cache WHERE table_name = ? AND entity_id = ?", table, id); err != nil {
		return fmt.Errorf("failed to delete cache entry %s/%s: %w", table, id, err)
	}
	return nil
}

// List returns every cached entity of table ordered by id.
func (r *CacheRepository) List(table string) ([]projector.Entry, error) {
	var rows []struct {
		ID    string `db:"entity_id"`
		Value []byte `db:"value"`
	}
	if err := r.db.Select(&rows, "SELECT entity_id, value FROM read_cache WHERE table_name = ? ORDER BY entity_id", table); err != nil {
		return nil, fmt.Errorf("failed to list cache table %s: %w", table, err)
	}

	out := make([]projector.Entry, len(rows))
	for i, row := range rows {
		out[i] = projector.Entry{ID: row.ID, Value: json.RawMessage(row.Value)}
	}
	return out, nil
}

// UpdatedAt returns when the entity was last written.
func (r *CacheRepository) UpdatedAt(table, id string) (time.Time, bool, error) {
	var ms int64
	err := r.db.Get(&ms, "SELECT updated_at FROM read_cache WHERE table_name = ? AND entity_id = ?", table, id)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read cache entry %s/%s: %w", table, id, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
