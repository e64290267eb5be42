// Package db tests for the SQLite read cache.
package db

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/projector"
)

var _ projector.Cache = (*CacheRepository)(nil)

func TestCacheRepository_putGetDelete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	cache := NewCacheRepository(openTestDB(t), WithCacheClock(clock))

	_, ok, err := cache.Get("todos", "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put("todos", "t1", json.RawMessage(`{"title":"milk"}`)))
	clock.Advance(time.Minute)
	require.NoError(t, cache.Put("todos", "t1", json.RawMessage(`{"title":"eggs"}`)))

	v, ok, err := cache.Get("todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"eggs"}`, string(v))

	at, ok, err := cache.UpdatedAt("todos", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), at)

	_, ok, err = cache.Get("notes", "t1")
	require.NoError(t, err)
	assert.False(t, ok, "tables are separate namespaces")

	require.NoError(t, cache.Delete("todos", "t1"))
	require.NoError(t, cache.Delete("todos", "t1"))
	_, ok, err = cache.Get("todos", "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheRepository_List(t *testing.T) {
	cache := NewCacheRepository(openTestDB(t))

	require.NoError(t, cache.Put("todos", "b", json.RawMessage(`{"n":2}`)))
	require.NoError(t, cache.Put("todos", "a", json.RawMessage(`{"n":1}`)))
	require.NoError(t, cache.Put("notes", "z", json.RawMessage(`{}`)))

	entries, err := cache.List("todos")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.JSONEq(t, `{"n":2}`, string(entries[1].Value))
}

func TestCacheRepository_backsProjector(t *testing.T) {
	cache := NewCacheRepository(openTestDB(t))
	require.NoError(t, cache.Put("todos", "t1", json.RawMessage(`{"title":"old"}`)))

	p := projector.New(cache, projector.WithLogger(logging.New(io.Discard, logging.LevelError)))

	_, err := p.Project("tok", "todos", "t1", models.OperationUpdate, json.RawMessage(`{"title":"new"}`))
	require.NoError(t, err)
	v, _, err := cache.Get("todos", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"new"}`, string(v))

	_, err = p.Rollback("tok")
	require.NoError(t, err)
	v, _, err = cache.Get("todos", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"old"}`, string(v))
}
