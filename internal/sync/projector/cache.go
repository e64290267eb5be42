package projector

import (
	"encoding/json"
	"sort"
	"sync"
)

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	tables map[string]map[string]json.RawMessage
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{tables: make(map[string]map[string]json.RawMessage)}
}

func (c *MemoryCache) Get(table, id string) (json.RawMessage, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.tables[table][id]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (c *MemoryCache) Put(table, id string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, ok := c.tables[table]
	if !ok {
		rows = make(map[string]json.RawMessage)
		c.tables[table] = rows
	}
	rows[id] = append(json.RawMessage(nil), value...)
	return nil
}

func (c *MemoryCache) Delete(table, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tables[table], id)
	return nil
}

// Entry is one cached entity.
type Entry struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// List returns the entries of table in id order.
func (c *MemoryCache) List(table string) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]Entry, 0, len(c.tables[table]))
	for id, v := range c.tables[table] {
		entries = append(entries, Entry{ID: id, Value: append(json.RawMessage(nil), v...)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}
