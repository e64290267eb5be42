package queue

import (
	"context"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// MemoryPersister keeps queued requests in process memory. It satisfies
// Persister for tests and for running without a data directory.
type MemoryPersister struct {
	mu   sync.Mutex
	rows map[string]*models.QueuedRequest
	err  error
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{rows: make(map[string]*models.QueuedRequest)}
}

// FailWith makes every subsequent write return err. Pass nil to recover.
func (p *MemoryPersister) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *MemoryPersister) LoadAll(ctx context.Context) ([]*models.QueuedRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*models.QueuedRequest, 0, len(p.rows))
	for _, r := range p.rows {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (p *MemoryPersister) Save(ctx context.Context, req *models.QueuedRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.rows[req.ID] = req.Clone()
	return nil
}

func (p *MemoryPersister) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	delete(p.rows, id)
	return nil
}

func (p *MemoryPersister) DeleteAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.rows = make(map[string]*models.QueuedRequest)
	return nil
}

// Len returns the number of stored rows.
func (p *MemoryPersister) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}
