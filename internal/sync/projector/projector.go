// Package projector applies the anticipated effect of queued operations to
// the local read cache and reconciles it with the authoritative outcome.
package projector

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Cache is the caller-visible read cache, keyed by table and entity id.
type Cache interface {
	Get(table, id string) (json.RawMessage, bool, error)
	Put(table, id string, value json.RawMessage) error
	Delete(table, id string) error
}

// State is the lifecycle state of a projection.
type State string

const (
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled_back"
)

// Projection records one optimistic cache mutation and the value it replaced.
type Projection struct {
	Token       string           `json:"token"`
	State       State            `json:"state"`
	Table       string           `json:"table"`
	EntityID    string           `json:"entity_id"`
	Operation   models.Operation `json:"operation"`
	Intended    json.RawMessage  `json:"intended,omitempty"`
	Previous    json.RawMessage  `json:"previous,omitempty"`
	HadPrevious bool             `json:"had_previous"`
	CreatedAt   time.Time        `json:"created_at"`

	order int64
}

func (p *Projection) clone() *Projection {
	c := *p
	c.Intended = append(json.RawMessage(nil), p.Intended...)
	c.Previous = append(json.RawMessage(nil), p.Previous...)
	return &c
}

// touchesCache reports whether the projection changed the read cache.
func (p *Projection) touchesCache() bool {
	return p.Operation != models.OperationCustom && p.Table != "" && p.EntityID != ""
}

type entityKey struct {
	table string
	id    string
}

// Option customizes a Projector.
type Option func(*Projector)

// WithClock sets the clock used for CreatedAt.
func WithClock(c clockwork.Clock) Option {
	return func(p *Projector) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Projector) { p.log = l }
}

// Projector is the only writer of optimistic cache entries.
//
// Pending projections of one entity form a chain in issuance order; each
// link's Previous is the value the cache held when it was applied, which may
// itself be an earlier optimistic value.
type Projector struct {
	mu      sync.Mutex
	cache   Cache
	pending map[string]*Projection
	chains  map[entityKey][]*Projection
	order   int64

	clock clockwork.Clock
	log   *logging.Logger
}

// New creates a Projector over cache.
func New(cache Cache, opts ...Option) *Projector {
	p := &Projector{
		cache:   cache,
		pending: make(map[string]*Projection),
		chains:  make(map[entityKey][]*Projection),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.Get().Component("projector")
	}
	return p
}

// Project applies the anticipated outcome of op to the cache: value is
// inserted for create, replaces the entry for update, and the entry is
// removed for delete. Custom operations are recorded without a cache effect.
func (p *Projector) Project(token, table, entityID string, op models.Operation, value json.RawMessage) (*Projection, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "projection token is required")
	}
	if !op.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", op))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[token]; exists {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("projection %s already exists", token))
	}

	p.order++
	proj := &Projection{
		Token:     token,
		State:     StatePending,
		Table:     table,
		EntityID:  entityID,
		Operation: op,
		Intended:  append(json.RawMessage(nil), value...),
		CreatedAt: p.clock.Now().UTC(),
		order:     p.order,
	}

	if proj.touchesCache() {
		if (op == models.OperationCreate || op == models.OperationUpdate) && len(value) == 0 {
			return nil, apperrors.New(apperrors.ErrInvalid, "create and update projections need a value")
		}

		prev, ok, err := p.cache.Get(table, entityID)
		if err != nil {
			return nil, fmt.Errorf("failed to read cache: %w", err)
		}
		proj.Previous = prev
		proj.HadPrevious = ok

		if err := p.apply(table, entityID, op, value); err != nil {
			return nil, err
		}

		key := entityKey{table, entityID}
		p.chains[key] = append(p.chains[key], proj)
	}

	p.pending[token] = proj

	p.log.Debug("Projected operation", map[string]interface{}{
		"token":     token,
		"table":     table,
		"entity_id": entityID,
		"operation": op,
	})
	return proj.clone(), nil
}

// Confirm settles a projection whose operation succeeded. A non-empty
// serverValue for a create or update is the authoritative entity and
// replaces the optimistic one.
func (p *Projector) Confirm(token string, serverValue json.RawMessage) (*Projection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.pending[token]
	if !ok {
		return nil, notFound(token)
	}

	if proj.touchesCache() {
		authoritative := len(serverValue) > 0 &&
			(proj.Operation == models.OperationCreate || proj.Operation == models.OperationUpdate)

		key := entityKey{proj.Table, proj.EntityID}
		chain := p.chains[key]
		idx := indexOf(chain, proj)

		switch {
		case idx < 0:
		case idx == len(chain)-1 && authoritative:
			if err := p.cache.Put(proj.Table, proj.EntityID, serverValue); err != nil {
				return nil, fmt.Errorf("failed to write confirmed value: %w", err)
			}
		case idx < len(chain)-1:
			// The next projection was based on our optimistic value; base it
			// on what the server actually holds now.
			next := chain[idx+1]
			switch {
			case authoritative:
				next.Previous, next.HadPrevious = append(json.RawMessage(nil), serverValue...), true
			case proj.Operation == models.OperationDelete:
				next.Previous, next.HadPrevious = nil, false
			default:
				next.Previous, next.HadPrevious = append(json.RawMessage(nil), proj.Intended...), true
			}
		}
		p.unlink(key, idx)
	}

	delete(p.pending, token)
	proj.State = StateConfirmed
	return proj.clone(), nil
}

// Rollback undoes a projection whose operation failed terminally. If it is
// the newest projection of its entity the cache is restored; otherwise the
// following projection inherits its Previous so a later rollback restores
// the right value.
func (p *Projector) Rollback(token string) (*Projection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.pending[token]
	if !ok {
		return nil, notFound(token)
	}

	if proj.touchesCache() {
		key := entityKey{proj.Table, proj.EntityID}
		chain := p.chains[key]
		idx := indexOf(chain, proj)

		if idx == len(chain)-1 {
			if err := p.restore(proj); err != nil {
				return nil, err
			}
		} else if idx >= 0 {
			next := chain[idx+1]
			next.Previous = append(json.RawMessage(nil), proj.Previous...)
			next.HadPrevious = proj.HadPrevious
		}
		p.unlink(key, idx)
	}

	delete(p.pending, token)
	proj.State = StateRolledBack

	p.log.Info("Rolled back projection", map[string]interface{}{
		"token":     token,
		"table":     proj.Table,
		"entity_id": proj.EntityID,
	})
	return proj.clone(), nil
}

// ApplyServer writes an authoritative server value, overriding any pending
// projection of the same entity. A nil value means the entity no longer
// exists. Pending projections are rebased so a rollback restores the server
// value instead of stale local state.
func (p *Projector) ApplyServer(table, entityID string, value json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if value == nil {
		err = p.cache.Delete(table, entityID)
	} else {
		err = p.cache.Put(table, entityID, value)
	}
	if err != nil {
		return fmt.Errorf("failed to apply server value: %w", err)
	}

	for _, proj := range p.chains[entityKey{table, entityID}] {
		proj.Previous = append(json.RawMessage(nil), value...)
		proj.HadPrevious = value != nil
	}
	return nil
}

// Get returns the pending projection for token.
func (p *Projector) Get(token string) (*Projection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proj, ok := p.pending[token]
	if !ok {
		return nil, false
	}
	return proj.clone(), true
}

// Pending returns all unsettled projections in issuance order.
func (p *Projector) Pending() []*Projection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Projection, 0, len(p.pending))
	for _, proj := range p.pending {
		out = append(out, proj.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (p *Projector) apply(table, id string, op models.Operation, value json.RawMessage) error {
	var err error
	switch op {
	case models.OperationCreate, models.OperationUpdate:
		err = p.cache.Put(table, id, value)
	case models.OperationDelete:
		err = p.cache.Delete(table, id)
	}
	if err != nil {
		return fmt.Errorf("failed to project %s: %w", op, err)
	}
	return nil
}

func (p *Projector) restore(proj *Projection) error {
	var err error
	if proj.HadPrevious {
		err = p.cache.Put(proj.Table, proj.EntityID, proj.Previous)
	} else {
		err = p.cache.Delete(proj.Table, proj.EntityID)
	}
	if err != nil {
		return fmt.Errorf("failed to restore previous value: %w", err)
	}
	return nil
}

func (p *Projector) unlink(key entityKey, idx int) {
	chain := p.chains[key]
	if idx < 0 || idx >= len(chain) {
		return
	}
	chain = append(chain[:idx], chain[idx+1:]...)
	if len(chain) == 0 {
		delete(p.chains, key)
		return
	}
	p.chains[key] = chain
}

func indexOf(chain []*Projection, proj *Projection) int {
	for i, c := range chain {
		if c == proj {
			return i
		}
	}
	return -1
}

func notFound(token string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("projection %s not found", token))
}
