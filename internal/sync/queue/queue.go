// Package queue provides the durable, priority-ordered store of requests
// issued while offline or after a network failure.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Persister durably stores queued requests. Save and Delete must be
// crash-consistent: a failed write leaves previously stored rows intact.
type Persister interface {
	LoadAll(ctx context.Context) ([]*models.QueuedRequest, error)
	Save(ctx context.Context, req *models.QueuedRequest) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

// EventType identifies a queue mutation.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRemoved   EventType = "removed"
	EventCleared   EventType = "cleared"
	EventReset     EventType = "reset"
)

// Event describes a completed queue mutation together with the stats
// recomputed after it.
type Event struct {
	Type     EventType
	Request  *models.QueuedRequest // nil for cleared and reset
	Terminal bool                  // set on EventFailed when no retry follows
	Count    int                   // affected entries for cleared and reset
	Stats    models.QueueStats
}

// RetryDecision is the outcome of MarkFailed.
type RetryDecision struct {
	Attempts int
	Retry    bool
	Terminal bool
}

// Config holds queue limits.
type Config struct {
	MaxSize           int // Maximum number of queued requests (default: 10000)
	DefaultMaxRetries int // Retry budget for requests that do not set one (default: 3)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:           10000,
		DefaultMaxRetries: 3,
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for CreatedAt and LastAttemptAt.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator sets the generator used for requests enqueued without an id.
func WithIDGenerator(g uuid.Generator) Option {
	return func(s *Store) { s.newID = g }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the ordered collection of pending requests.
//
// writeMu serializes mutations together with their persister write so the
// durable order always matches the in-memory order; mu guards the map and is
// never held across a persister call.
type Store struct {
	writeMu sync.Mutex
	mu      sync.Mutex
	items   map[string]*models.QueuedRequest
	seq     int64

	cfg       Config
	persister Persister
	clock     clockwork.Clock
	newID     uuid.Generator
	log       *logging.Logger

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewStore creates an empty Store. Call Load to rehydrate persisted requests.
func NewStore(persister Persister, cfg Config, opts ...Option) *Store {
	defaults := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}

	s := &Store{
		items:     make(map[string]*models.QueuedRequest),
		cfg:       cfg,
		persister: persister,
		clock:     clockwork.NewRealClock(),
		newID:     uuid.New,
		subs:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Get().Component("queue")
	}
	return s
}

// Load replaces the in-memory queue with the persisted requests, keeping
// their original order. Requests that were in flight when the process
// stopped become pending again.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	loaded, err := s.persister.LoadAll(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load queue", err)
	}

	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })

	s.mu.Lock()
	s.items = make(map[string]*models.QueuedRequest, len(loaded))
	for _, req := range loaded {
		if req.Status == models.RequestInFlight || req.Status == "" {
			req.Status = models.RequestPending
		}
		s.items[req.ID] = req
		if req.Seq > s.seq {
			s.seq = req.Seq
		}
	}
	s.mu.Unlock()

	s.log.Info("Queue rehydrated", map[string]interface{}{"count": len(loaded)})
	return nil
}

// Enqueue validates req, assigns its identity and sequence number, and stores
// it durably. The request is only visible once the persister accepted it; on
// a persister failure nothing is queued and a DURABILITY_FAILED error is
// returned.
func (s *Store) Enqueue(ctx context.Context, req *models.QueuedRequest) (string, error) {
	if req == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "request is nil")
	}

	entry := req.Clone()
	entry.Normalize()
	if err := entry.Validate(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if len(s.items) >= s.cfg.MaxSize {
		s.mu.Unlock()
		return "", apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", s.cfg.MaxSize))
	}
	if entry.ID == "" {
		// Generated ids may repeat ones rehydrated from disk; skip those.
		for tries := 0; tries <= len(s.items); tries++ {
			entry.ID = s.newID()
			if _, exists := s.items[entry.ID]; !exists {
				break
			}
		}
	}
	if _, exists := s.items[entry.ID]; exists {
		s.mu.Unlock()
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("request %s is already queued", entry.ID))
	}
	s.seq++
	entry.Seq = s.seq
	s.mu.Unlock()

	entry.Attempts = 0
	entry.Status = models.RequestPending
	entry.LastAttemptAt = nil
	entry.LastError = ""
	entry.CreatedAt = s.clock.Now().UTC()
	if entry.MaxRetries == 0 {
		entry.MaxRetries = s.cfg.DefaultMaxRetries
	}

	if err := s.persister.Save(ctx, entry); err != nil {
		s.log.Error("Failed to persist queued request", err, map[string]interface{}{"request_id": entry.ID})
		return "", apperrors.Wrap(apperrors.ErrDurability, "request was not queued", err)
	}

	s.mu.Lock()
	s.items[entry.ID] = entry
	stats := s.statsLocked()
	out := entry.Clone()
	s.mu.Unlock()

	s.log.Debug("Enqueued request", map[string]interface{}{
		"request_id": entry.ID,
		"operation":  entry.Operation,
		"priority":   entry.Priority,
		"seq":        entry.Seq,
	})

	s.emit(Event{Type: EventEnqueued, Request: out, Stats: stats})
	return entry.ID, nil
}

// DequeueNext returns the next request to execute and marks it in flight.
//
// Requests are considered by priority tier, then sequence number. In-flight
// and terminally failed requests are skipped. ready, when non-nil, reports
// whether a request may be attempted now; the first not-ready request of a
// tier blocks the rest of that tier so requests of one tier never overtake
// each other.
func (s *Store) DequeueNext(ready func(*models.QueuedRequest) bool) (*models.QueuedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := make(map[models.Priority]bool)
	for _, req := range s.orderedLocked() {
		if req.Status != models.RequestPending || blocked[req.Priority] {
			continue
		}
		if ready != nil && !ready(req) {
			blocked[req.Priority] = true
			continue
		}
		req.Status = models.RequestInFlight
		return req.Clone(), true
	}
	return nil, false
}

// MarkSucceeded removes a delivered request.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	req, ok := s.get(id)
	if !ok {
		return notFound(id)
	}

	if err := s.persister.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove delivered request", err)
	}

	s.mu.Lock()
	delete(s.items, id)
	stats := s.statsLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventSucceeded, Request: req, Stats: stats})
	return nil
}

// MarkFailed records a failed attempt. The request becomes terminal when
// terminal is set or its attempts reach MaxRetries; otherwise it returns to
// pending.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, terminal bool) (RetryDecision, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated, ok := s.get(id)
	if !ok {
		return RetryDecision{}, notFound(id)
	}

	now := s.clock.Now().UTC()
	updated.Attempts++
	updated.LastAttemptAt = &now
	if cause != nil {
		updated.LastError = cause.Error()
	}
	if terminal || updated.Attempts >= updated.MaxRetries {
		updated.Status = models.RequestFailed
	} else {
		updated.Status = models.RequestPending
	}

	if err := s.persister.Save(ctx, updated); err != nil {
		// Keep the entry schedulable; the attempt is simply not recorded.
		s.Release(id)
		return RetryDecision{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to record attempt", err)
	}

	s.mu.Lock()
	if _, still := s.items[id]; still {
		s.items[id] = updated
	}
	stats := s.statsLocked()
	s.mu.Unlock()

	decision := RetryDecision{
		Attempts: updated.Attempts,
		Terminal: updated.IsTerminal(),
		Retry:    !updated.IsTerminal(),
	}

	if decision.Terminal {
		s.log.Warn("Request failed permanently", map[string]interface{}{
			"request_id": id,
			"attempts":   updated.Attempts,
			"error":      updated.LastError,
		})
	}

	s.emit(Event{Type: EventFailed, Request: updated.Clone(), Terminal: decision.Terminal, Stats: stats})
	return decision, nil
}

// Release returns an in-flight request to pending without recording an attempt.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.items[id]
	if !ok || req.Status != models.RequestInFlight {
		return false
	}
	req.Status = models.RequestPending
	return true
}

// Remove deletes a single request regardless of its state.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	req, ok := s.get(id)
	if !ok {
		return notFound(id)
	}

	if err := s.persister.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove request", err)
	}

	s.mu.Lock()
	delete(s.items, id)
	stats := s.statsLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventRemoved, Request: req, Stats: stats})
	return nil
}

// Clear removes every request.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.persister.DeleteAll(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear queue", err)
	}

	s.mu.Lock()
	count := len(s.items)
	s.items = make(map[string]*models.QueuedRequest)
	stats := s.statsLocked()
	s.mu.Unlock()

	s.log.Info("Queue cleared", map[string]interface{}{"removed": count})
	s.emit(Event{Type: EventCleared, Count: count, Stats: stats})
	return nil
}

// ResetFailed makes every terminally failed request eligible again with a
// fresh retry budget. It returns the number of requests reset.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	var failed []*models.QueuedRequest
	for _, req := range s.orderedLocked() {
		if req.IsTerminal() {
			failed = append(failed, req.Clone())
		}
	}
	s.mu.Unlock()

	count := 0
	var resetErr error
	for _, req := range failed {
		req.Attempts = 0
		req.LastError = ""
		req.Status = models.RequestPending
		if err := s.persister.Save(ctx, req); err != nil {
			resetErr = apperrors.Wrap(apperrors.ErrDatabase, "failed to reset request", err)
			break
		}
		s.mu.Lock()
		if _, ok := s.items[req.ID]; ok {
			s.items[req.ID] = req
		}
		s.mu.Unlock()
		count++
	}

	if count > 0 {
		s.log.Info("Reset failed requests for retry", map[string]interface{}{"count": count})
		s.emit(Event{Type: EventReset, Count: count, Stats: s.Stats()})
	}
	return count, resetErr
}

// Get returns a copy of the request with the given id.
func (s *Store) Get(id string) (*models.QueuedRequest, bool) {
	return s.get(id)
}

// List returns copies of all requests in enqueue order.
func (s *Store) List() []*models.QueuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*models.QueuedRequest, 0, len(s.items))
	for _, req := range s.items {
		items = append(items, req.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// Len returns the number of requests in the queue.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// HasPending reports whether any request is eligible for an automatic drain.
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.items {
		if req.Status == models.RequestPending {
			return true
		}
	}
	return false
}

// Stats returns aggregate counts over the queue.
func (s *Store) Stats() models.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Subscribe registers fn for queue events and returns a function that
// removes it. fn runs on the mutating goroutine after the mutation completed.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) emit(ev Event) {
	s.subsMu.RLock()
	handlers := make([]func(Event), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subsMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("Queue subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{"event": ev.Type})
				}
			}()
			h(ev)
		}()
	}
}

func (s *Store) get(id string) (*models.QueuedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// orderedLocked returns the live entries in drain order.
func (s *Store) orderedLocked() []*models.QueuedRequest {
	items := make([]*models.QueuedRequest, 0, len(s.items))
	for _, req := range s.items {
		items = append(items, req)
	}
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Seq < items[j].Seq
	})
	return items
}

func (s *Store) statsLocked() models.QueueStats {
	var stats models.QueueStats
	for _, req := range s.items {
		stats.Add(req)
	}
	return stats
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("request %s not found", id))
}
