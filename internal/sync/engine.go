// Package sync wires the network monitor, operation queue, projector,
// scheduler and notification aggregator into one offline-first engine.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
	"github.com/kimhsiao/offlinesync/internal/sync/projector"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
	"github.com/kimhsiao/offlinesync/internal/sync/transport"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Config holds engine configuration.
type Config struct {
	// EnableOfflineMode lets Submit fall back to the queue when the
	// operation cannot reach the server. When false Submit fails instead.
	EnableOfflineMode bool
	Network           network.Config
	Queue             queue.Config
	Scheduler         scheduler.SchedulerConfig
	Notify            notify.Config
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		EnableOfflineMode: true,
		Network:           network.DefaultConfig(),
		Queue:             queue.DefaultConfig(),
		Scheduler:         *scheduler.DefaultSchedulerConfig(),
		Notify:            notify.DefaultConfig(),
	}
}

// Dependencies are the collaborators the engine drives. Persister and
// Transport are required; a nil Cache uses an in-memory cache and a nil
// Prober disables reachability probing.
type Dependencies struct {
	Persister queue.Persister
	Cache     projector.Cache
	Transport transport.Transport
	Prober    network.Prober
}

// Option customizes an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	clock         clockwork.Clock
	log           *logging.Logger
	newID         uuid.Generator
	initialOnline *bool
}

// WithClock sets the clock shared by every component.
func WithClock(c clockwork.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithLogger sets the base logger; components log under their own names.
func WithLogger(l *logging.Logger) Option {
	return func(o *engineOptions) { o.log = l }
}

// WithIDGenerator sets the generator for request and notification ids.
func WithIDGenerator(g uuid.Generator) Option {
	return func(o *engineOptions) { o.newID = g }
}

// WithInitialOnline sets the platform's connectivity at startup.
func WithInitialOnline(online bool) Option {
	return func(o *engineOptions) { o.initialOnline = &online }
}

// Mutation is an operation issued by the caller through Submit.
type Mutation struct {
	Endpoint   string
	Method     string
	Body       json.RawMessage
	Table      string
	EntityID   string
	Operation  models.Operation
	Priority   models.Priority
	Value      json.RawMessage // Intended entity for the cache; defaults to Body
	Timeout    time.Duration
	MaxRetries int
	Metadata   map[string]any
}

func (m *Mutation) request() *models.QueuedRequest {
	return &models.QueuedRequest{
		Endpoint:   m.Endpoint,
		Method:     m.Method,
		Body:       m.Body,
		Table:      m.Table,
		EntityID:   m.EntityID,
		Operation:  m.Operation,
		Priority:   m.Priority,
		MaxRetries: m.MaxRetries,
		Timeout:    m.Timeout,
		Metadata:   m.Metadata,
	}
}

func (m *Mutation) intended() json.RawMessage {
	if len(m.Value) > 0 {
		return m.Value
	}
	return m.Body
}

// SubmitResult reports how Submit handled a mutation. Exactly one of
// Result and RequestID is set.
type SubmitResult struct {
	Queued    bool              `json:"queued"`
	RequestID string            `json:"request_id,omitempty"`
	Result    *transport.Result `json:"result,omitempty"`
}

// Engine is the offline-first sync engine.
type Engine struct {
	cfg       Config
	monitor   *network.Monitor
	store     *queue.Store
	projector *projector.Projector
	scheduler *scheduler.Scheduler
	notifier  *notify.Aggregator
	transport transport.Transport
	newID     uuid.Generator
	log       *logging.Logger

	mu      stdsync.Mutex
	started bool
	loaded  bool
	unsubs  []func()
}

// NewEngine creates an Engine. Call Start before use.
func NewEngine(cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	if deps.Persister == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "engine requires a queue persister")
	}
	if deps.Transport == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "engine requires a transport")
	}
	if deps.Cache == nil {
		deps.Cache = projector.NewMemoryCache()
	}

	o := engineOptions{
		clock: clockwork.NewRealClock(),
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Get()
	}

	monitorOpts := []network.Option{
		network.WithClock(o.clock),
		network.WithLogger(o.log.Component("network")),
	}
	if o.initialOnline != nil {
		monitorOpts = append(monitorOpts, network.WithInitialOnline(*o.initialOnline))
	}
	if deps.Prober == nil {
		cfg.Network.EnablePing = false
	}

	e := &Engine{
		cfg:       cfg,
		transport: deps.Transport,
		newID:     o.newID,
		log:       o.log.Component("engine"),
	}
	e.monitor = network.NewMonitor(cfg.Network, deps.Prober, monitorOpts...)
	e.store = queue.NewStore(deps.Persister, cfg.Queue,
		queue.WithClock(o.clock),
		queue.WithIDGenerator(o.newID),
		queue.WithLogger(o.log.Component("queue")),
	)
	e.projector = projector.New(deps.Cache,
		projector.WithClock(o.clock),
		projector.WithLogger(o.log.Component("projector")),
	)
	schedCfg := cfg.Scheduler
	e.scheduler = scheduler.NewScheduler(e.store, deps.Transport, e.monitor, &schedCfg,
		scheduler.WithClock(o.clock),
		scheduler.WithLogger(o.log.Component("scheduler")),
	)
	e.notifier = notify.NewAggregator(cfg.Notify,
		notify.WithClock(o.clock),
		notify.WithIDGenerator(o.newID),
		notify.WithLogger(o.log.Component("notify")),
	)

	e.unsubs = append(e.unsubs,
		e.store.Subscribe(e.onQueueEvent),
		e.store.Subscribe(e.notifier.HandleQueueEvent),
		e.scheduler.OnEvent(e.onSchedulerEvent),
		e.scheduler.OnEvent(e.notifier.HandleSchedulerEvent),
		e.monitor.Subscribe(e.notifier.HandleNetworkStatus),
	)
	e.notifier.HandleNetworkStatus(e.monitor.Status())
	e.notifier.UpdateSyncStatus(e.scheduler.Status())

	return e, nil
}

// Load rehydrates the queue from the persister without starting
// background work. It runs at most once; Start calls it implicitly.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	if err := e.store.Load(ctx); err != nil {
		return err
	}
	e.loaded = true
	e.notifier.UpdateQueueStats(e.store.Stats())
	e.notifier.UpdateSyncStatus(e.scheduler.Status())
	return nil
}

// Start rehydrates the queue from the persister, starts connectivity
// probing and the background drain loop. It is a no-op if already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if err := e.loadLocked(ctx); err != nil {
		return err
	}

	e.monitor.Init(ctx)
	e.scheduler.Start(ctx)
	e.started = true

	stats := e.store.Stats()
	e.log.Info("Sync engine started", map[string]interface{}{
		"online":       e.monitor.IsOnline(),
		"queued":       stats.Total,
		"failed":       stats.Failed,
		"paused":       e.scheduler.State() == scheduler.StatePaused,
		"offline_mode": e.cfg.EnableOfflineMode,
	})
	return nil
}

// Stop stops background work. Queued requests stay in the persister.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}
	e.scheduler.Stop()
	e.monitor.Dispose()
	e.started = false
	e.log.Info("Sync engine stopped")
}

// Close stops the engine and detaches its internal subscriptions.
func (e *Engine) Close() {
	e.Stop()
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// =====================================================
// Reads
// =====================================================

// NetworkStatus returns the current connectivity snapshot.
func (e *Engine) NetworkStatus() models.NetworkStatus { return e.monitor.Status() }

// SyncStatus returns the orchestrator's status.
func (e *Engine) SyncStatus() models.SyncStatus { return e.scheduler.Status() }

// SyncState returns the orchestrator's state.
func (e *Engine) SyncState() scheduler.State { return e.scheduler.State() }

// QueueStats returns aggregate queue statistics.
func (e *Engine) QueueStats() models.QueueStats { return e.store.Stats() }

// QueuedRequests returns the queued requests in enqueue order.
func (e *Engine) QueuedRequests() []*models.QueuedRequest { return e.store.List() }

// QueuedRequest returns one queued request.
func (e *Engine) QueuedRequest(id string) (*models.QueuedRequest, bool) { return e.store.Get(id) }

// RetryAt returns the next attempt time of a request that is backing off.
func (e *Engine) RetryAt(id string) (time.Time, bool) { return e.scheduler.RetryAt(id) }

// Notifications returns the visible notifications, newest last.
func (e *Engine) Notifications() []models.OfflineNotification { return e.notifier.Visible() }

// ErrorHistory returns the retained error notifications.
func (e *Engine) ErrorHistory() []models.OfflineNotification { return e.notifier.ErrorHistory() }

// Summary returns the aggregate view consumers render.
func (e *Engine) Summary() notify.Summary { return e.notifier.Summary() }

// Projections returns the unsettled optimistic projections.
func (e *Engine) Projections() []*projector.Projection { return e.projector.Pending() }

// Subscribe registers fn for summary changes.
func (e *Engine) Subscribe(fn func(notify.Summary)) func() { return e.notifier.Subscribe(fn) }

// SubscribeNetwork registers fn for material connectivity changes.
func (e *Engine) SubscribeNetwork(fn func(models.NetworkStatus)) func() {
	return e.monitor.Subscribe(fn)
}

// SubscribeQueue registers fn for queue mutations.
func (e *Engine) SubscribeQueue(fn func(queue.Event)) func() { return e.store.Subscribe(fn) }

// OnSyncEvent registers fn for orchestrator events.
func (e *Engine) OnSyncEvent(fn func(scheduler.Event)) func() { return e.scheduler.OnEvent(fn) }

// =====================================================
// Queue operations
// =====================================================

// QueueRequest durably enqueues req without touching the read cache and
// returns its id.
func (e *Engine) QueueRequest(ctx context.Context, req *models.QueuedRequest) (string, error) {
	return e.store.Enqueue(ctx, req)
}

// Submit issues a mutation. While online with nothing queued ahead of it,
// the mutation is sent directly and the server's answer is written to the
// read cache. When offline, when earlier requests are still queued, or when
// the direct attempt fails with a network error, the mutation is projected
// into the cache and queued. Business rejections are returned as errors.
func (e *Engine) Submit(ctx context.Context, m Mutation) (*SubmitResult, error) {
	req := m.request()
	req.Normalize()
	m.Operation = req.Operation
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid mutation", err)
	}

	if e.monitor.IsOnline() && !e.store.HasPending() {
		res, err := e.executeDirect(ctx, req)
		if err == nil {
			if err := e.applyServerResult(&m, res); err != nil {
				e.log.Warn("Failed to apply server result to cache", map[string]interface{}{
					"table": m.Table, "entity_id": m.EntityID, "error": err.Error(),
				})
			}
			return &SubmitResult{Result: res}, nil
		}
		if !errors.IsNetwork(err) || ctx.Err() != nil {
			return nil, err
		}
		e.log.Info("Direct request failed, queueing", map[string]interface{}{
			"endpoint": req.Endpoint, "error": err.Error(),
		})
		if !e.cfg.EnableOfflineMode {
			return nil, err
		}
	} else if !e.cfg.EnableOfflineMode {
		return nil, errors.New(errors.ErrOffline, "offline mode is disabled")
	}

	id, err := e.enqueueProjected(ctx, &m, req)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Queued: true, RequestID: id}, nil
}

func (e *Engine) executeDirect(ctx context.Context, req *models.QueuedRequest) (res *transport.Result, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Scheduler.RequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.transport.Execute(ctx, req.Method, req.Endpoint, req.Body)
}

// enqueueProjected projects the mutation before the request becomes
// visible to the scheduler, so a fast confirmation always finds it.
func (e *Engine) enqueueProjected(ctx context.Context, m *Mutation, req *models.QueuedRequest) (string, error) {
	req.ID = e.newID()

	projected := false
	if req.Table != "" && req.EntityID != "" && req.Operation != models.OperationCustom {
		if _, err := e.projector.Project(req.ID, req.Table, req.EntityID, req.Operation, m.intended()); err != nil {
			return "", err
		}
		projected = true
	}

	id, err := e.store.Enqueue(ctx, req)
	if err != nil {
		if projected {
			if _, rbErr := e.projector.Rollback(req.ID); rbErr != nil {
				e.log.Error("Failed to roll back projection", rbErr, map[string]interface{}{"token": req.ID})
			}
		}
		return "", err
	}
	return id, nil
}

func (e *Engine) applyServerResult(m *Mutation, res *transport.Result) error {
	return e.applyServer(m.Table, m.EntityID, m.Operation, m.intended(), res)
}

// applyServer writes a successful server result for the entity into the
// cache. Without a JSON object response the intended value is used.
func (e *Engine) applyServer(table, entityID string, op models.Operation, intended json.RawMessage, res *transport.Result) error {
	if table == "" || entityID == "" {
		return nil
	}
	switch op {
	case models.OperationDelete:
		return e.projector.ApplyServer(table, entityID, nil)
	case models.OperationCreate, models.OperationUpdate:
		value := authoritative(res)
		if value == nil {
			value = intended
		}
		if len(value) == 0 {
			return nil
		}
		return e.projector.ApplyServer(table, entityID, value)
	}
	return nil
}

// RemoveRequest drops one queued request and undoes its projection.
func (e *Engine) RemoveRequest(ctx context.Context, id string) error {
	return e.store.Remove(ctx, id)
}

// =====================================================
// Sync control
// =====================================================

// SyncNow drains the queue immediately.
func (e *Engine) SyncNow(ctx context.Context) (scheduler.DrainResult, error) {
	return e.scheduler.SyncNow(ctx)
}

// RetryFailedRequests re-arms terminally failed requests.
func (e *Engine) RetryFailedRequests(ctx context.Context) (int, error) {
	return e.scheduler.RetryFailedRequests(ctx)
}

// ClearQueue discards every queued request and its projection.
func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.scheduler.ClearQueue(ctx)
}

// EnableAutoSync resumes background draining.
func (e *Engine) EnableAutoSync() { e.scheduler.EnableAutoSync() }

// DisableAutoSync pauses background draining.
func (e *Engine) DisableAutoSync() { e.scheduler.DisableAutoSync() }

// =====================================================
// Notifications
// =====================================================

// AddNotification shows n and returns its id.
func (e *Engine) AddNotification(n models.OfflineNotification) string { return e.notifier.Add(n) }

// RemoveNotification dismisses a notification.
func (e *Engine) RemoveNotification(id string) bool { return e.notifier.Remove(id) }

// ShowOfflineMode shows the offline banner.
func (e *Engine) ShowOfflineMode() { e.notifier.ShowOfflineMode() }

// HideOfflineMode hides the offline banner.
func (e *Engine) HideOfflineMode() { e.notifier.HideOfflineMode() }

// =====================================================
// Network inputs
// =====================================================

// SetPlatformOnline feeds a platform online/offline event.
func (e *Engine) SetPlatformOnline(online bool) { e.monitor.SetPlatformOnline(online) }

// SetConnectionInfo feeds a connection change event.
func (e *Engine) SetConnectionInfo(info network.ConnectionInfo) { e.monitor.SetConnectionInfo(info) }

// RefreshNetwork probes connectivity now unless a probe ran recently.
func (e *Engine) RefreshNetwork(ctx context.Context) bool { return e.monitor.Refresh(ctx) }

// =====================================================
// Reconciliation
// =====================================================

func (e *Engine) onSchedulerEvent(ev scheduler.Event) {
	if ev.Request == nil {
		return
	}

	switch ev.Type {
	case scheduler.EventSucceeded:
		var value json.RawMessage
		if ev.Result != nil {
			value = authoritative(ev.Result)
		}
		_, err := e.projector.Confirm(ev.Request.ID, value)
		if errors.Is(err, errors.ErrNotFound) {
			// Rolled back earlier or lost with a restart; the server write still wins.
			req := ev.Request
			err = e.applyServer(req.Table, req.EntityID, req.Operation, req.Body, ev.Result)
		}
		if err != nil {
			e.log.Error("Failed to confirm projection", err, map[string]interface{}{"request_id": ev.Request.ID})
		}

	case scheduler.EventFailed:
		e.rollback(ev.Request.ID)
	}
}

func (e *Engine) onQueueEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventRemoved:
		if ev.Request != nil {
			e.rollback(ev.Request.ID)
		}
	case queue.EventCleared:
		for _, proj := range e.projector.Pending() {
			if _, queued := e.store.Get(proj.Token); !queued {
				e.rollback(proj.Token)
			}
		}
	}
}

func (e *Engine) rollback(token string) {
	if _, err := e.projector.Rollback(token); err != nil && !errors.Is(err, errors.ErrNotFound) {
		e.log.Error("Failed to roll back projection", err, map[string]interface{}{"request_id": token})
	}
}

// authoritative returns the server's entity when the response body is a
// JSON object.
func authoritative(res *transport.Result) json.RawMessage {
	if res == nil {
		return nil
	}
	data := bytes.TrimSpace(res.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}
