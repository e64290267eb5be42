// Package scheduler drains the operation queue through the transport while
// online, retrying transient failures with a per-request backoff schedule.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/transport"
)

// State is the orchestrator's externally visible state.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StatePaused   State = "paused"
)

// NetworkSource reports connectivity. *network.Monitor satisfies it.
type NetworkSource interface {
	IsOnline() bool
	Subscribe(fn func(models.NetworkStatus)) func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval      time.Duration // Periodic drain check while online (default: 30s)
	RequestTimeout    time.Duration // Per-attempt deadline unless the request sets one (default: 30s)
	BackoffBase       time.Duration // Delay after the first transient failure (default: 1s)
	BackoffMultiplier float64       // Growth factor per further failure (default: 2.0)
	BackoffMax        time.Duration // Upper bound for a single delay (default: 5m)
	MaxErrorHistory   int           // Retained SyncStatus.SyncErrors (default: 50)
	AutoSync          bool          // Drain automatically; false starts paused
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:      30 * time.Second,
		RequestTimeout:    30 * time.Second,
		BackoffBase:       1 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        5 * time.Minute,
		MaxErrorHistory:   50,
		AutoSync:          true,
	}
}

// DrainResult counts the attempts of one drain pass.
type DrainResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// EventType identifies a scheduler event.
type EventType string

const (
	EventDrainStarted   EventType = "drain_started"
	EventDrainFinished  EventType = "drain_finished"
	EventSucceeded      EventType = "request_succeeded"
	EventRetryScheduled EventType = "request_retry_scheduled"
	EventFailed         EventType = "request_failed"
	EventQueueCleared   EventType = "queue_cleared"
	EventStateChanged   EventType = "state_changed"
)

// Event describes something the scheduler did. Fields not relevant to the
// type are zero.
type Event struct {
	Type    EventType
	Request *models.QueuedRequest
	Result  *transport.Result
	Err     error
	RetryAt *time.Time
	Drain   *DrainResult
	State   State
	Status  models.SyncStatus
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the ticker, the backoff timer and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler is the sync orchestrator.
//
// Lock order: the store may call back into the scheduler while holding its
// own lock, so mu is never held across a store call.
type Scheduler struct {
	store     *queue.Store
	transport transport.Transport
	network   NetworkSource
	cfg       SchedulerConfig
	clock     clockwork.Clock
	log       *logging.Logger

	mu         sync.Mutex
	paused     bool
	isSyncing  bool
	lastSync   *time.Time
	syncErrors []models.SyncError
	backoff    map[string]time.Time // request id -> earliest next attempt

	group singleflight.Group

	kick   chan struct{}
	rearm  chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	isRunning bool
	unsubs    []func()

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewScheduler creates a Scheduler. Nil config uses defaults.
func NewScheduler(store *queue.Store, tr transport.Transport, network NetworkSource, config *SchedulerConfig, opts ...Option) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	defaults := DefaultSchedulerConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = defaults.BackoffMax
	}
	if cfg.MaxErrorHistory <= 0 {
		cfg.MaxErrorHistory = defaults.MaxErrorHistory
	}

	s := &Scheduler{
		store:     store,
		transport: tr,
		network:   network,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		paused:    !cfg.AutoSync,
		backoff:   make(map[string]time.Time),
		kick:      make(chan struct{}, 1),
		rearm:     make(chan struct{}, 1),
		subs:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Get().Component("scheduler")
	}

	store.Subscribe(s.onQueueEvent)
	return s
}

// Start starts the background drain loop. It drains when connectivity
// returns, when requests are enqueued, periodically, and when a request's
// backoff expires.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	s.unsubs = append(s.unsubs, s.network.Subscribe(func(status models.NetworkStatus) {
		if status.IsOnline {
			s.trigger()
		}
	}))

	s.wg.Add(1)
	go s.loop(loopCtx, stopCh)

	s.trigger()
	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval": s.cfg.SyncInterval.String(),
		"auto_sync":     !s.isPaused(),
	})
}

// Stop stops the loop and waits for an in-progress attempt to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	cancel()
	s.wg.Wait()

	s.log.Info("Background sync scheduler stopped", nil)
}

// IsRunning reports whether the background loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// SyncNow runs a drain pass immediately, even when automatic sync is
// paused. A call made while a pass is in progress waits for and shares that
// pass's result.
func (s *Scheduler) SyncNow(ctx context.Context) (DrainResult, error) {
	if !s.network.IsOnline() {
		return DrainResult{}, errors.New(errors.ErrOffline, "cannot sync while offline")
	}
	return s.drain(ctx)
}

// RetryFailedRequests gives every terminally failed request a fresh retry
// budget and drains immediately when online. It returns the number of
// requests reset.
func (s *Scheduler) RetryFailedRequests(ctx context.Context) (int, error) {
	n, err := s.store.ResetFailed(ctx)
	if err != nil {
		return n, err
	}

	s.mu.Lock()
	s.backoff = make(map[string]time.Time)
	s.mu.Unlock()

	if n > 0 && s.network.IsOnline() {
		if _, err := s.drain(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ClearQueue removes every queued request. Confirmation is the caller's job.
func (s *Scheduler) ClearQueue(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.emit(Event{Type: EventQueueCleared, Status: s.Status()})
	return nil
}

// EnableAutoSync leaves the paused state and triggers a drain.
func (s *Scheduler) EnableAutoSync() {
	s.mu.Lock()
	changed := s.paused
	s.paused = false
	s.mu.Unlock()

	if changed {
		s.log.Info("Automatic sync enabled", nil)
		s.emit(Event{Type: EventStateChanged, State: s.State(), Status: s.Status()})
	}
	s.trigger()
}

// DisableAutoSync pauses automatic drains. A pass already running completes.
func (s *Scheduler) DisableAutoSync() {
	s.mu.Lock()
	changed := !s.paused
	s.paused = true
	s.mu.Unlock()

	if changed {
		s.log.Info("Automatic sync disabled", nil)
		s.emit(Event{Type: EventStateChanged, State: s.State(), Status: s.Status()})
	}
}

// State returns the current state. A manual pass while paused reports draining.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	switch {
	case s.isSyncing:
		return StateDraining
	case s.paused:
		return StatePaused
	default:
		return StateIdle
	}
}

// Status returns the current SyncStatus.
func (s *Scheduler) Status() models.SyncStatus {
	failed := s.store.Stats().Failed

	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.SyncStatus{
		IsSyncing:      s.isSyncing,
		LastSyncTime:   s.lastSync,
		FailedRequests: failed,
		SyncErrors:     s.syncErrors,
	}
	return status.Clone()
}

// RetryAt returns when the request with id may next be attempted, if it is
// backing off.
func (s *Scheduler) RetryAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.backoff[id]
	return t, ok
}

// OnEvent registers fn for scheduler events and returns a function that
// removes it.
func (s *Scheduler) OnEvent(fn func(Event)) func() {
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

// BackoffDelay returns the delay before the next attempt of a request that
// has failed attempts times.
func (s *Scheduler) BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(s.cfg.BackoffBase) * math.Pow(s.cfg.BackoffMultiplier, float64(attempts-1))
	if delay > float64(s.cfg.BackoffMax) || math.IsInf(delay, 0) {
		return s.cfg.BackoffMax
	}
	return time.Duration(delay)
}

// loop is the single goroutine behind automatic drains. It owns the one
// timer armed at the earliest backoff deadline.
func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	var timer clockwork.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			s.autoDrain(ctx)
		case <-s.kick:
			s.autoDrain(ctx)
		case <-timerC:
			timerC = nil
			s.autoDrain(ctx)
		case <-s.rearm:
		}

		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if d, ok := s.nextWake(); ok {
			timer = s.clock.NewTimer(d)
			timerC = timer.Chan()
		}
	}
}

// nextWake returns the delay until the earliest backoff deadline. No wake is
// needed while paused or offline; resuming triggers a drain anyway.
func (s *Scheduler) nextWake() (time.Duration, bool) {
	if !s.network.IsOnline() {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || len(s.backoff) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, at := range s.backoff {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	d := earliest.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Scheduler) autoDrain(ctx context.Context) {
	if s.isPaused() || !s.network.IsOnline() || !s.store.HasPending() {
		return
	}
	if _, err := s.drain(ctx); err != nil && !errors.Is(err, errors.ErrOffline) {
		s.log.ErrorWithCode("Automatic drain failed", string(errors.ErrSyncFailed), err, nil)
	}
}

// drain runs at most one pass at a time; concurrent callers share it.
func (s *Scheduler) drain(ctx context.Context) (DrainResult, error) {
	v, err, shared := s.group.Do("drain", func() (interface{}, error) {
		return s.runPass(ctx)
	})
	if shared {
		s.log.Debug("Joined in-progress drain pass", nil)
	}

	s.signalRearm()

	result, _ := v.(DrainResult)
	return result, err
}

func (s *Scheduler) runPass(ctx context.Context) (result DrainResult, err error) {
	if !s.network.IsOnline() {
		return result, errors.New(errors.ErrOffline, "cannot sync while offline")
	}

	s.mu.Lock()
	s.isSyncing = true
	s.mu.Unlock()

	s.emit(Event{Type: EventStateChanged, State: StateDraining, Status: s.Status()})
	s.emit(Event{Type: EventDrainStarted, Status: s.Status()})
	s.log.Info("Drain pass started", map[string]interface{}{"queued": s.store.Len()})

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrInternal, fmt.Sprintf("drain pass panicked: %v", r))
			s.log.ErrorWithCode("Drain pass aborted", string(errors.ErrSyncFailed), err, nil)
		}

		s.mu.Lock()
		s.isSyncing = false
		state := s.stateLocked()
		s.mu.Unlock()

		res := result
		s.emit(Event{Type: EventDrainFinished, Drain: &res, Err: err, Status: s.Status()})
		s.emit(Event{Type: EventStateChanged, State: state, Status: s.Status()})
		s.log.Info("Drain pass finished", map[string]interface{}{
			"success": result.Success,
			"failed":  result.Failed,
		})
	}()

	for {
		if !s.network.IsOnline() {
			s.log.Info("Went offline during drain; stopping pass", nil)
			break
		}
		if ctx.Err() != nil {
			break
		}

		req, ok := s.store.DequeueNext(s.readyPredicate())
		if !ok {
			break
		}
		if !s.attempt(ctx, req, &result) {
			break
		}
	}
	return result, nil
}

// readyPredicate snapshots the backoff schedule so the store can evaluate
// it without calling back into the scheduler's lock.
func (s *Scheduler) readyPredicate() func(*models.QueuedRequest) bool {
	s.mu.Lock()
	now := s.clock.Now()
	blocked := make(map[string]bool, len(s.backoff))
	for id, at := range s.backoff {
		if at.After(now) {
			blocked[id] = true
		}
	}
	s.mu.Unlock()

	return func(r *models.QueuedRequest) bool { return !blocked[r.ID] }
}

// attempt executes one dequeued request and records the outcome. It
// returns false when the pass must stop.
func (s *Scheduler) attempt(ctx context.Context, req *models.QueuedRequest, result *DrainResult) bool {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	res, execErr := s.execute(attemptCtx, req)
	timedOut := attemptCtx.Err() == context.DeadlineExceeded
	cancel()

	if execErr == nil {
		s.recordSuccess(ctx, req, res, result)
		return true
	}

	// Shutdown, not a verdict on the request.
	if ctx.Err() != nil {
		s.store.Release(req.ID)
		return false
	}

	if timedOut && !errors.IsNetwork(execErr) && !errors.IsBusiness(execErr) {
		execErr = errors.Wrap(errors.ErrSyncTimeout, "request timed out", execErr)
	}

	terminal := !errors.IsNetwork(execErr)
	decision, err := s.store.MarkFailed(ctx, req.ID, execErr, terminal)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			s.log.Error("Failed to record attempt", err, map[string]interface{}{"request_id": req.ID})
			s.scheduleRetry(req.ID, 1)
		}
		return true
	}

	result.Failed++
	failed, _ := s.store.Get(req.ID)
	if failed == nil {
		failed = req
	}

	if decision.Retry {
		retryAt := s.scheduleRetry(req.ID, decision.Attempts)
		s.log.Debug("Transient failure; retry scheduled", map[string]interface{}{
			"request_id": req.ID,
			"attempts":   decision.Attempts,
			"retry_at":   retryAt.Format(time.RFC3339),
		})
		s.emit(Event{Type: EventRetryScheduled, Request: failed, Err: execErr, RetryAt: &retryAt, Status: s.Status()})
		return true
	}

	s.clearRetry(req.ID)
	s.recordError(req.ID, execErr)
	s.log.Warn("Request failed permanently", map[string]interface{}{
		"request_id": req.ID,
		"endpoint":   req.Endpoint,
		"attempts":   decision.Attempts,
		"error_code": string(errors.CodeOf(execErr)),
	})
	s.emit(Event{Type: EventFailed, Request: failed, Err: execErr, Status: s.Status()})
	return true
}

// execute calls the transport, turning a panic into a terminal error.
func (s *Scheduler) execute(ctx context.Context, req *models.QueuedRequest) (res *transport.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrInternal, fmt.Sprintf("transport panicked: %v", r))
		}
	}()
	return s.transport.Execute(ctx, req.Method, req.Endpoint, req.Body)
}

func (s *Scheduler) recordSuccess(ctx context.Context, req *models.QueuedRequest, res *transport.Result, result *DrainResult) {
	if err := s.store.MarkSucceeded(ctx, req.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.log.Error("Failed to remove delivered request", err, map[string]interface{}{"request_id": req.ID})
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.lastSync = &now
	delete(s.backoff, req.ID)
	s.mu.Unlock()

	result.Success++
	s.emit(Event{Type: EventSucceeded, Request: req, Result: res, Status: s.Status()})
}

func (s *Scheduler) scheduleRetry(id string, attempts int) time.Time {
	at := s.clock.Now().Add(s.BackoffDelay(attempts))
	s.mu.Lock()
	s.backoff[id] = at
	s.mu.Unlock()
	return at
}

func (s *Scheduler) clearRetry(id string) {
	s.mu.Lock()
	delete(s.backoff, id)
	s.mu.Unlock()
}

func (s *Scheduler) recordError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncErrors = append(s.syncErrors, models.SyncError{
		Error:     err.Error(),
		RequestID: id,
		Timestamp: s.clock.Now().UTC(),
	})
	if over := len(s.syncErrors) - s.cfg.MaxErrorHistory; over > 0 {
		s.syncErrors = append([]models.SyncError(nil), s.syncErrors[over:]...)
	}
}

// onQueueEvent keeps the backoff schedule in step with the queue and
// starts a drain when work arrives.
func (s *Scheduler) onQueueEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventEnqueued:
		s.trigger()
	case queue.EventRemoved:
		if ev.Request != nil {
			s.clearRetry(ev.Request.ID)
		}
	case queue.EventCleared, queue.EventReset:
		s.mu.Lock()
		s.backoff = make(map[string]time.Time)
		s.mu.Unlock()
	}
}

func (s *Scheduler) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) signalRearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) emit(ev Event) {
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
					s.log.Error("Scheduler subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{"event": ev.Type})
				}
			}()
			h(ev)
		}()
	}
}
