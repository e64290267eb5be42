// Package notify aggregates queue, sync and network state into a single
// summary and keeps a bounded, deduplicated list of user notifications.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// OfflineModeID is the fixed id of the offline mode notification.
const OfflineModeID = "offline-mode"

// Action names carried by notifications.
const (
	ActionRetryFailed = "retry_failed"
	ActionSyncNow     = "sync_now"
	ActionDismiss     = "dismiss"
)

// Config holds aggregator limits.
type Config struct {
	MaxVisible      int           // Non-persistent notifications kept (default: 5)
	MaxErrorHistory int           // Error notifications retained (default: 50)
	DedupeWindow    time.Duration // Identical notifications inside it collapse (default: 10s)
}

// DefaultConfig returns default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		MaxVisible:      5,
		MaxErrorHistory: 50,
		DedupeWindow:    10 * time.Second,
	}
}

// Summary is the consistent view consumers render.
type Summary struct {
	Network       models.NetworkStatus         `json:"network"`
	Queue         models.QueueStats            `json:"queue"`
	Sync          models.SyncStatus            `json:"sync"`
	Notifications []models.OfflineNotification `json:"notifications"`
	OfflineMode   bool                         `json:"offline_mode"`
	ErrorCount    int                          `json:"error_count"`
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for timestamps and the dedupe window.
func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithIDGenerator sets the notification id generator.
func WithIDGenerator(g uuid.Generator) Option {
	return func(a *Aggregator) { a.newID = g }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// Aggregator owns notifications and the derived Summary.
type Aggregator struct {
	mu            sync.Mutex
	cfg           Config
	notifications []*models.OfflineNotification // oldest first
	errors        []*models.OfflineNotification // oldest first
	network       models.NetworkStatus
	queue         models.QueueStats
	status        models.SyncStatus
	offlineMode   bool
	sawOffline    bool

	clock clockwork.Clock
	newID uuid.Generator
	log   *logging.Logger

	// emitMu keeps summaries delivered in the order they were computed.
	emitMu  sync.Mutex
	subsMu  sync.RWMutex
	subs    map[int]func(Summary)
	nextSub int
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg Config, opts ...Option) *Aggregator {
	defaults := DefaultConfig()
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = defaults.MaxVisible
	}
	if cfg.MaxErrorHistory <= 0 {
		cfg.MaxErrorHistory = defaults.MaxErrorHistory
	}
	if cfg.DedupeWindow < 0 {
		cfg.DedupeWindow = 0
	}

	a := &Aggregator{
		cfg:     cfg,
		network: models.NetworkStatus{IsOnline: true},
		clock:   clockwork.NewRealClock(),
		newID:   uuid.New,
		subs:    make(map[int]func(Summary)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logging.Get().Component("notify")
	}
	return a
}

// Add shows n and returns its id. A notification identical in type, title
// and message to one added within the dedupe window is collapsed into it:
// the existing entry's timestamp and count are updated and its id returned.
func (a *Aggregator) Add(n models.OfflineNotification) string {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	id := a.addLocked(n)
	summary := a.summaryLocked()
	a.mu.Unlock()

	a.publish(summary)
	return id
}

func (a *Aggregator) addLocked(n models.OfflineNotification) string {
	now := a.clock.Now().UTC()

	if existing := a.findDuplicateLocked(&n, now); existing != nil {
		existing.Timestamp = now
		existing.Count++
		a.moveToEndLocked(existing.ID)
		if hist := findByID(a.errors, existing.ID); hist != nil {
			hist.Timestamp = now
			hist.Count = existing.Count
		}
		return existing.ID
	}

	entry := n
	if entry.ID == "" {
		entry.ID = a.newID()
	}
	entry.Timestamp = now
	entry.Count = 1
	entry.Actions = append([]models.NotificationAction(nil), n.Actions...)

	a.removeLocked(entry.ID)
	a.notifications = append(a.notifications, &entry)
	a.evictLocked()

	if entry.Type == models.NotificationError {
		hist := entry
		a.errors = append(a.errors, &hist)
		if over := len(a.errors) - a.cfg.MaxErrorHistory; over > 0 {
			a.errors = append([]*models.OfflineNotification(nil), a.errors[over:]...)
		}
	}

	a.log.Debug("Notification added", map[string]interface{}{
		"id":    entry.ID,
		"type":  entry.Type,
		"title": entry.Title,
	})
	return entry.ID
}

// Remove dismisses a notification, persistent ones included.
func (a *Aggregator) Remove(id string) bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	removed := a.removeLocked(id)
	if id == OfflineModeID && removed {
		a.offlineMode = false
	}
	summary := a.summaryLocked()
	a.mu.Unlock()

	if removed {
		a.publish(summary)
	}
	return removed
}

// Visible returns the current notifications, newest last.
func (a *Aggregator) Visible() []models.OfflineNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyAll(a.notifications)
}

// ErrorHistory returns retained error notifications, newest last.
func (a *Aggregator) ErrorHistory() []models.OfflineNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyAll(a.errors)
}

// Summary returns the current aggregate view.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked()
}

// UpdateQueueStats replaces the queue stats in the summary.
func (a *Aggregator) UpdateQueueStats(stats models.QueueStats) {
	a.update(func() { a.queue = stats })
}

// UpdateSyncStatus replaces the sync status in the summary.
func (a *Aggregator) UpdateSyncStatus(status models.SyncStatus) {
	a.update(func() { a.status = status.Clone() })
}

// UpdateNetworkStatus replaces the network status in the summary.
func (a *Aggregator) UpdateNetworkStatus(status models.NetworkStatus) {
	a.update(func() { a.network = status })
}

// ShowOfflineMode shows the persistent offline banner.
func (a *Aggregator) ShowOfflineMode() {
	a.update(func() {
		a.offlineMode = true
		a.removeLocked(OfflineModeID)
		a.addLocked(models.OfflineNotification{
			ID:         OfflineModeID,
			Type:       models.NotificationWarning,
			Title:      "You're offline",
			Message:    "Changes are saved on this device and will sync when the connection returns.",
			Persistent: true,
		})
	})
}

// HideOfflineMode removes the offline banner.
func (a *Aggregator) HideOfflineMode() {
	a.update(func() {
		a.offlineMode = false
		a.removeLocked(OfflineModeID)
	})
}

// Subscribe registers fn for summary changes and returns a function that
// removes it.
func (a *Aggregator) Subscribe(fn func(Summary)) func() {
	a.subsMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subsMu.Unlock()

	return func() {
		a.subsMu.Lock()
		delete(a.subs, id)
		a.subsMu.Unlock()
	}
}

func (a *Aggregator) update(mutate func()) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	mutate()
	summary := a.summaryLocked()
	a.mu.Unlock()

	a.publish(summary)
}

func (a *Aggregator) summaryLocked() Summary {
	return Summary{
		Network:       a.network,
		Queue:         a.queue,
		Sync:          a.status.Clone(),
		Notifications: copyAll(a.notifications),
		OfflineMode:   a.offlineMode,
		ErrorCount:    len(a.errors),
	}
}

func (a *Aggregator) publish(summary Summary) {
	a.subsMu.RLock()
	handlers := make([]func(Summary), 0, len(a.subs))
	for _, h := range a.subs {
		handlers = append(handlers, h)
	}
	a.subsMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("Summary subscriber panicked", fmt.Errorf("%v", r))
				}
			}()
			h(summary)
		}()
	}
}

func (a *Aggregator) findDuplicateLocked(n *models.OfflineNotification, now time.Time) *models.OfflineNotification {
	if a.cfg.DedupeWindow == 0 {
		return nil
	}
	for i := len(a.notifications) - 1; i >= 0; i-- {
		existing := a.notifications[i]
		if existing.SameContent(n) && now.Sub(existing.Timestamp) <= a.cfg.DedupeWindow {
			return existing
		}
	}
	return nil
}

// evictLocked drops the oldest non-persistent notifications beyond MaxVisible.
func (a *Aggregator) evictLocked() {
	transient := 0
	for _, n := range a.notifications {
		if !n.Persistent {
			transient++
		}
	}

	kept := a.notifications[:0]
	for _, n := range a.notifications {
		if !n.Persistent && transient > a.cfg.MaxVisible {
			transient--
			continue
		}
		kept = append(kept, n)
	}
	a.notifications = kept
}

func (a *Aggregator) moveToEndLocked(id string) {
	for i, n := range a.notifications {
		if n.ID == id {
			a.notifications = append(append(a.notifications[:i:i], a.notifications[i+1:]...), n)
			return
		}
	}
}

func (a *Aggregator) removeLocked(id string) bool {
	for i, n := range a.notifications {
		if n.ID == id {
			a.notifications = append(a.notifications[:i:i], a.notifications[i+1:]...)
			return true
		}
	}
	return false
}

func findByID(list []*models.OfflineNotification, id string) *models.OfflineNotification {
	for _, n := range list {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func copyAll(list []*models.OfflineNotification) []models.OfflineNotification {
	out := make([]models.OfflineNotification, len(list))
	for i, n := range list {
		out[i] = *n
		out[i].Actions = append([]models.NotificationAction(nil), n.Actions...)
	}
	return out
}
