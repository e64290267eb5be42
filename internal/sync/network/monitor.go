// Package network derives a connectivity signal from platform events,
// connection hints and an optional periodic reachability probe.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Prober checks whether the backend is reachable. A nil error is a positive
// signal; any error counts against connectivity.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// ConnectionInfo is the platform's description of the active connection.
type ConnectionInfo struct {
	Type          string               `json:"type,omitempty"`
	EffectiveType models.EffectiveType `json:"effective_type,omitempty"`
	DownlinkMbps  *float64             `json:"downlink_mbps,omitempty"`
	RoundTripMs   *int                 `json:"round_trip_ms,omitempty"`
	SaveData      *bool                `json:"save_data,omitempty"`
}

// Config holds monitor configuration.
type Config struct {
	EnablePing       bool
	PingInterval     time.Duration // Probe period (default: 5s)
	ProbeTimeout     time.Duration // Per-probe deadline (default: 3s)
	FailureThreshold int           // Consecutive probe failures before going offline (default: 2)
	RefreshInterval  time.Duration // Minimum spacing of manual refreshes (default: 3s)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		EnablePing:       true,
		PingInterval:     5 * time.Second,
		ProbeTimeout:     3 * time.Second,
		FailureThreshold: 2,
		RefreshInterval:  3 * time.Second,
	}
}

const (
	slowRoundTripMs = 1000
	slowDownlinkMb  = 0.5
)

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving the probe loop and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithInitialOnline sets the platform's connectivity at construction time.
func WithInitialOnline(online bool) Option {
	return func(m *Monitor) { m.platformOnline = online }
}

// Monitor tracks NetworkStatus and notifies subscribers on material changes.
type Monitor struct {
	mu             sync.Mutex
	platformOnline bool
	failures       int
	info           ConnectionInfo
	status         models.NetworkStatus

	// emitMu keeps subscriber notifications in the order the statuses
	// were computed.
	emitMu sync.Mutex

	cfg     Config
	prober  Prober
	clock   clockwork.Clock
	limiter *rate.Limiter
	log     *logging.Logger

	subsMu  sync.RWMutex
	subs    map[int]func(models.NetworkStatus)
	nextSub int

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a Monitor. prober may be nil when pinging is disabled.
func NewMonitor(cfg Config, prober Prober, opts ...Option) *Monitor {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}

	m := &Monitor{
		platformOnline: true,
		cfg:            cfg,
		prober:         prober,
		clock:          clockwork.NewRealClock(),
		limiter:        rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
		subs:           make(map[int]func(models.NetworkStatus)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Get().Component("network")
	}

	m.status = m.derive(models.NetworkStatus{})
	if !m.status.IsOnline {
		now := m.clock.Now().UTC()
		m.status.LastOfflineAt = &now
	}
	return m
}

// Init starts the periodic probe loop when pinging is enabled. Calling Init
// on a running monitor has no effect.
func (m *Monitor) Init(ctx context.Context) {
	m.mu.Lock()
	if m.running || !m.cfg.EnablePing || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.log.Info("Network monitor started", map[string]interface{}{
		"ping_interval": m.cfg.PingInterval.String(),
		"probe_timeout": m.cfg.ProbeTimeout.String(),
	})

	go m.probeLoop(ctx, stop, done)
}

// Dispose stops the probe loop and waits for it to exit.
func (m *Monitor) Dispose() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Info("Network monitor stopped")
}

// Status returns the current connectivity snapshot.
func (m *Monitor) Status() models.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneStatus(m.status)
}

// IsOnline is shorthand for Status().IsOnline.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

// SetPlatformOnline applies a platform online/offline event. An online
// event clears accumulated probe failures.
func (m *Monitor) SetPlatformOnline(online bool) {
	m.update(func() {
		m.platformOnline = online
		if online {
			m.failures = 0
		}
	})
}

// SetConnectionInfo applies a connection-change event.
func (m *Monitor) SetConnectionInfo(info ConnectionInfo) {
	m.update(func() { m.info = info })
}

// Refresh forces an immediate probe unless one was forced within the
// refresh interval. It reports whether a probe ran.
func (m *Monitor) Refresh(ctx context.Context) bool {
	if m.prober == nil {
		return false
	}
	if !m.limiter.AllowN(m.clock.Now(), 1) {
		m.log.Debug("Network refresh debounced")
		return false
	}
	m.probeOnce(ctx)
	return true
}

// Subscribe registers fn for material status changes and returns a function
// that removes it. fn must not call the monitor's setters synchronously.
func (m *Monitor) Subscribe(fn func(models.NetworkStatus)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Monitor) probeLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ticker.Chan():
			m.probeOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// probeOnce runs one time-bounded probe and folds its result into the status.
func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.safeProbe(probeCtx)
	if err != nil {
		m.log.Debug("Probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.recordProbe(err)
}

func (m *Monitor) safeProbe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return m.prober.Probe(ctx)
}

func (m *Monitor) recordProbe(err error) {
	m.update(func() {
		if err != nil {
			m.failures++
		} else {
			m.failures = 0
		}
	})
}

// update applies mutate, recomputes the whole status and notifies
// subscribers if it changed materially.
func (m *Monitor) update(mutate func()) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	mutate()
	prev := m.status
	next := m.derive(prev)
	m.status = next
	changed := next.MaterialChange(prev)
	snapshot := cloneStatus(next)
	m.mu.Unlock()

	if !changed {
		return
	}

	if snapshot.IsOnline != prev.IsOnline {
		m.log.Info("Connectivity changed", map[string]interface{}{
			"online":          snapshot.IsOnline,
			"connection_type": snapshot.ConnectionType,
		})
	}
	m.emit(snapshot)
}

// derive computes the status from the current inputs. Caller holds mu.
func (m *Monitor) derive(prev models.NetworkStatus) models.NetworkStatus {
	next := models.NetworkStatus{
		IsOnline:         m.platformOnline && m.failures < m.cfg.FailureThreshold,
		IsSlowConnection: isSlow(m.info),
		ConnectionType:   m.info.Type,
		EffectiveType:    m.info.EffectiveType,
		DownlinkMbps:     m.info.DownlinkMbps,
		RoundTripMs:      m.info.RoundTripMs,
		SaveData:         m.info.SaveData,
		LastOnlineAt:     prev.LastOnlineAt,
		LastOfflineAt:    prev.LastOfflineAt,
	}

	if next.IsOnline != prev.IsOnline {
		now := m.clock.Now().UTC()
		if next.IsOnline {
			next.LastOnlineAt = &now
		} else {
			next.LastOfflineAt = &now
		}
	}
	return next
}

func (m *Monitor) emit(status models.NetworkStatus) {
	m.subsMu.RLock()
	handlers := make([]func(models.NetworkStatus), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.subsMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("Network subscriber panicked", fmt.Errorf("%v", r))
				}
			}()
			h(cloneStatus(status))
		}()
	}
}

func isSlow(info ConnectionInfo) bool {
	switch info.EffectiveType {
	case models.EffectiveSlow2G, models.Effective2G:
		return true
	}
	if info.RoundTripMs != nil && *info.RoundTripMs >= slowRoundTripMs {
		return true
	}
	if info.DownlinkMbps != nil && *info.DownlinkMbps < slowDownlinkMb {
		return true
	}
	return false
}

func cloneStatus(s models.NetworkStatus) models.NetworkStatus {
	c := s
	if s.DownlinkMbps != nil {
		v := *s.DownlinkMbps
		c.DownlinkMbps = &v
	}
	if s.RoundTripMs != nil {
		v := *s.RoundTripMs
		c.RoundTripMs = &v
	}
	if s.SaveData != nil {
		v := *s.SaveData
		c.SaveData = &v
	}
	if s.LastOnlineAt != nil {
		v := *s.LastOnlineAt
		c.LastOnlineAt = &v
	}
	if s.LastOfflineAt != nil {
		v := *s.LastOfflineAt
		c.LastOfflineAt = &v
	}
	return c
}
