// Package connwatch runs background health checks for connected MCP
// servers.
//
// Each Watcher owns one loop: sleep the poll interval, probe the server
// with a bounded timeout, and on failure hand control to OnFailure
// (typically a single reconnect attempt). Readiness transitions are
// reported through OnReady and OnDown. Loops are always cancellable and
// never hold up process shutdown; Unwatch and Stop cancel without
// joining.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Default timing applied to zero WatcherConfig fields.
const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the watched server (e.g., "whatsapp"). One watcher
	// runs per name.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval is the sleep between probes.
	Interval time.Duration

	// ProbeTimeout limits how long each individual probe call may take.
	ProbeTimeout time.Duration

	// OnFailure is called synchronously after a failed probe, before the
	// next sleep. ctx is the watcher's own context. Optional.
	OnFailure func(ctx context.Context, err error)

	// OnReady is called when the service transitions from not-ready to ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the service transitions from ready to not-ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Probes    int64     `json:"probes"`
	Failures  int64     `json:"failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	probes   atomic.Int64
	failures atomic.Int64

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Probes:    w.probes.Load(),
		Failures:  w.failures.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when the watcher goroutine has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Cancel stops the watcher without waiting for it to exit. An
// in-flight probe is abandoned through its context.
func (w *Watcher) Cancel() {
	w.cancel()
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// run sleeps, probes, and reacts until ctx is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger

	timer := time.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("health watcher stopped", "service", w.config.Name)
			return
		case <-timer.C:
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			// Cancelled mid-probe; the result says nothing about the server.
			return
		}
		w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Warn("health check failed",
				"service", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("service recovered",
				"service", w.config.Name,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case !wasReady && err != nil:
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"error", err,
			)
		}

		if err != nil && w.config.OnFailure != nil {
			w.config.OnFailure(ctx, err)
		}

		timer.Reset(w.config.Interval)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	w.probes.Add(1)
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	if err != nil {
		w.failures.Add(1)
	}
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager coordinates the watchers of every connected server.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Name unless one is already running
// under that name, in which case the running watcher is returned. The
// watcher runs in a background goroutine until ctx is cancelled or the
// watcher is unwatched.
//
// Panics if Name is empty or Probe is nil; these are programming errors.
// Zero-value timing fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[cfg.Name]; ok && w.running() {
		return w
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Watchers are attached right after a successful connect, so the
	// service starts out ready.
	w.ready.Store(true)
	m.watchers[cfg.Name] = w

	go w.run(watchCtx)

	cfg.Logger.Debug("health watcher started",
		"service", cfg.Name,
		"interval", cfg.Interval.String(),
	)
	return w
}

// Unwatch cancels and forgets the named watcher. It does not wait for
// the goroutine; the loop exits at its next suspension point.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if ok {
		w.Cancel()
	}
}

// Watcher returns the named watcher, or nil.
func (m *Manager) Watcher(name string) *Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchers[name]
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop cancels every watcher without waiting for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Cancel()
	}
}
