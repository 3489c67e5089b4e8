// Package connwatch tracks whether the kiosk's network dependencies (the
// assignment API and the MQTT broker) are reachable. It feeds the
// /healthz endpoint and logs outages once instead of on every failed
// call.
//
// A Watcher probes its service on a fixed interval while healthy. After
// a failure it switches to exponential backoff (1s, 2s, 4s, ... capped)
// until the service answers again.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks a service. Return nil when healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval between probes while healthy (default 30s).
	Interval time.Duration
	// InitialBackoff is the first retry delay after a failure (default 1s).
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay (default 30s).
	MaxBackoff time.Duration
	// ProbeTimeout bounds each probe (default 5s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the production probe timing.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval:       30 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = d.InitialBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = d.MaxBackoff
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	Name     string // "assignment", "mqtt"
	Probe    ProbeFunc
	Schedule Schedule
	// OnChange is called from the watcher goroutine after every
	// healthy/unhealthy transition, including the first probe. Optional;
	// must not block.
	OnChange func(ServiceStatus)
	Logger   *slog.Logger
}

// ServiceStatus is the JSON view of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  ServiceStatus
	checked bool
}

// Status returns the latest probe result.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	sched := w.cfg.Schedule
	backoff := sched.InitialBackoff

	for {
		pctx, cancel := context.WithTimeout(ctx, sched.ProbeTimeout)
		err := w.cfg.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		next := sched.Interval
		if err != nil {
			next = backoff
			backoff *= 2
			if backoff > sched.MaxBackoff {
				backoff = sched.MaxBackoff
			}
		} else {
			backoff = sched.InitialBackoff
		}
		w.record(err)

		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	was, first := w.status.Ready, !w.checked
	w.checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	snap := w.status
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case !first && was == snap.Ready:
		if err != nil {
			logger.Debug("service still unreachable", "service", snap.Name, "failures", snap.Failures, "error", err)
		}
		return
	case snap.Ready:
		logger.Info("service reachable", "service", snap.Name)
	default:
		logger.Warn("service unreachable", "service", snap.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(snap)
	}
}

// Manager owns the watchers for all services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager. A nil logger uses slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics on an empty Name or nil Probe.
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
	cfg.Schedule = cfg.Schedule.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(wctx)
	return w
}

// Status returns every watched service keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop stops all watchers and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
