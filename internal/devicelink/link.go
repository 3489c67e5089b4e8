// Package devicelink owns the connection to the heart-rate peripheral.
//
// A Link connects to the strap, subscribes to heart-rate notifications
// and turns every payload into a [sample.Reading] published on a typed
// event bus. A supervision loop probes the subscription at a fixed
// interval; when a probe fails the link reports Disconnected, drops the
// connection and reconnects with a fixed delay, forever, until Close.
//
// Each connection installs exactly one notification handler, tagged with
// a connection generation. Handlers left behind by an earlier connection
// go quiet once the generation moves on, so reconnects never double
// the reading stream.
package devicelink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/pulsekiosk/internal/config"
	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/sample"
)

// Status is the connection state of the peripheral.
type Status int

const (
	// StatusDisconnected means no connection exists.
	StatusDisconnected Status = iota
	// StatusConnecting means discovery or connection is in progress.
	StatusConnecting
	// StatusConnected means the link is up but notifications are not
	// subscribed yet.
	StatusConnected
	// StatusStreaming means notifications are flowing.
	StatusStreaming
)

// String returns a lower-case status name for logs and gauges.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// DeviceConnection is a point-in-time view of the link.
type DeviceConnection struct {
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	LastProbeAt time.Time `json:"last_probe_at"`
}

// EventKind distinguishes the values on the link's event stream.
type EventKind int

const (
	// EventReading carries one filtered reading.
	EventReading EventKind = iota
	// EventConnected is emitted once notifications are flowing after a
	// (re)connect.
	EventConnected
	// EventDisconnected is emitted when a probe declares the link dead.
	EventDisconnected
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventReading:
		return "reading"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one value on the link's stream.
type Event struct {
	Kind    EventKind
	At      time.Time
	Reading sample.Reading // EventReading only
	Err     error          // EventDisconnected only
}

// Peripheral discovers and connects to the strap at an address.
type Peripheral interface {
	Connect(ctx context.Context, address string) (Conn, error)
}

// Conn is one live connection to the strap.
type Conn interface {
	// Subscribe enables heart-rate notifications. handler is called
	// serially with each raw payload.
	Subscribe(handler func(payload []byte)) error
	// Alive returns nil while the notification subscription is active.
	Alive(ctx context.Context) error
	// Close tears the connection down.
	Close() error
}

// Config tunes the link.
type Config struct {
	Address        string
	ProbeInterval  time.Duration // default 1s
	ReconnectDelay time.Duration // default 1s
	ConnectTimeout time.Duration // default 10s
	ProbeTimeout   time.Duration // default ProbeInterval
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = c.ProbeInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Link supervises the connection to one peripheral.
type Link struct {
	cfg        Config
	peripheral Peripheral
	bus        *events.Bus[Event]
	logger     *slog.Logger

	// pubMu orders reading publishes against Connected/Disconnected, so
	// no reading from a connection reaches subscribers after its
	// EventDisconnected. Lock order: pubMu, then mu.
	pubMu sync.Mutex

	mu     sync.Mutex
	state  DeviceConnection
	conn   Conn
	gen    uint64
	closed bool
	cancel context.CancelFunc

	malformed atomic.Int64
}

// New creates a Link. Nothing connects until Connect or Run is called.
func New(p Peripheral, cfg Config) *Link {
	cfg.applyDefaults()
	return &Link{
		cfg:        cfg,
		peripheral: p,
		bus:        events.New[Event](),
		logger:     cfg.Logger.With("component", "devicelink", "address", cfg.Address),
	}
}

// Subscribe returns a channel of link events. Call Unsubscribe on
// teardown.
func (l *Link) Subscribe(bufSize int) <-chan Event {
	return l.bus.Subscribe(bufSize)
}

// Unsubscribe removes a subscription returned by Subscribe.
func (l *Link) Unsubscribe(ch <-chan Event) {
	l.bus.Unsubscribe(ch)
}

// Snapshot returns the current connection state.
func (l *Link) Snapshot() DeviceConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Streaming reports whether notifications are currently flowing.
func (l *Link) Streaming() bool {
	return l.Snapshot().Status == StatusStreaming
}

// MalformedPayloads returns how many payloads were dropped as
// malformed since start.
func (l *Link) MalformedPayloads() int64 {
	return l.malformed.Load()
}

// Connect performs one discovery, connect and subscribe attempt. On
// success the link is Streaming and an EventConnected is published.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.state.Status = StatusConnecting
	l.state.RetryCount++
	l.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.peripheral.Connect(connCtx, l.cfg.Address)
	if err != nil {
		l.setStatus(StatusDisconnected)
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Op: "connect", After: l.cfg.ConnectTimeout}
		}
		return &ConnectionError{Op: "connect", Address: l.cfg.Address, Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.gen++
	gen := l.gen
	l.conn = conn
	l.state.Status = StatusConnected
	l.mu.Unlock()

	if err := conn.Subscribe(l.notificationHandler(gen)); err != nil {
		l.mu.Lock()
		if l.gen == gen {
			l.conn = nil
			l.state.Status = StatusDisconnected
		}
		l.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "subscribe", Address: l.cfg.Address, Err: err}
	}

	l.pubMu.Lock()
	l.mu.Lock()
	l.state.Status = StatusStreaming
	l.state.RetryCount = 0
	l.mu.Unlock()
	l.bus.Publish(Event{Kind: EventConnected, At: time.Now()})
	l.pubMu.Unlock()

	l.logger.Info("peripheral streaming")
	return nil
}

// notificationHandler returns the callback installed for connection
// generation gen.
func (l *Link) notificationHandler(gen uint64) func([]byte) {
	return func(payload []byte) {
		if !l.current(gen) {
			return
		}

		l.logger.Log(context.Background(), config.LevelTrace, "notification", "payload", payload)

		r, ok, err := sample.Filter(payload, time.Now())
		if err != nil {
			l.malformed.Add(1)
			l.logger.Warn("dropping malformed notification", "error", err)
			return
		}
		if !ok {
			return
		}

		l.pubMu.Lock()
		defer l.pubMu.Unlock()
		if l.current(gen) {
			l.bus.Publish(Event{Kind: EventReading, At: r.Timestamp, Reading: r})
		}
	}
}

// current reports whether gen is the live, streaming connection.
func (l *Link) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen && l.state.Status == StatusStreaming
}

// Probe checks the notification subscription once. A failed probe tears
// the connection down and publishes EventDisconnected.
func (l *Link) Probe(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	gen := l.gen
	l.state.LastProbeAt = time.Now()
	l.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	probeCtx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()

	err := conn.Alive(probeCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Op: "liveness probe", After: l.cfg.ProbeTimeout}
	}

	l.drop(gen, err)
	return err
}

// drop discards connection generation gen and tells subscribers.
func (l *Link) drop(gen uint64, cause error) {
	l.pubMu.Lock()
	l.mu.Lock()
	if l.gen != gen || l.conn == nil {
		l.mu.Unlock()
		l.pubMu.Unlock()
		return
	}
	conn := l.conn
	l.conn = nil
	l.state.Status = StatusDisconnected
	l.mu.Unlock()
	l.bus.Publish(Event{Kind: EventDisconnected, At: time.Now(), Err: cause})
	l.pubMu.Unlock()

	l.logger.Warn("peripheral link lost", "error", cause)

	if err := conn.Close(); err != nil {
		l.logger.Debug("closing dead connection", "error", err)
	}
}

// Run keeps the link up until ctx is cancelled or Close is called:
// connect with a fixed delay between failed attempts, then probe every
// ProbeInterval, reconnecting straight away when a probe fails.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.cancel = cancel
	l.mu.Unlock()

	for {
		if err := l.Connect(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			l.logger.Debug("peripheral connect failed, retrying",
				"retry_count", l.Snapshot().RetryCount,
				"next_delay", l.cfg.ReconnectDelay.String(),
				"error", err,
			)
			if !sleepCtx(ctx, l.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		if !l.supervise(ctx) {
			return nil
		}
	}
}

// supervise probes the live connection until a probe fails (returns
// true, caller reconnects) or ctx ends (returns false).
func (l *Link) supervise(ctx context.Context) bool {
	ticker := time.NewTicker(l.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := l.Probe(ctx); err != nil {
				return ctx.Err() == nil
			}
		}
	}
}

// Close stops the supervision loop and tears down the connection. No
// Disconnected event is published for a deliberate close.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.gen++
	l.state.Status = StatusDisconnected
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) setStatus(s Status) {
	l.mu.Lock()
	l.state.Status = s
	l.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
