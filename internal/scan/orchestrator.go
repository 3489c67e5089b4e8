// Package scan runs the measurement cycle: it waits for a visitor and a
// streaming strap, watches the heart-rate readings until one value holds
// for the full stability window, and hands that value to the assignment
// outbox.
//
// All state lives in one Orchestrator owned by a single goroutine
// (Run). Presence observations, link events, clock ticks and
// assignment results are handled one at a time, and every handler
// returns without waiting on the network: outbound work goes through
// the Reporter and Gauges interfaces, which must not block.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/pulsekiosk/internal/assignment"
	"github.com/nugget/pulsekiosk/internal/devicelink"
	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/presence"
	"github.com/nugget/pulsekiosk/internal/stability"
)

// ErrOutOfService is returned by Run once the kiosk has reported
// OutOfService because no visitor could be assigned.
var ErrOutOfService = errors.New("assignment service unavailable, kiosk out of service")

// Reporter forwards state to the assignment API. Implementations queue
// the work and return immediately.
type Reporter interface {
	ReportState(state assignment.WorkflowState)
	SubmitPulse(s assignment.Submission)
}

// Gauges receives named values for the dashboard.
type Gauges interface {
	Set(name string, value float64)
}

// UserSource picks the visitor the next measurement belongs to.
type UserSource interface {
	FetchRandomUser(ctx context.Context) (assignment.User, error)
}

// Config tunes the cycle.
type Config struct {
	// Countdown is the stability window in ticks (default 15).
	Countdown int
	// ResetOnZero restarts the window on a zero reading.
	ResetOnZero bool
	// AbortOnPresenceLoss aborts a running session when the visitor
	// leaves. When false the loss is logged and the session continues.
	AbortOnPresenceLoss bool
	// Cooldown is the number of ticks a completed or aborted session is
	// held before the kiosk returns to idle (default 5).
	Cooldown int
	// PresenceMinDwell debounces the presence signal.
	PresenceMinDwell time.Duration
	// TickInterval is the countdown resolution (default 1s).
	TickInterval time.Duration
}

// Options wires the orchestrator to its collaborators.
type Options struct {
	Users    UserSource
	Reporter Reporter
	Gauges   Gauges                    // optional
	Bus      *events.Bus[events.Event] // optional
	Logger   *slog.Logger
	// NewID returns session identifiers (default UUIDv7).
	NewID func() string
}

type fetchResult struct {
	user assignment.User
	err  error
	at   time.Time
}

// Orchestrator is the session state machine.
type Orchestrator struct {
	cfg      Config
	users    UserSource
	reporter Reporter
	gauges   Gauges
	bus      *events.Bus[events.Event]
	logger   *slog.Logger
	newID    func() string

	gate  *presence.Gate
	timer *stability.Timer

	cur         Session
	user        assignment.User // the visitor cur is measuring
	next        *assignment.User
	link        devicelink.Status
	amplitude   int
	cooldown    int
	needAbsence bool
	failed      bool
	// rephase asks Run to restart the ticker so a fresh countdown gets
	// full ticks.
	rephase bool

	ctx      context.Context
	fetching bool
	results  chan fetchResult

	mu   sync.Mutex
	snap Snapshot
}

// New creates an orchestrator in the Idle state.
func New(cfg Config, opts Options) *Orchestrator {
	if cfg.Countdown <= 0 {
		cfg.Countdown = 15
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string {
			if id, err := uuid.NewV7(); err == nil {
				return id.String()
			}
			return uuid.NewString()
		}
	}
	o := &Orchestrator{
		cfg:      cfg,
		users:    opts.Users,
		reporter: opts.Reporter,
		gauges:   opts.Gauges,
		bus:      opts.Bus,
		logger:   logger.With("component", "scan"),
		newID:    newID,
		gate:     presence.NewGate(cfg.PresenceMinDwell),
		timer:    stability.New(cfg.Countdown, cfg.ResetOnZero),
		ctx:      context.Background(),
		results:  make(chan fetchResult, 1),
	}
	o.refresh(time.Time{})
	return o
}

// Snapshot returns the latest state. Safe for concurrent use.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Run drives the state machine until ctx is cancelled (returning nil)
// or the kiosk goes out of service (returning ErrOutOfService). Pending
// presence observations are always handled before the next link event,
// so a departure pre-empts any reading queued behind it.
func (o *Orchestrator) Run(ctx context.Context, presenceIn <-chan presence.Observation, linkIn <-chan devicelink.Event) error {
	o.ctx = ctx
	o.announceFrom(StatusIdle, time.Now(), "startup")
	o.requestUser()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if o.failed {
			return ErrOutOfService
		}

		presenceIn = o.drainPresence(presenceIn)

		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-presenceIn:
			if !ok {
				presenceIn = nil
				continue
			}
			o.HandlePresence(obs)
		case ev, ok := <-linkIn:
			if !ok {
				linkIn = nil
				continue
			}
			// A departure already queued still wins.
			presenceIn = o.drainPresence(presenceIn)
			o.HandleLink(ev)
			if o.rephase {
				o.rephase = false
				ticker.Reset(o.cfg.TickInterval)
			}
		case t := <-ticker.C:
			o.HandleTick(t)
		case res := <-o.results:
			o.handleAssignment(res)
		}
	}
}

// drainPresence handles every observation already queued on in. It
// returns nil once in is closed.
func (o *Orchestrator) drainPresence(in <-chan presence.Observation) <-chan presence.Observation {
	for in != nil {
		select {
		case obs, ok := <-in:
			if !ok {
				return nil
			}
			o.HandlePresence(obs)
		default:
			return in
		}
	}
	return nil
}

// requestUser starts fetching the next visitor unless one is already
// in hand or on its way.
func (o *Orchestrator) requestUser() {
	if o.fetching || o.next != nil || o.failed {
		return
	}
	o.fetching = true
	ctx := o.ctx
	go func() {
		u, err := o.users.FetchRandomUser(ctx)
		o.results <- fetchResult{user: u, err: err, at: time.Now()}
	}()
}

// handleAssignment consumes a finished user fetch.
func (o *Orchestrator) handleAssignment(res fetchResult) {
	o.fetching = false
	if o.failed {
		return
	}
	if res.err != nil && o.ctx.Err() != nil {
		// Shutting down; the fetch was cancelled, not refused.
		return
	}
	if res.err != nil {
		o.fail(res.at, res.err)
		return
	}
	u := res.user
	o.next = &u
	o.logger.Debug("visitor assigned", "user", u.ID)
	o.maybeStart(res.at)
	o.refresh(res.at)
}

// HandlePresence consumes one raw presence observation.
func (o *Orchestrator) HandlePresence(obs presence.Observation) {
	if o.failed {
		return
	}
	if tr, ok := o.gate.Observe(obs.Present, obs.At); ok {
		o.onPresence(tr)
	}
	o.refresh(obs.At)
}

func (o *Orchestrator) onPresence(tr presence.Transition) {
	o.logger.Info("presence changed", "present", tr.Present)
	if tr.Present {
		o.maybeStart(tr.At)
		return
	}

	o.needAbsence = false
	if !o.cur.Status.Active() {
		return
	}
	if o.cfg.AbortOnPresenceLoss || o.cur.Paused {
		o.abort(tr.At, "visitor left")
		return
	}
	o.logger.Info("visitor left, scan continues", "session", o.cur.ID)
}

// HandleLink consumes one event from the device link.
func (o *Orchestrator) HandleLink(ev devicelink.Event) {
	if o.failed {
		return
	}
	switch ev.Kind {
	case devicelink.EventReading:
		o.onReading(ev.Reading.Amplitude, ev.At)
	case devicelink.EventConnected:
		o.setLink(devicelink.StatusStreaming, ev.At)
		if o.cur.Status.Active() && o.cur.Paused {
			o.resume(ev.At)
		}
		o.maybeStart(ev.At)
	case devicelink.EventDisconnected:
		o.setLink(devicelink.StatusDisconnected, ev.At)
		if o.cur.Status.Active() && !o.cur.Paused {
			o.timer.Stop()
			o.cur.Paused = true
			o.cur.Countdown = 0
			o.announceFrom(o.cur.Status, ev.At, "strap disconnected")
		}
	}
	o.refresh(ev.At)
}

func (o *Orchestrator) setLink(s devicelink.Status, at time.Time) {
	if o.link == s {
		return
	}
	o.link = s
	o.setGauge("link_status", float64(s))
	o.publish(events.SourceLink, events.KindLinkStatus, at, map[string]any{"status": s.String()})
}

func (o *Orchestrator) resume(at time.Time) {
	o.cur.Paused = false
	if !o.gate.State().Present {
		o.abort(at, "visitor left while strap was disconnected")
		return
	}
	from := o.cur.Status
	o.cur.Status = StatusAwaiting
	o.announceFrom(from, at, "strap reconnected")
}

func (o *Orchestrator) onReading(amplitude int, now time.Time) {
	o.amplitude = amplitude
	o.setGauge("amplitude", float64(amplitude))
	if !o.cur.Status.Active() || o.cur.Paused {
		return
	}

	o.cur.Amplitude = amplitude
	if amplitude != 0 {
		o.cur.LastNonzero = amplitude
	}

	switch o.cur.Status {
	case StatusAwaiting:
		if amplitude == 0 {
			return
		}
		o.transition(StatusScanning, now, "first nonzero reading")
		o.timer.Arm()
		if o.timer.Observe(amplitude) {
			o.rephase = true
			o.cur.Countdown = o.timer.Remaining()
			o.transition(StatusStabilizing, now, "countdown started")
		}
	case StatusStabilizing:
		o.timer.Observe(amplitude)
		if amplitude == 0 && o.cfg.ResetOnZero {
			o.rephase = true
			o.logger.Debug("countdown restarted on zero reading", "session", o.cur.ID)
		}
		o.setCountdown(o.timer.Remaining(), now)
	}
}

// HandleTick advances the countdown and the cool-down by one step.
func (o *Orchestrator) HandleTick(now time.Time) {
	if o.failed {
		return
	}
	if tr, ok := o.gate.Settle(now); ok {
		o.onPresence(tr)
	}

	switch {
	case o.cur.Status == StatusStabilizing && !o.cur.Paused:
		value, done := o.timer.Tick()
		o.setCountdown(o.timer.Remaining(), now)
		if done {
			o.complete(value, now)
		}
	case o.cooldown > 0:
		o.cooldown--
		if o.cooldown == 0 {
			o.release(now)
		}
	}
	o.refresh(now)
}

func (o *Orchestrator) setCountdown(remaining int, at time.Time) {
	if o.cur.Countdown == remaining {
		return
	}
	o.cur.Countdown = remaining
	o.setGauge("countdown", float64(remaining))
	o.publish(events.SourceScan, events.KindCountdown, at, map[string]any{
		"session_id": o.cur.ID,
		"remaining":  remaining,
	})
}

// maybeStart opens a session when a visitor is present, the strap is
// streaming, a user is assigned and no other session holds the kiosk.
func (o *Orchestrator) maybeStart(at time.Time) {
	switch {
	case o.failed, o.cur.Status != StatusIdle, o.cooldown > 0, o.needAbsence:
		return
	case !o.gate.State().Present, o.link != devicelink.StatusStreaming, o.next == nil:
		return
	}

	o.user = *o.next
	o.next = nil
	o.timer.Stop()
	from := o.cur.Status
	o.cur = Session{
		ID:        o.newID(),
		Status:    StatusAwaiting,
		UserID:    o.user.ID,
		StartedAt: at,
		Amplitude: o.amplitude,
	}
	o.announceFrom(from, at, "visitor present")
}

func (o *Orchestrator) complete(value int, at time.Time) {
	o.cur.Value = value
	o.cur.EndedAt = at
	o.cur.Countdown = 0
	o.cooldown = o.cfg.Cooldown
	o.needAbsence = o.gate.State().Present

	o.transition(StatusCompleted, at, "stable value")
	o.reporter.SubmitPulse(assignment.Submission{
		SessionID:  o.cur.ID,
		User:       o.user,
		Value:      value,
		MeasuredAt: at,
	})
	o.user = assignment.User{}
	o.requestUser()
}

func (o *Orchestrator) abort(at time.Time, reason string) {
	o.timer.Stop()
	o.cur.Paused = false
	o.cur.LastNonzero = 0
	o.cur.Countdown = 0
	o.cur.EndedAt = at
	o.cooldown = o.cfg.Cooldown

	// Nothing was submitted, so the visitor stays assigned.
	if o.next == nil && o.user.ID != "" {
		u := o.user
		o.next = &u
	}
	o.user = assignment.User{}
	o.transition(StatusAborted, at, reason)
}

// release ends the cool-down and returns the kiosk to Idle.
func (o *Orchestrator) release(at time.Time) {
	from := o.cur.Status
	o.cur = Session{Status: StatusIdle, Amplitude: o.amplitude}
	o.announceFrom(from, at, "cooldown elapsed")
	o.maybeStart(at)
}

func (o *Orchestrator) fail(at time.Time, err error) {
	o.logger.Error("no visitor could be assigned", "error", err)
	o.timer.Stop()
	o.failed = true
	o.cooldown = 0
	o.cur.Paused = false
	o.cur.Countdown = 0
	o.transition(StatusFailed, at, err.Error())
}

func (o *Orchestrator) transition(to Status, at time.Time, reason string) {
	from := o.cur.Status
	o.cur.Status = to
	o.announceFrom(from, at, reason)
}

// announceFrom mirrors the current status to the log, the gauges, the
// event bus and the reporter. Completed is reported by SubmitPulse.
func (o *Orchestrator) announceFrom(from Status, at time.Time, reason string) {
	s := o.cur
	ws := s.Status.WorkflowState()

	o.logger.Info("scan transition",
		"session", s.ID,
		"from", from,
		"to", s.Status,
		"paused", s.Paused,
		"reason", reason,
	)

	o.setGauge("workflow_state", float64(ws))
	o.setGauge("session_status", float64(s.Status))
	o.setGauge("countdown", float64(s.Countdown))
	o.setGauge("link_status", float64(o.link))
	o.setGauge("amplitude", float64(o.amplitude))

	o.publish(events.SourceScan, events.KindTransition, at, map[string]any{
		"session_id":     s.ID,
		"from":           from.String(),
		"to":             s.Status.String(),
		"workflow_state": int(ws),
		"paused":         s.Paused,
		"reason":         reason,
	})

	if s.Status != StatusCompleted {
		o.reporter.ReportState(ws)
	}
	o.refresh(at)
}

func (o *Orchestrator) setGauge(name string, v float64) {
	if o.gauges != nil {
		o.gauges.Set(name, v)
	}
}

func (o *Orchestrator) publish(source, kind string, at time.Time, data map[string]any) {
	if at.IsZero() {
		at = time.Now()
	}
	o.bus.Publish(events.Event{Timestamp: at, Source: source, Kind: kind, Data: data})
}

func (o *Orchestrator) refresh(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	snap := Snapshot{
		Session:      o.cur,
		LinkStatus:   o.link.String(),
		Present:      o.gate.State().Present,
		UserReady:    o.next != nil,
		Cooldown:     o.cooldown,
		OutOfService: o.failed,
		UpdatedAt:    at,
	}
	o.mu.Lock()
	o.snap = snap
	o.mu.Unlock()
}
