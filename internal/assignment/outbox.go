package assignment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/pending"
)

// API is the subset of Client the outbox drives.
type API interface {
	PostPulse(ctx context.Context, userID string, value int) error
	PostDeviceState(ctx context.Context, state WorkflowState, rgb json.RawMessage) error
}

// HeldStore keeps measurements the API refused or never received.
type HeldStore interface {
	Hold(ctx context.Context, m pending.Measurement) (int64, error)
	Pending(ctx context.Context) ([]pending.Measurement, error)
	Release(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// Gauges receives named values for the dashboard.
type Gauges interface {
	Set(name string, value float64)
}

// Submission is a completed measurement ready for delivery.
type Submission struct {
	SessionID  string
	User       User
	Value      int
	MeasuredAt time.Time
}

type job struct {
	state   WorkflowState
	submit  *Submission
	flushed chan struct{}
}

// OutboxConfig wires an Outbox.
type OutboxConfig struct {
	API    API
	Store  HeldStore
	Bus    *events.Bus[events.Event] // optional
	Gauges Gauges                    // optional
	Logger *slog.Logger
}

// Outbox delivers state reports and measurements to the API from a
// single worker, strictly in the order they were queued, so a Done
// state never reaches the device record ahead of its pulse. Enqueueing
// never blocks.
type Outbox struct {
	api    API
	store  HeldStore
	bus    *events.Bus[events.Event]
	gauges Gauges
	logger *slog.Logger

	mu    sync.Mutex
	queue []job
	wake  chan struct{}
}

// NewOutbox creates an outbox. Call Run to start delivery.
func NewOutbox(cfg OutboxConfig) *Outbox {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		api:    cfg.API,
		store:  cfg.Store,
		bus:    cfg.Bus,
		gauges: cfg.Gauges,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// ReportState queues a device state update.
func (o *Outbox) ReportState(state WorkflowState) {
	o.enqueue(job{state: state})
}

// SubmitPulse queues a measurement. On success the device record moves
// to Done with the user's colour; on failure the measurement is held and
// the device record moves to Error.
func (o *Outbox) SubmitPulse(s Submission) {
	o.enqueue(job{submit: &s})
}

// Len returns the number of queued jobs.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Flush waits until every job queued before the call has been delivered
// or held. Run must be running for Flush to return before ctx expires.
func (o *Outbox) Flush(ctx context.Context) error {
	done := make(chan struct{})
	o.enqueue(job{flushed: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) enqueue(j job) {
	o.mu.Lock()
	o.queue = append(o.queue, j)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) next() (job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return job{}, false
	}
	j := o.queue[0]
	o.queue = o.queue[1:]
	return j, true
}

// Run delivers queued jobs until ctx is cancelled. Measurements still
// queued at shutdown are held rather than dropped.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		for {
			if ctx.Err() != nil {
				o.holdQueued()
				return nil
			}
			j, ok := o.next()
			if !ok {
				break
			}
			o.process(ctx, j)
		}

		select {
		case <-ctx.Done():
			o.holdQueued()
			return nil
		case <-o.wake:
		}
	}
}

func (o *Outbox) process(ctx context.Context, j job) {
	if j.flushed != nil {
		close(j.flushed)
		return
	}
	if j.submit == nil {
		if err := o.api.PostDeviceState(ctx, j.state, nil); err != nil {
			o.logger.Warn("device state report failed", "state", j.state, "error", err)
		}
		return
	}

	s := j.submit
	if err := o.api.PostPulse(ctx, s.User.ID, s.Value); err != nil {
		o.hold(ctx, *s, err)
		o.setState(StateError)
		if err := o.api.PostDeviceState(ctx, StateError, nil); err != nil {
			o.logger.Warn("device state report failed", "state", StateError, "error", err)
		}
		return
	}

	o.logger.Info("measurement submitted",
		"session", s.SessionID, "user", s.User.ID, "value", s.Value)
	o.publish(events.KindSubmitted, *s, nil)

	if err := o.api.PostDeviceState(ctx, StateDone, s.User.RGB); err != nil {
		o.logger.Warn("device state report failed", "state", StateDone, "error", err)
	}

	if n, err := o.Replay(ctx); err != nil {
		o.logger.Warn("replay of held measurements stopped", "sent", n, "error", err)
	} else if n > 0 {
		o.logger.Info("replayed held measurements", "sent", n)
	}
}

func (o *Outbox) hold(ctx context.Context, s Submission, cause error) {
	// The caller's ctx may already be cancelled at shutdown.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	m := pending.Measurement{
		SessionID:  s.SessionID,
		UserID:     s.User.ID,
		RGB:        string(s.User.RGB),
		Value:      s.Value,
		MeasuredAt: s.MeasuredAt,
	}
	if cause != nil {
		m.LastError = cause.Error()
	}
	if _, err := o.store.Hold(hctx, m); err != nil {
		// Last resort: the value survives in the log.
		o.logger.Error("failed to hold measurement",
			"session", s.SessionID, "user", s.User.ID, "value", s.Value, "error", err)
		return
	}
	o.logger.Warn("measurement held for replay",
		"session", s.SessionID, "user", s.User.ID, "value", s.Value, "cause", cause)
	o.publish(events.KindHeld, s, cause)
}

func (o *Outbox) holdQueued() {
	for {
		j, ok := o.next()
		if !ok {
			return
		}
		switch {
		case j.flushed != nil:
			close(j.flushed)
		case j.submit != nil:
			o.hold(context.Background(), *j.submit, context.Canceled)
		}
	}
}

// Replay resubmits held measurements oldest first and stops at the
// first failure. It returns how many were delivered.
func (o *Outbox) Replay(ctx context.Context) (int, error) {
	held, err := o.store.Pending(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range held {
		if err := o.api.PostPulse(ctx, m.UserID, m.Value); err != nil {
			if markErr := o.store.MarkFailed(ctx, m.ID, err); markErr != nil {
				o.logger.Warn("failed to record replay failure", "id", m.ID, "error", markErr)
			}
			return sent, err
		}
		if err := o.store.Release(ctx, m.ID); err != nil {
			return sent, err
		}
		sent++
		o.publish(events.KindSubmitted, Submission{
			SessionID:  m.SessionID,
			User:       User{ID: m.UserID, RGB: json.RawMessage(m.RGB)},
			Value:      m.Value,
			MeasuredAt: m.MeasuredAt,
		}, nil)
	}
	return sent, nil
}

func (o *Outbox) setState(state WorkflowState) {
	if o.gauges != nil {
		o.gauges.Set("workflow_state", float64(state))
	}
}

func (o *Outbox) publish(kind string, s Submission, cause error) {
	data := map[string]any{
		"session_id": s.SessionID,
		"user_id":    s.User.ID,
		"value":      s.Value,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOutbox,
		Kind:      kind,
		Data:      data,
	})
}
