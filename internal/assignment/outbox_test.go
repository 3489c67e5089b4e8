package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nugget/pulsekiosk/internal/events"
	"github.com/nugget/pulsekiosk/internal/pending"
)

// fakeAPI records calls in order. pulseErr fails every PostPulse while
// set.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	pulseErr error
}

func (f *fakeAPI) PostPulse(_ context.Context, userID string, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("pulse %s %d", userID, value))
	return f.pulseErr
}

func (f *fakeAPI) PostDeviceState(_ context.Context, state WorkflowState, rgb json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(rgb) > 0 {
		f.calls = append(f.calls, fmt.Sprintf("state %d %s", state, rgb))
	} else {
		f.calls = append(f.calls, fmt.Sprintf("state %d", state))
	}
	return nil
}

func (f *fakeAPI) setPulseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulseErr = err
}

func (f *fakeAPI) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	held   []pending.Measurement
}

func (s *fakeStore) Hold(_ context.Context, m pending.Measurement) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.held = append(s.held, m)
	return m.ID, nil
}

func (s *fakeStore) Pending(context.Context) ([]pending.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pending.Measurement(nil), s.held...), nil
}

func (s *fakeStore) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.held {
		if m.ID == id {
			s.held = append(s.held[:i], s.held[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.held {
		if s.held[i].ID == id {
			s.held[i].Attempts++
			s.held[i].LastError = cause.Error()
		}
	}
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

type gaugeRecorder struct {
	mu     sync.Mutex
	values map[string]float64
}

func (g *gaugeRecorder) Set(name string, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.values == nil {
		g.values = make(map[string]float64)
	}
	g.values[name] = v
}

func (g *gaugeRecorder) get(name string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[name]
	return v, ok
}

// runOutbox starts o.Run and returns a stop function that waits for it.
func runOutbox(t *testing.T, o *Outbox) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("outbox did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutbox_DeliversInOrder(t *testing.T) {
	api := &fakeAPI{}
	o := NewOutbox(OutboxConfig{API: api, Store: &fakeStore{}})
	stop := runOutbox(t, o)
	defer stop()

	o.ReportState(StateScanning)
	o.SubmitPulse(Submission{SessionID: "s1", User: User{ID: "u1", RGB: json.RawMessage(`"#123456"`)}, Value: 80})
	o.ReportState(StateIdle)

	want := []string{"state 1", "pulse u1 80", `state 2 "#123456"`, "state 0"}
	waitFor(t, "four calls", func() bool { return len(api.snapshot()) == len(want) })

	got := api.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutbox_FailedPulseIsHeld(t *testing.T) {
	api := &fakeAPI{pulseErr: errors.New("api down")}
	store := &fakeStore{}
	gauges := &gaugeRecorder{}
	bus := events.New[events.Event]()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	o := NewOutbox(OutboxConfig{API: api, Store: store, Bus: bus, Gauges: gauges})
	stop := runOutbox(t, o)
	defer stop()

	measured := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o.SubmitPulse(Submission{SessionID: "s1", User: User{ID: "u1"}, Value: 91, MeasuredAt: measured})

	waitFor(t, "error state report", func() bool { return len(api.snapshot()) == 2 })
	if got := api.snapshot(); got[1] != "state 4" {
		t.Errorf("calls = %q, want pulse then state 4", got)
	}
	if store.count() != 1 {
		t.Fatalf("held = %d, want 1", store.count())
	}
	held, _ := store.Pending(context.Background())
	if held[0].Value != 91 || held[0].UserID != "u1" || !held[0].MeasuredAt.Equal(measured) {
		t.Errorf("held measurement = %+v", held[0])
	}
	if v, ok := gauges.get("workflow_state"); !ok || v != float64(StateError) {
		t.Errorf("workflow_state gauge = %v (%v), want 4", v, ok)
	}

	select {
	case ev := <-sub:
		if ev.Kind != events.KindHeld || ev.Data["value"] != 91 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no held event published")
	}
}

func TestOutbox_SuccessReplaysHeld(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeStore{}
	store.Hold(context.Background(), pending.Measurement{SessionID: "old", UserID: "u0", Value: 66})

	o := NewOutbox(OutboxConfig{API: api, Store: store})
	stop := runOutbox(t, o)
	defer stop()

	o.SubmitPulse(Submission{SessionID: "new", User: User{ID: "u1"}, Value: 70})

	waitFor(t, "replay", func() bool { return store.count() == 0 })
	got := api.snapshot()
	want := []string{"pulse u1 70", "state 2", "pulse u0 66"}
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOutbox_ReplayStopsAtFirstFailure(t *testing.T) {
	api := &fakeAPI{pulseErr: errors.New("still down")}
	store := &fakeStore{}
	ctx := context.Background()
	store.Hold(ctx, pending.Measurement{SessionID: "a", UserID: "u1", Value: 60})
	store.Hold(ctx, pending.Measurement{SessionID: "b", UserID: "u2", Value: 61})

	o := NewOutbox(OutboxConfig{API: api, Store: store})
	sent, err := o.Replay(ctx)
	if err == nil || sent != 0 {
		t.Fatalf("Replay() = %d, %v; want 0 and an error", sent, err)
	}
	if n := len(api.snapshot()); n != 1 {
		t.Errorf("calls = %d, want 1 (stop at first failure)", n)
	}
	held, _ := store.Pending(ctx)
	if held[0].Attempts != 1 || held[0].LastError != "still down" {
		t.Errorf("first held = %+v", held[0])
	}

	api.setPulseErr(nil)
	sent, err = o.Replay(ctx)
	if err != nil || sent != 2 {
		t.Errorf("Replay() = %d, %v; want 2, nil", sent, err)
	}
}

func TestOutbox_ShutdownHoldsQueuedPulses(t *testing.T) {
	store := &fakeStore{}
	o := NewOutbox(OutboxConfig{API: &fakeAPI{}, Store: store})

	o.ReportState(StateScanning)
	o.SubmitPulse(Submission{SessionID: "s1", User: User{ID: "u1"}, Value: 88})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if store.count() != 1 {
		t.Errorf("held = %d, want queued pulse held at shutdown", store.count())
	}
	if o.Len() != 0 {
		t.Errorf("Len() = %d after shutdown", o.Len())
	}
}

func TestOutbox_FlushWaitsForEarlierJobs(t *testing.T) {
	api := &fakeAPI{}
	o := NewOutbox(OutboxConfig{API: api, Store: &fakeStore{}})
	stop := runOutbox(t, o)
	defer stop()

	o.ReportState(StateScanning)
	o.ReportState(StateError)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Flush(ctx); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if got := api.snapshot(); len(got) != 2 || got[1] != "state 4" {
		t.Errorf("calls after flush = %q", got)
	}
}

func TestOutbox_FlushWithoutWorker(t *testing.T) {
	o := NewOutbox(OutboxConfig{API: &fakeAPI{}, Store: &fakeStore{}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush() = %v, want deadline exceeded", err)
	}
}
