package pending

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pending_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHoldAndPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	measured := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	id, err := s.Hold(ctx, Measurement{
		SessionID:  "sess-1",
		UserID:     "u42",
		RGB:        `"#ff0000"`,
		Value:      80,
		MeasuredAt: measured,
		LastError:  "assignment api unreachable",
	})
	if err != nil {
		t.Fatalf("Hold() error: %v", err)
	}
	if id == 0 {
		t.Fatal("Hold() returned zero id")
	}

	got, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Pending() returned %d rows, want 1", len(got))
	}
	m := got[0]
	if m.ID != id || m.UserID != "u42" || m.Value != 80 || m.RGB != `"#ff0000"` {
		t.Errorf("Pending()[0] = %+v", m)
	}
	if !m.MeasuredAt.Equal(measured) {
		t.Errorf("MeasuredAt = %v, want %v", m.MeasuredAt, measured)
	}
	if m.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", m.Attempts)
	}
}

func TestHoldSameSessionTwice(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := Measurement{SessionID: "sess-1", UserID: "u1", Value: 72, MeasuredAt: time.Now()}
	first, err := s.Hold(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	m.LastError = "second failure"
	second, err := s.Hold(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("ids differ: %d vs %d", first, second)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	got, _ := s.Pending(ctx)
	if got[0].Attempts != 2 || got[0].LastError != "second failure" {
		t.Errorf("after re-hold: attempts %d error %q", got[0].Attempts, got[0].LastError)
	}
}

func TestPendingOrderAndRelease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var ids []int64
	for i, sess := range []string{"a", "b", "c"} {
		id, err := s.Hold(ctx, Measurement{SessionID: sess, UserID: "u", Value: 60 + i, MeasuredAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := s.Release(ctx, ids[1]); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := s.Release(ctx, 9999); err != nil {
		t.Errorf("Release(unknown) error: %v", err)
	}

	got, err := s.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].SessionID != "a" || got[1].SessionID != "c" {
		t.Errorf("Pending() = %+v, want sessions a, c", got)
	}
}

func TestMarkFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Hold(ctx, Measurement{SessionID: "s", UserID: "u", Value: 90, MeasuredAt: time.Now()})
	if err := s.MarkFailed(ctx, id, errors.New("503 from api")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Pending(ctx)
	if got[0].Attempts != 2 || got[0].LastError != "503 from api" {
		t.Errorf("after MarkFailed: attempts %d error %q", got[0].Attempts, got[0].LastError)
	}
}

func TestKioskState(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("instance_id")
	if err != nil || val != "" {
		t.Fatalf("Get(missing) = %q, %v", val, err)
	}
	if err := s.Set("instance_id", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("instance_id", "v2"); err != nil {
		t.Fatal(err)
	}
	if val, _ := s.Get("instance_id"); val != "v2" {
		t.Errorf("Get() = %q, want v2 after upsert", val)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pending.db")
	ctx := context.Background()

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Hold(ctx, Measurement{SessionID: "s", UserID: "u", Value: 77, MeasuredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, _ := s2.Count(ctx)
	if n != 1 {
		t.Errorf("Count() after reopen = %d, want 1", n)
	}
}
