package stability

import "testing"

func TestTimer_SustainedReadingAchieves(t *testing.T) {
	tm := New(3, true)
	tm.Arm()

	if tm.Observe(0) {
		t.Fatal("zero reading must not start the countdown")
	}
	if tm.State() != StateArmed {
		t.Fatalf("state = %v, want armed", tm.State())
	}
	if !tm.Observe(72) {
		t.Fatal("nonzero reading should start the countdown")
	}

	for i := 0; i < 2; i++ {
		if _, ok := tm.Tick(); ok {
			t.Fatalf("achieved early at tick %d", i+1)
		}
		tm.Observe(74 + i)
	}
	v, ok := tm.Tick()
	if !ok {
		t.Fatal("expected achievement on third tick")
	}
	if v != 75 {
		t.Errorf("value = %d, want most recent nonzero 75", v)
	}
	if tm.State() != StateAchieved || tm.Remaining() != 0 {
		t.Errorf("state = %v remaining %d, want achieved 0", tm.State(), tm.Remaining())
	}
	if _, ok := tm.Tick(); ok {
		t.Error("Tick after achievement must not fire again")
	}
}

func TestTimer_RemainingStrictlyDecreases(t *testing.T) {
	tm := New(5, true)
	tm.Arm()
	tm.Observe(60)

	prev := tm.Remaining()
	for range 4 {
		tm.Tick()
		if tm.Remaining() >= prev {
			t.Fatalf("remaining %d did not decrease from %d", tm.Remaining(), prev)
		}
		prev = tm.Remaining()
	}
}

func TestTimer_ZeroRestartsWindow(t *testing.T) {
	tm := New(15, true)
	tm.Arm()
	tm.Observe(80)
	for range 7 {
		tm.Tick()
	}
	if tm.Remaining() != 8 {
		t.Fatalf("remaining = %d, want 8", tm.Remaining())
	}

	tm.Observe(0)
	if tm.Remaining() != 15 {
		t.Errorf("remaining after zero = %d, want full 15 (restart, not pause)", tm.Remaining())
	}
	if tm.State() != StateCounting {
		t.Errorf("state = %v, want counting", tm.State())
	}
	if tm.Last() != 80 {
		t.Errorf("Last() = %d, zero must not overwrite the last nonzero", tm.Last())
	}
}

func TestTimer_ZeroIgnoredWithoutReset(t *testing.T) {
	tm := New(4, false)
	tm.Arm()
	tm.Observe(80)
	tm.Tick()
	tm.Observe(0)
	if tm.Remaining() != 3 {
		t.Errorf("remaining = %d, want 3 (zero ignored)", tm.Remaining())
	}
}

func TestTimer_StopDiscards(t *testing.T) {
	tm := New(4, true)
	tm.Arm()
	tm.Observe(90)
	tm.Tick()
	tm.Stop()

	if tm.State() != StateIdle || tm.Remaining() != 0 || tm.Last() != 0 {
		t.Errorf("after Stop: state %v remaining %d last %d", tm.State(), tm.Remaining(), tm.Last())
	}
	if tm.Observe(90) {
		t.Error("idle timer must ignore readings")
	}
	if _, ok := tm.Tick(); ok {
		t.Error("idle timer must not achieve")
	}
}

// Presence at t=0, zero readings until t=2, 80 from t=2 with a zero at
// t=9: the window restarts at t=9 and completes at t=24, not t=17.
func TestTimer_ScenarioCompletesAtTwentyFour(t *testing.T) {
	tm := New(15, true)
	tm.Arm()

	readingAt := func(sec int) int {
		switch {
		case sec < 2:
			return 0
		case sec == 9:
			return 0
		default:
			return 80
		}
	}

	for sec := 0; sec <= 40; sec++ {
		if sec > 0 {
			if v, ok := tm.Tick(); ok {
				if sec != 24 {
					t.Fatalf("completed at t=%ds, want t=24s", sec)
				}
				if v != 80 {
					t.Errorf("value = %d, want 80", v)
				}
				return
			}
		}
		tm.Observe(readingAt(sec))
	}
	t.Fatal("countdown never completed")
}
