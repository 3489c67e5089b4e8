// Package stability implements the countdown that confirms a nonzero
// heart-rate reading persisted for a full observation window.
package stability

// State is the countdown state.
type State int

const (
	// StateIdle means the timer is stopped and ignores readings.
	StateIdle State = iota
	// StateArmed means the timer waits for the first nonzero reading.
	StateArmed
	// StateCounting means the window is running.
	StateCounting
	// StateAchieved means the window elapsed; Value holds the result.
	StateAchieved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateCounting:
		return "counting"
	case StateAchieved:
		return "achieved"
	default:
		return "unknown"
	}
}

// Timer counts down Duration ticks once a nonzero reading arrives. The
// value it settles on is the most recent nonzero reading at the moment
// the countdown reaches zero.
//
// Timer holds no goroutines or clocks: the owner calls Tick once per
// second. It is not safe for concurrent use.
type Timer struct {
	duration    int
	resetOnZero bool

	state     State
	remaining int
	last      int
}

// New returns an idle timer with a window of duration ticks. With
// resetOnZero a zero reading while counting restarts the full window;
// without it zero readings are ignored.
func New(duration int, resetOnZero bool) *Timer {
	if duration < 1 {
		duration = 1
	}
	return &Timer{duration: duration, resetOnZero: resetOnZero}
}

// Arm readies the timer for a new window, discarding any earlier result.
func (t *Timer) Arm() {
	t.state = StateArmed
	t.remaining = t.duration
	t.last = 0
}

// Stop forces the timer idle and discards in-flight state. Safe to call
// in any state.
func (t *Timer) Stop() {
	t.state = StateIdle
	t.remaining = 0
	t.last = 0
}

// Observe feeds one reading. It reports whether the call started the
// countdown.
func (t *Timer) Observe(amplitude int) (started bool) {
	switch t.state {
	case StateArmed:
		if amplitude == 0 {
			return false
		}
		t.state = StateCounting
		t.remaining = t.duration
		t.last = amplitude
		return true
	case StateCounting:
		if amplitude != 0 {
			t.last = amplitude
		} else if t.resetOnZero {
			t.remaining = t.duration
		}
	}
	return false
}

// Tick advances the countdown by one. When it reaches zero the timer
// becomes Achieved and Tick returns the settled value with ok true.
func (t *Timer) Tick() (value int, ok bool) {
	if t.state != StateCounting {
		return 0, false
	}
	t.remaining--
	if t.remaining > 0 {
		return 0, false
	}
	t.remaining = 0
	t.state = StateAchieved
	return t.last, true
}

// State returns the current state.
func (t *Timer) State() State { return t.state }

// Remaining returns the ticks left in the window.
func (t *Timer) Remaining() int { return t.remaining }

// Duration returns the full window length in ticks.
func (t *Timer) Duration() int { return t.duration }

// Last returns the most recent nonzero reading in the current window.
func (t *Timer) Last() int { return t.last }
