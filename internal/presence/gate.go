// Package presence debounces the raw visitor-presence boolean into
// stable transitions.
package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the debounced presence signal.
type State struct {
	Present   bool      `json:"present"`
	ChangedAt time.Time `json:"changed_at"`
}

// Transition is reported when the debounced signal changes.
type Transition struct {
	Present bool
	At      time.Time
}

// Gate holds the current presence state. With a zero MinDwell every
// differing value is a transition on the spot; otherwise a new value
// must persist for MinDwell before Settle reports it.
//
// Gate is not safe for concurrent use. The scan orchestrator owns it
// and drives it from its event loop.
type Gate struct {
	minDwell time.Duration
	state    State

	pending      bool
	pendingValue bool
	pendingSince time.Time
}

// NewGate returns a gate that starts absent.
func NewGate(minDwell time.Duration) *Gate {
	if minDwell < 0 {
		minDwell = 0
	}
	return &Gate{minDwell: minDwell}
}

// State returns the current debounced state.
func (g *Gate) State() State {
	return g.state
}

// Observe feeds one raw value. It returns the transition and true when
// the debounced state changed as a result.
func (g *Gate) Observe(present bool, at time.Time) (Transition, bool) {
	if present == g.state.Present {
		// Flicker back to the settled value cancels any pending change.
		g.pending = false
		return Transition{}, false
	}
	if g.minDwell == 0 {
		return g.commit(present, at), true
	}
	if !g.pending || g.pendingValue != present {
		g.pending = true
		g.pendingValue = present
		g.pendingSince = at
	}
	return g.Settle(at)
}

// Settle promotes a pending value once it has persisted for MinDwell.
// Call it periodically; it is a no-op without a pending value.
func (g *Gate) Settle(now time.Time) (Transition, bool) {
	if !g.pending || now.Sub(g.pendingSince) < g.minDwell {
		return Transition{}, false
	}
	return g.commit(g.pendingValue, now), true
}

func (g *Gate) commit(present bool, at time.Time) Transition {
	g.pending = false
	g.state = State{Present: present, ChangedAt: at}
	return Transition{Present: present, At: at}
}

// Message is the payload published on the presence channel.
type Message struct {
	Presence *bool `json:"presence"`
}

// ParseMessage decodes a presence channel payload. Only the presence
// field is read; it must be present and boolean.
func ParseMessage(payload []byte) (bool, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return false, fmt.Errorf("decode presence message: %w", err)
	}
	if m.Presence == nil {
		return false, fmt.Errorf("presence message has no presence field")
	}
	return *m.Presence, nil
}

// Observation is one raw presence value as received from the channel.
type Observation struct {
	Present bool
	At      time.Time
}
