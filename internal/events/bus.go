// Package events provides a typed publish/subscribe bus. The device link
// uses it to fan readings and connection changes out to consumers, and
// the scan orchestrator uses it to publish operational events for the
// status feed. A nil *Bus is safe to publish on.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an operational
// event.
const (
	// SourceScan identifies events from the scan orchestrator.
	SourceScan = "scan"
	// SourceLink identifies events from the peripheral link.
	SourceLink = "link"
	// SourceOutbox identifies events from the assignment outbox.
	SourceOutbox = "outbox"
	// SourceHealth identifies dependency watcher events.
	SourceHealth = "health"
)

// Kind constants describe the type of operational event within a source.
const (
	// KindTransition signals a session status change.
	// Data: session_id, from, to, workflow_state.
	KindTransition = "transition"
	// KindCountdown signals a stability countdown tick.
	// Data: session_id, remaining.
	KindCountdown = "countdown"
	// KindLinkStatus signals a peripheral connection status change.
	// Data: status, retry_count.
	KindLinkStatus = "link_status"
	// KindSubmitted signals a measurement reached the assignment API.
	// Data: session_id, user_id, value.
	KindSubmitted = "submitted"
	// KindHeld signals a measurement was held for replay after the
	// assignment API kept failing.
	// Data: session_id, user_id, value, error.
	KindHeld = "held"
	// KindService signals a watched dependency became ready or unready.
	// Data: service, ready, error.
	KindService = "service"
)

// Event is a single operational event, serialized as-is onto the status
// websocket.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus for values of type T. Subscribers
// receive values on buffered channels in publish order. A subscriber
// whose buffer is full misses the value rather than stalling the
// publisher; Dropped counts those misses.
type Bus[T any] struct {
	mu         sync.RWMutex
	subs       map[chan T]struct{}
	recvToSend map[<-chan T]chan T
	dropped    atomic.Int64
}

// New creates a bus ready for use.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs:       make(map[chan T]struct{}),
		recvToSend: make(map[<-chan T]chan T),
	}
}

// Publish delivers v to every subscriber without blocking. Safe to call
// on a nil receiver.
func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving values published from now on.
// Late subscribers get no history. The caller must Unsubscribe when
// done; the channel is closed at that point.
func (b *Bus[T]) Subscribe(bufSize int) <-chan T {
	ch := make(chan T, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
