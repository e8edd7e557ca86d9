// SPDX-License-Identifier: MIT

package queue

import (
	"sync"

	"github.com/nbost130/transcription-palantir-sub001/internal/metrics"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
)

// EventType enumerates job lifecycle notifications.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is one lifecycle notification. Events for a single job are emitted
// in transition order; cross-job ordering is not guaranteed.
type Event struct {
	Type  EventType      `json:"type"`
	JobID string         `json:"jobId"`
	State model.JobState `json:"state"`
}

// eventBus fans lifecycle events out to subscribers. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// blocking queue transitions.
type eventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

const subscriberBuffer = 64

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncBusDrop("full")
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
