package services

import (
	"context"
	"sync"
	"time"

	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
)

// DefaultFeedCapacity bounds the feed when no capacity is configured.
const DefaultFeedCapacity = 256

// FeedEntry is one captured lifecycle event.
type FeedEntry struct {
	Sequence   uint64           `json:"sequence"`
	Type       events.EventType `json:"type"`
	ReceivedAt time.Time        `json:"received_at"`
	Event      any              `json:"event"`
}

// Feed keeps a bounded ring of recent lifecycle events so the API can serve
// a recent-activity stream without another storage dependency. Old entries
// fall off as new ones arrive.
type Feed struct {
	capacity int

	mu      sync.Mutex
	entries []FeedEntry
	total   uint64
}

// NewFeed creates a feed holding up to capacity events.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}

	return &Feed{capacity: capacity}
}

// Attach registers the feed for every lifecycle event type on the bus.
func (f *Feed) Attach(bus eventbus.EventSubscriber) error {
	for _, eventType := range events.AllTypes() {
		if err := bus.Handle(eventType, f.record(eventType)); err != nil {
			return err
		}
	}

	return nil
}

func (f *Feed) record(eventType events.EventType) eventbus.EventHandler {
	return func(_ context.Context, event any) error {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.total++
		f.entries = append(f.entries, FeedEntry{
			Sequence:   f.total,
			Type:       eventType,
			ReceivedAt: time.Now().UTC(),
			Event:      event,
		})

		if len(f.entries) > f.capacity {
			f.entries = f.entries[len(f.entries)-f.capacity:]
		}

		return nil
	}
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything retained.
func (f *Feed) Recent(limit int) []FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := len(f.entries)
	if limit > 0 && limit < count {
		count = limit
	}

	recent := make([]FeedEntry, 0, count)
	for i := len(f.entries) - 1; i >= len(f.entries)-count; i-- {
		recent = append(recent, f.entries[i])
	}

	return recent
}

// Total reports how many events the feed has seen, including ones that
// already fell off the ring.
func (f *Feed) Total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.total
}
