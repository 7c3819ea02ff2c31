package detector

import (
	"sync"
	"time"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// Context gives a detector read-only access to a short rolling window of
// prior events for the entities in the current event.
type Context struct {
	window *EventWindow
	now    time.Time
}

// Recent returns prior events for the entity key, oldest first. The slice
// is a copy; detectors may not mutate shared state through it.
func (c *Context) Recent(entityKey string) []*models.SecurityEvent {
	return c.window.recent(entityKey, c.now)
}

// Now returns the evaluation reference time.
func (c *Context) Now() time.Time {
	return c.now
}

// EventWindow is a bounded per-entity rolling buffer of recent events.
// Writes happen once per ingested event before detector fan-out; reads are
// concurrent across detector workers.
type EventWindow struct {
	maxAge   time.Duration
	maxCount int

	mu       sync.RWMutex
	byEntity map[string][]*models.SecurityEvent
}

// NewEventWindow creates a rolling window bounded by age and count.
func NewEventWindow(maxAge time.Duration, maxCount int) *EventWindow {
	return &EventWindow{
		maxAge:   maxAge,
		maxCount: maxCount,
		byEntity: make(map[string][]*models.SecurityEvent),
	}
}

// Add records an event under each of its entity keys, evicting entries that
// fell out of the age or count bound.
func (w *EventWindow) Add(event *models.SecurityEvent) {
	cutoff := event.Timestamp.Add(-w.maxAge)

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, key := range event.EntityKeys() {
		events := append(w.byEntity[key], event)
		events = evict(events, cutoff, w.maxCount)
		w.byEntity[key] = events
	}
}

// Context returns a read view anchored at the given reference time.
func (w *EventWindow) Context(now time.Time) *Context {
	return &Context{window: w, now: now}
}

func (w *EventWindow) recent(entityKey string, now time.Time) []*models.SecurityEvent {
	cutoff := now.Add(-w.maxAge)

	w.mu.RLock()
	defer w.mu.RUnlock()

	events := w.byEntity[entityKey]
	out := make([]*models.SecurityEvent, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Sweep drops entities whose newest event is older than the window age.
// Called periodically by the pool to bound memory on idle entities.
func (w *EventWindow) Sweep(now time.Time) {
	cutoff := now.Add(-w.maxAge)

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, events := range w.byEntity {
		if len(events) == 0 || events[len(events)-1].Timestamp.Before(cutoff) {
			delete(w.byEntity, key)
		}
	}
}

func evict(events []*models.SecurityEvent, cutoff time.Time, maxCount int) []*models.SecurityEvent {
	start := 0
	for start < len(events) && events[start].Timestamp.Before(cutoff) {
		start++
	}
	events = events[start:]
	if len(events) > maxCount {
		events = events[len(events)-maxCount:]
	}
	return events
}
