package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/models"
)

func windowEvent(id string, ts time.Time, entities map[string]string) *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:        id,
		Source:    models.SourceEndpoint,
		Timestamp: ts,
		Entities:  entities,
	}
}

func TestEventWindow_RecentOrderedAndScoped(t *testing.T) {
	w := NewEventWindow(10*time.Minute, 100)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	w.Add(windowEvent("e1", base, map[string]string{models.EntityHost: "h1"}))
	w.Add(windowEvent("e2", base.Add(time.Minute), map[string]string{models.EntityHost: "h1", models.EntityUser: "alice"}))
	w.Add(windowEvent("e3", base.Add(2*time.Minute), map[string]string{models.EntityHost: "h2"}))

	dctx := w.Context(base.Add(3 * time.Minute))

	h1 := dctx.Recent("host:h1")
	require.Len(t, h1, 2)
	assert.Equal(t, "e1", h1[0].ID)
	assert.Equal(t, "e2", h1[1].ID)

	assert.Len(t, dctx.Recent("user:alice"), 1)
	assert.Len(t, dctx.Recent("host:h2"), 1)
	assert.Empty(t, dctx.Recent("host:unknown"))
}

func TestEventWindow_AgeBound(t *testing.T) {
	w := NewEventWindow(5*time.Minute, 100)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	w.Add(windowEvent("old", base, map[string]string{models.EntityHost: "h1"}))
	w.Add(windowEvent("fresh", base.Add(10*time.Minute), map[string]string{models.EntityHost: "h1"}))

	recent := w.Context(base.Add(10 * time.Minute)).Recent("host:h1")
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].ID)
}

func TestEventWindow_CountBound(t *testing.T) {
	w := NewEventWindow(time.Hour, 3)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		w.Add(windowEvent(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second),
			map[string]string{models.EntityHost: "h1"}))
	}

	recent := w.Context(base.Add(time.Minute)).Recent("host:h1")
	require.Len(t, recent, 3)
	assert.Equal(t, "e7", recent[0].ID)
	assert.Equal(t, "e9", recent[2].ID)
}

func TestEventWindow_SweepDropsIdleEntities(t *testing.T) {
	w := NewEventWindow(5*time.Minute, 100)
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	w.Add(windowEvent("e1", base, map[string]string{models.EntityHost: "idle"}))
	w.Add(windowEvent("e2", base.Add(10*time.Minute), map[string]string{models.EntityHost: "active"}))

	w.Sweep(base.Add(10 * time.Minute))

	assert.Empty(t, w.Context(base.Add(10*time.Minute)).Recent("host:idle"))
	assert.Len(t, w.Context(base.Add(10*time.Minute)).Recent("host:active"), 1)
}
