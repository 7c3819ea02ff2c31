package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/models"
)

// recordingSink fails the first failures deliveries, then succeeds.
type recordingSink struct {
	mu        sync.Mutex
	name      string
	failures  int
	delivered []incident.Notification
	attempts  int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, n incident.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *recordingSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func dispatchConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Timeout:        time.Second,
		MinSeverity:    models.SeverityLow,
	}
}

func notification(kind string, severity models.Severity) incident.Notification {
	return incident.Notification{
		Kind: kind,
		Incident: models.Incident{
			ID:       "inc-1",
			Status:   models.StatusOpen,
			Title:    "execution on host:h1",
			Severity: severity,
			Version:  1,
		},
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}
	d := NewDispatcher(logging.Default(), dispatchConfig(), nil, first, second)

	d.dispatch(context.Background(), notification("created", models.SeverityHigh))

	assert.Equal(t, 1, first.deliveredCount())
	assert.Equal(t, 1, second.deliveredCount())
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{name: "flaky", failures: 2}
	var deadLettered int
	d := NewDispatcher(logging.Default(), dispatchConfig(), func(context.Context, string, incident.Notification) {
		deadLettered++
	}, sink)

	d.dispatch(context.Background(), notification("created", models.SeverityHigh))

	assert.Equal(t, 3, sink.attempts)
	assert.Equal(t, 1, sink.deliveredCount())
	assert.Zero(t, deadLettered)
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	sink := &recordingSink{name: "down", failures: 100}

	var mu sync.Mutex
	var deadSink string
	var deadNotification incident.Notification
	d := NewDispatcher(logging.Default(), dispatchConfig(), func(_ context.Context, s string, n incident.Notification) {
		mu.Lock()
		defer mu.Unlock()
		deadSink = s
		deadNotification = n
	}, sink)

	d.dispatch(context.Background(), notification("created", models.SeverityHigh))

	assert.Equal(t, 3, sink.attempts)
	assert.Zero(t, sink.deliveredCount())
	assert.Equal(t, "down", deadSink)
	assert.Equal(t, "inc-1", deadNotification.Incident.ID)
}

func TestDispatcher_SeverityGate(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		severity  models.Severity
		delivered int
	}{
		{"below threshold dropped", "created", models.SeverityLow, 0},
		{"at threshold delivered", "created", models.SeverityHigh, 1},
		{"escalation bypasses gate", "escalated", models.SeverityLow, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{name: "sink"}
			cfg := dispatchConfig()
			cfg.MinSeverity = models.SeverityHigh
			d := NewDispatcher(logging.Default(), cfg, nil, sink)

			d.dispatch(context.Background(), notification(tt.kind, tt.severity))

			assert.Equal(t, tt.delivered, sink.deliveredCount())
		})
	}
}

func TestDispatcher_RunDrainsUntilClose(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	d := NewDispatcher(logging.Default(), dispatchConfig(), nil, sink)

	notifications := make(chan incident.Notification, 4)
	notifications <- notification("created", models.SeverityHigh)
	notifications <- notification("updated", models.SeverityHigh)
	close(notifications)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), notifications)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on channel close")
	}
	assert.Equal(t, 2, sink.deliveredCount())
}

func TestDispatcher_HotReloadConfig(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	cfg := dispatchConfig()
	cfg.MinSeverity = models.SeverityCritical
	d := NewDispatcher(logging.Default(), cfg, nil, sink)

	d.dispatch(context.Background(), notification("created", models.SeverityHigh))
	require.Zero(t, sink.deliveredCount())

	cfg.MinSeverity = models.SeverityLow
	d.SetConfig(cfg)

	d.dispatch(context.Background(), notification("created", models.SeverityHigh))
	assert.Equal(t, 1, sink.deliveredCount())
}
