package correlator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/state"
)

func newTestShard(cfg Config, persist *state.Manager) (*shard, chan *models.AttackChain) {
	if persist == nil {
		persist = state.NewManager(nil, false)
	}
	out := make(chan *models.AttackChain, 16)
	s := newShard(logging.Default(),
		func() Config { return cfg },
		DefaultPatternLibrary,
		persist, out)
	return s, out
}

func redisManager(t *testing.T) (*state.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return state.NewManager(client, true), mr
}

func aliceDetection(id string, tactic string, ts time.Time) models.Detection {
	return detection(id, tactic, "", ts, map[string]string{models.EntityUser: "alice"})
}

func TestShard_ReorderAdmission(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestShard(cfg, nil)
	ctx := context.Background()

	arrival := windowBase

	// Later event arrives first; the reorder buffer restores event order.
	s.enqueue(aliceDetection("d2", "lateral-movement", windowBase.Add(10*time.Second)), arrival)
	s.enqueue(aliceDetection("d1", "credential-access", windowBase), arrival)

	s.tick(ctx, arrival.Add(time.Second))
	assert.Empty(t, s.windows, "admission before the reorder delay elapsed")
	assert.Len(t, s.pending, 2)

	s.tick(ctx, arrival.Add(cfg.ReorderDelay))
	assert.Empty(t, s.pending)
	require.Len(t, s.windows, 1)

	w := s.windows["user:alice"]
	require.NotNil(t, w)
	require.Len(t, w.detections, 2)
	assert.Equal(t, "d1", w.detections[0].ID)
	assert.Equal(t, "d2", w.detections[1].ID)
	assert.False(t, w.detections[0].LateArrival)
	assert.False(t, w.detections[1].LateArrival)
}

func TestShard_LateArrivalFlagged(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestShard(cfg, nil)
	ctx := context.Background()

	now := windowBase.Add(10 * time.Minute)
	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase.Add(10*time.Minute)), now, cfg)

	// Arrives behind the admitted high-water mark by more than the reorder
	// delay: still correlated, but flagged.
	s.admit(ctx, aliceDetection("d2", "lateral-movement", windowBase.Add(6*time.Minute)), now.Add(time.Second), cfg)

	w := s.windows["user:alice"]
	require.NotNil(t, w)
	require.Len(t, w.detections, 2)
	assert.Equal(t, "d2", w.detections[0].ID)
	assert.True(t, w.detections[0].LateArrival)
	assert.False(t, w.detections[1].LateArrival)
}

func TestShard_CloseGraceEmit(t *testing.T) {
	cfg := testConfig()
	s, out := newTestShard(cfg, nil)
	ctx := context.Background()

	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)

	// Gap expiry closes the window but holds the chain for the reopen grace.
	closeTime := windowBase.Add(cfg.MaxGap).Add(time.Second)
	s.tick(ctx, closeTime)
	assert.Empty(t, s.windows)
	require.Len(t, s.closed, 1)
	assert.Equal(t, StateClosed, s.closed["user:alice"].state)
	assert.Empty(t, out)

	s.tick(ctx, closeTime.Add(cfg.ReopenGrace))
	assert.Empty(t, s.closed)

	select {
	case chain := <-out:
		assert.Equal(t, "user:alice", chain.PivotEntity)
		assert.Equal(t, []string{"d1"}, chain.DetectionRefs)
	default:
		t.Fatal("expected a chain after the reopen grace elapsed")
	}
}

func TestShard_ReopenCancelsEmission(t *testing.T) {
	cfg := testConfig()
	s, out := newTestShard(cfg, nil)
	ctx := context.Background()

	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)

	closeTime := windowBase.Add(cfg.MaxGap).Add(time.Second)
	s.tick(ctx, closeTime)
	require.Len(t, s.closed, 1)

	// A late arrival inside the grace reopens the window instead of letting
	// the chain go out incomplete.
	late := aliceDetection("d0", "execution", windowBase.Add(-time.Minute))
	s.admit(ctx, late, closeTime.Add(10*time.Second), cfg)

	assert.Empty(t, s.closed)
	require.Len(t, s.windows, 1)
	w := s.windows["user:alice"]
	assert.Equal(t, StateOpen, w.state)
	require.Len(t, w.detections, 2)
	assert.True(t, w.detections[0].LateArrival)

	// The grace expiring now must not emit: the window is open again.
	s.tick(ctx, closeTime.Add(cfg.ReopenGrace))
	assert.Empty(t, out)
	assert.Len(t, s.windows, 1)
}

func TestShard_BurstSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.BurstCount = 3
	cfg.BurstWindow = time.Minute
	s, _ := newTestShard(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.admit(ctx, aliceDetection(fmt.Sprintf("d%d", i+1), "credential-access",
			windowBase.Add(time.Duration(i)*10*time.Second)),
			windowBase.Add(time.Duration(i)*10*time.Second), cfg)
	}

	w := s.windows["user:alice"]
	require.NotNil(t, w)
	require.Len(t, w.detections, 4)

	var derived *models.Detection
	for i := range w.detections {
		if w.detections[i].DetectorType == models.DetectorTypeDerived {
			derived = &w.detections[i]
		}
	}
	require.NotNil(t, derived, "burst should synthesize a derived detection")
	assert.Equal(t, "correlator.rate", derived.DetectorID)
	assert.Equal(t, "suspicious-volume", derived.Technique.Tactic)
	assert.Equal(t, 0.6, derived.Confidence)
	assert.Equal(t, models.SeverityMedium, derived.Severity)

	// The counter resets after firing; the next detection does not re-fire.
	s.admit(ctx, aliceDetection("d4", "credential-access", windowBase.Add(35*time.Second)),
		windowBase.Add(35*time.Second), cfg)
	assert.Len(t, s.windows["user:alice"].detections, 5)
}

func TestShard_StaleSamePivotWindowClosedNotLost(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestShard(cfg, nil)
	ctx := context.Background()

	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)

	// Same pivot, far outside the gap in event time: seeds a fresh window
	// while the stale one is parked for handoff instead of being dropped.
	s.admit(ctx, aliceDetection("d2", "credential-access", windowBase.Add(time.Hour)),
		windowBase.Add(time.Second), cfg)

	require.Len(t, s.windows, 1)
	require.Len(t, s.closed, 1)
	assert.Equal(t, "d2", s.windows["user:alice"].detections[0].ID)
	assert.Equal(t, "d1", s.closed["user:alice"].detections[0].ID)
}

func TestShard_PersistAndRestore(t *testing.T) {
	cfg := testConfig()
	persist, _ := redisManager(t)
	ctx := context.Background()

	first, _ := newTestShard(cfg, persist)
	first.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)

	// A fresh shard over the same store resumes the window on next arrival.
	second, _ := newTestShard(cfg, persist)
	second.admit(ctx, aliceDetection("d2", "lateral-movement", windowBase.Add(time.Minute)),
		windowBase.Add(time.Minute), cfg)

	w := second.windows["user:alice"]
	require.NotNil(t, w)
	require.Len(t, w.detections, 2)
	assert.Equal(t, "d1", w.detections[0].ID)
	assert.Equal(t, "d2", w.detections[1].ID)
}

func TestShard_CorruptSnapshotDiscarded(t *testing.T) {
	cfg := testConfig()
	persist, _ := redisManager(t)
	ctx := context.Background()

	require.NoError(t, persist.PutWindow(ctx, &state.WindowSnapshot{
		WindowID:    "w-corrupt",
		PivotEntity: "user:alice",
		State:       string(StateOpen),
		Payload:     []byte(`{}`),
	}, time.Hour))

	s, _ := newTestShard(cfg, persist)
	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)

	// Correlation restarts fresh for the entity; the bad snapshot is gone.
	w := s.windows["user:alice"]
	require.NotNil(t, w)
	assert.Len(t, w.detections, 1)
	assert.NotEqual(t, "w-corrupt", w.id)

	snapshot, err := persist.GetWindow(ctx, "user:alice")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, w.id, snapshot.WindowID)
}

func TestShard_PausesWhenStoreUnavailable(t *testing.T) {
	cfg := testConfig()
	persist, mr := redisManager(t)
	ctx := context.Background()

	s, _ := newTestShard(cfg, persist)
	s.admit(ctx, aliceDetection("d1", "credential-access", windowBase), windowBase, cfg)
	require.False(t, s.paused)

	mr.Close()
	s.admit(ctx, aliceDetection("d2", "lateral-movement", windowBase.Add(time.Minute)),
		windowBase.Add(time.Minute), cfg)
	assert.True(t, s.paused)

	// While paused, arrivals re-buffer instead of correlating.
	s.admit(ctx, aliceDetection("d3", "lateral-movement", windowBase.Add(2*time.Minute)),
		windowBase.Add(2*time.Minute), cfg)
	assert.Len(t, s.pending, 1)

	// Store recovery on tick resumes correlation and admits the backlog.
	require.NoError(t, mr.Restart())
	s.tick(ctx, windowBase.Add(2*time.Minute).Add(cfg.ReorderDelay))
	assert.False(t, s.paused)
	assert.Empty(t, s.pending)
	assert.Len(t, s.windows["user:alice"].detections, 3)
}
