package correlator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntwire-systems/huntwire/internal/models"
)

func testConfig() Config {
	return Config{
		MaxGap:            5 * time.Minute,
		ExtendThreshold:   time.Minute,
		ExtendBy:          2 * time.Minute,
		MaxWindowDuration: 30 * time.Minute,
		ReorderDelay:      3 * time.Second,
		ReopenGrace:       30 * time.Second,
		PatternWeight:     0.4,
		TemporalWeight:    0.3,
		EntityWeight:      0.3,
	}
}

func detection(id, tactic, techniqueID string, ts time.Time, entities map[string]string) models.Detection {
	return models.Detection{
		ID:         id,
		DetectorID: "signature",
		EventRefs:  []string{"evt-" + id},
		Technique:  models.Technique{Tactic: tactic, ID: techniqueID},
		Confidence: 0.7,
		Severity:   models.SeverityMedium,
		Entities:   entities,
		Timestamp:  ts,
	}
}

var windowBase = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func TestWindow_Matches(t *testing.T) {
	cfg := testConfig()
	lib := DefaultPatternLibrary()

	seed := detection("d1", "credential-access", "T1110", windowBase,
		map[string]string{models.EntityUser: "alice", models.EntityHost: "h1"})
	w := newWindow("user:alice", seed, windowBase, cfg)

	tests := []struct {
		name string
		d    models.Detection
		want bool
	}{
		{
			name: "shared entity within gap",
			d: detection("d2", "lateral-movement", "T1021", windowBase.Add(time.Minute),
				map[string]string{models.EntityUser: "alice"}),
			want: true,
		},
		{
			name: "shared entity beyond gap",
			d: detection("d3", "lateral-movement", "T1021", windowBase.Add(20*time.Minute),
				map[string]string{models.EntityUser: "alice"}),
			want: false,
		},
		{
			name: "no shared entity no pattern",
			d: detection("d4", "discovery", "T1083", windowBase.Add(time.Minute),
				map[string]string{models.EntityHost: "h9"}),
			want: false,
		},
		{
			name: "pattern continuation with pivot id under another role",
			d: detection("d5", "lateral-movement", "T1021", windowBase.Add(time.Minute),
				map[string]string{models.EntityIP: "alice"}),
			want: true,
		},
		{
			name: "pattern mismatch with foreign id",
			d: detection("d6", "impact", "T1498", windowBase.Add(time.Minute),
				map[string]string{models.EntityIP: "203.0.113.7"}),
			want: false,
		},
		{
			name: "event before window still within gap",
			d: detection("d7", "execution", "T1059", windowBase.Add(-2*time.Minute),
				map[string]string{models.EntityHost: "h1"}),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			assert.Equal(t, tt.want, w.matches(&d, cfg, lib))
		})
	}
}

func TestWindow_AbsorbExtendsNearBoundary(t *testing.T) {
	cfg := testConfig()

	seed := detection("d1", "credential-access", "T1110", windowBase,
		map[string]string{models.EntityUser: "alice"})
	w := newWindow("user:alice", seed, windowBase, cfg)
	require.Equal(t, StateOpen, w.state)
	require.Equal(t, windowBase.Add(cfg.MaxGap), w.deadline)

	// Absorption far from the deadline keeps the window OPEN and slides it.
	mid := windowBase.Add(time.Minute)
	w.absorb(detection("d2", "lateral-movement", "T1021", mid,
		map[string]string{models.EntityUser: "alice"}), mid, cfg)
	assert.Equal(t, StateOpen, w.state)
	assert.Equal(t, mid.Add(cfg.MaxGap), w.deadline)

	// Absorption inside extendThreshold of the deadline extends it instead.
	near := w.deadline.Add(-30 * time.Second)
	prevDeadline := w.deadline
	w.absorb(detection("d3", "lateral-movement", "T1021", near,
		map[string]string{models.EntityUser: "alice"}), near, cfg)
	assert.Equal(t, StateExtended, w.state)
	assert.Equal(t, prevDeadline.Add(cfg.ExtendBy), w.deadline)
}

func TestWindow_DeadlineCappedByMaxDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWindowDuration = 10 * time.Minute

	seed := detection("d1", "credential-access", "T1110", windowBase,
		map[string]string{models.EntityUser: "alice"})
	w := newWindow("user:alice", seed, windowBase, cfg)

	// Repeated near-boundary arrivals keep extending until the hard stop.
	for i := 0; i < 3; i++ {
		now := w.deadline.Add(-30 * time.Second)
		w.absorb(detection(fmt.Sprintf("d%d", i+2), "lateral-movement", "T1021", now,
			map[string]string{models.EntityUser: "alice"}), now, cfg)
	}

	hardStop := windowBase.Add(cfg.MaxWindowDuration)
	assert.Equal(t, hardStop, w.deadline)
	assert.True(t, w.shouldClose(hardStop, cfg))
}

func TestWindow_ShouldClose(t *testing.T) {
	cfg := testConfig()

	seed := detection("d1", "credential-access", "T1110", windowBase,
		map[string]string{models.EntityUser: "alice"})
	w := newWindow("user:alice", seed, windowBase, cfg)

	assert.False(t, w.shouldClose(windowBase.Add(time.Minute), cfg))
	assert.True(t, w.shouldClose(windowBase.Add(cfg.MaxGap).Add(time.Second), cfg))
}

func TestWindow_LateArrivalKeepsOrder(t *testing.T) {
	cfg := testConfig()

	seed := detection("d1", "execution", "T1059", windowBase.Add(2*time.Minute),
		map[string]string{models.EntityHost: "h1"})
	w := newWindow("host:h1", seed, windowBase.Add(2*time.Minute), cfg)

	// An earlier event absorbed later inserts before the seed.
	late := detection("d0", "initial-access", "T1566", windowBase,
		map[string]string{models.EntityHost: "h1"})
	w.absorb(late, windowBase.Add(3*time.Minute), cfg)

	require.Len(t, w.detections, 2)
	assert.Equal(t, "d0", w.detections[0].ID)
	assert.Equal(t, windowBase, w.windowStart)
	assert.Equal(t, []string{"initial-access", "execution"}, w.tacticSequence())
}

func TestWindow_ToChain(t *testing.T) {
	cfg := testConfig()
	lib := DefaultPatternLibrary()

	seed := detection("d1", "credential-access", "T1110", windowBase,
		map[string]string{models.EntityUser: "alice", models.EntityHost: "h1"})
	w := newWindow("user:alice", seed, windowBase, cfg)
	w.absorb(detection("d2", "lateral-movement", "T1021", windowBase.Add(45*time.Second),
		map[string]string{models.EntityUser: "alice", models.EntityHost: "h2"}),
		windowBase.Add(45*time.Second), cfg)

	chain := w.toChain(windowBase.Add(6*time.Minute), cfg, lib)

	assert.NotEmpty(t, chain.ID)
	assert.Equal(t, "user:alice", chain.PivotEntity)
	assert.Equal(t, []string{"d1", "d2"}, chain.DetectionRefs)
	assert.Equal(t, []string{"host:h1", "host:h2", "user:alice"}, chain.Entities)
	assert.Equal(t, []string{"credential-access", "lateral-movement"}, chain.TacticSequence)
	assert.Equal(t, windowBase, chain.WindowStart)
	assert.Equal(t, windowBase.Add(45*time.Second), chain.WindowEnd)

	// Full credential-theft-pivot pattern plus tight clustering and strong
	// entity overlap: confidence is deterministic for fixed contents.
	again := w.toChain(windowBase.Add(6*time.Minute), cfg, lib)
	assert.Equal(t, chain.CorrelationConfidence, again.CorrelationConfidence)
	assert.Greater(t, chain.CorrelationConfidence, 0.6)
	assert.LessOrEqual(t, chain.CorrelationConfidence, 1.0)
}

func TestWindow_SingleDetectionChainLowConfidence(t *testing.T) {
	cfg := testConfig()
	lib := DefaultPatternLibrary()

	seed := detection("d1", "defense-evasion", "T1070", windowBase,
		map[string]string{models.EntityHost: "h1"})
	w := newWindow("host:h1", seed, windowBase, cfg)

	chain := w.toChain(windowBase.Add(6*time.Minute), cfg, lib)
	require.Len(t, chain.DetectionRefs, 1)

	// No pattern coverage and no clustering signal: only entity overlap
	// contributes.
	assert.InDelta(t, 0.3, chain.CorrelationConfidence, 1e-9)
}
