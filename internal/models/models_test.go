package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Rank(t *testing.T) {
	assert.True(t, SeverityCritical.Rank() > SeverityHigh.Rank())
	assert.True(t, SeverityHigh.Rank() > SeverityMedium.Rank())
	assert.True(t, SeverityMedium.Rank() > SeverityLow.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityLow))
	assert.Equal(t, SeverityMedium, MaxSeverity(SeverityMedium, SeverityMedium))
}

func TestTechnique_Key(t *testing.T) {
	assert.Equal(t, "T1110", Technique{Tactic: "credential-access", ID: "T1110"}.Key())
	assert.Equal(t, "credential-access", Technique{Tactic: "credential-access"}.Key())
}

func TestDetection_DedupeKey(t *testing.T) {
	a := Detection{
		DetectorID: "signature",
		Technique:  Technique{ID: "T1059"},
		EventRefs:  []string{"e1", "e2"},
	}
	b := Detection{
		DetectorID: "signature",
		Technique:  Technique{ID: "T1059"},
		EventRefs:  []string{"e1", "e2"},
	}
	c := Detection{
		DetectorID: "signature",
		Technique:  Technique{ID: "T1059"},
		EventRefs:  []string{"e3"},
	}

	assert.Equal(t, a.DedupeKey(), b.DedupeKey())
	assert.NotEqual(t, a.DedupeKey(), c.DedupeKey())
}

func TestDetection_SharesEntity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   map[string]string
		shared bool
	}{
		{
			name:   "same role same id",
			a:      map[string]string{EntityHost: "host-42"},
			b:      map[string]string{EntityHost: "host-42"},
			shared: true,
		},
		{
			name:   "same role different id",
			a:      map[string]string{EntityHost: "host-42"},
			b:      map[string]string{EntityHost: "host-43"},
			shared: false,
		},
		{
			name:   "cross role same id",
			a:      map[string]string{EntityHost: "10.0.0.5"},
			b:      map[string]string{EntityIP: "10.0.0.5"},
			shared: true,
		},
		{
			name:   "no overlap",
			a:      map[string]string{EntityUser: "alice"},
			b:      map[string]string{EntityUser: "bob", EntityHost: "host-1"},
			shared: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Detection{Entities: tt.a}
			b := Detection{Entities: tt.b}
			assert.Equal(t, tt.shared, a.SharesEntity(&b))
		})
	}
}

func TestIncidentStatus_Transitions(t *testing.T) {
	tests := []struct {
		from    IncidentStatus
		to      IncidentStatus
		allowed bool
	}{
		{StatusOpen, StatusAcknowledged, true},
		{StatusOpen, StatusResolved, true},
		{StatusOpen, StatusFalsePositive, true},
		{StatusAcknowledged, StatusContained, true},
		{StatusAcknowledged, StatusOpen, false},
		{StatusContained, StatusResolved, true},
		{StatusContained, StatusAcknowledged, false},
		{StatusResolved, StatusOpen, false},
		{StatusFalsePositive, StatusAcknowledged, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}

	assert.True(t, StatusResolved.IsTerminal())
	assert.True(t, StatusFalsePositive.IsTerminal())
	assert.False(t, StatusContained.IsTerminal())
}

func TestAttackChain_Accessors(t *testing.T) {
	chain := AttackChain{
		Detections: []Detection{
			{Severity: SeverityLow, Technique: Technique{Tactic: "discovery", ID: "T1083"}},
			{Severity: SeverityHigh, Technique: Technique{Tactic: "exfiltration", ID: "T1048"}},
			{Severity: SeverityMedium, Technique: Technique{Tactic: "exfiltration", ID: "T1048"}},
		},
		Entities: []string{"host:host-42", "user:alice"},
	}

	assert.Equal(t, SeverityHigh, chain.MaxSeverity())

	techniques := chain.Techniques()
	require.Len(t, techniques, 2)
	assert.Contains(t, techniques, "T1083")
	assert.Contains(t, techniques, "T1048")

	assert.True(t, chain.SharesEntity("user:alice"))
	assert.False(t, chain.SharesEntity("user:bob"))
}

func TestSecurityEvent_EntityKeys(t *testing.T) {
	e := SecurityEvent{
		Timestamp: time.Now(),
		Entities:  map[string]string{EntityHost: "h1", EntityUser: "", EntityIP: "10.0.0.1"},
	}
	keys := e.EntityKeys()
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "host:h1")
	assert.Contains(t, keys, "ip:10.0.0.1")
}
