package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternLibrary_MatchFraction(t *testing.T) {
	lib := DefaultPatternLibrary()

	tests := []struct {
		name    string
		tactics []string
		want    float64
	}{
		{"empty", nil, 0},
		{"no match", []string{"defense-evasion"}, 0},
		{"full credential pivot", []string{"credential-access", "lateral-movement"}, 1},
		{"partial data theft", []string{"discovery", "collection"}, 2.0 / 3.0},
		{"out of order does not count", []string{"exfiltration", "discovery", "collection"}, 2.0 / 3.0},
		{"interleaved noise tolerated", []string{"discovery", "defense-evasion", "collection", "exfiltration"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, lib.MatchFraction(tt.tactics), 1e-9)
		})
	}
}

func TestPatternLibrary_IsNextStep(t *testing.T) {
	lib := DefaultPatternLibrary()

	tests := []struct {
		name    string
		tactics []string
		next    string
		want    bool
	}{
		{"first step of a pattern", nil, "initial-access", true},
		{"valid continuation", []string{"credential-access"}, "lateral-movement", true},
		{"skipped step rejected", []string{"initial-access"}, "privilege-escalation", false},
		{"completed pattern has no next", []string{"credential-access", "lateral-movement"}, "lateral-movement", false},
		{"unknown tactic", []string{"credential-access"}, "made-up", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lib.IsNextStep(tt.tactics, tt.next))
		})
	}
}

func TestParsePatternLibrary(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		lib, err := ParsePatternLibrary([]byte(`
patterns:
  - name: test-pattern
    steps: [initial-access, execution]
`))
		require.NoError(t, err)
		require.Len(t, lib.Patterns, 1)
		assert.Equal(t, "test-pattern", lib.Patterns[0].Name)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := ParsePatternLibrary([]byte(`
patterns:
  - steps: [initial-access, execution]
`))
		assert.Error(t, err)
	})

	t.Run("too few steps", func(t *testing.T) {
		_, err := ParsePatternLibrary([]byte(`
patterns:
  - name: short
    steps: [initial-access]
`))
		assert.Error(t, err)
	})
}
