// Package correlator groups detections across time, shared entities and
// known attack patterns into attack chain candidates. Windows are keyed by
// pivot entity and processed by sharded single-writer workers so detections
// for the same entity serialize while distinct entities proceed in parallel.
package correlator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pattern is a known multi-stage tactic sequence, ordered by attack
// progression.
type Pattern struct {
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"`
}

// Validate checks the pattern is well formed.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if len(p.Steps) < 2 {
		return fmt.Errorf("pattern %s: at least 2 steps required", p.Name)
	}
	return nil
}

// PatternLibrary holds the known tactic sequences used for pattern
// matching. Mismatches never block window inclusion; they just do not raise
// correlation confidence.
type PatternLibrary struct {
	Patterns []Pattern `yaml:"patterns"`
}

// ParsePatternLibrary loads and validates a library from YAML.
func ParsePatternLibrary(data []byte) (*PatternLibrary, error) {
	var lib PatternLibrary
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("failed to parse pattern library: %w", err)
	}
	for i := range lib.Patterns {
		if err := lib.Patterns[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &lib, nil
}

// LoadPatternLibrary reads a library from a YAML file.
func LoadPatternLibrary(path string) (*PatternLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern library: %w", err)
	}
	return ParsePatternLibrary(data)
}

// DefaultPatternLibrary returns the built-in sequences covering common
// multi-stage intrusions.
func DefaultPatternLibrary() *PatternLibrary {
	return &PatternLibrary{Patterns: []Pattern{
		{
			Name:  "initial-compromise",
			Steps: []string{"initial-access", "execution", "persistence", "privilege-escalation"},
		},
		{
			Name:  "credential-theft-pivot",
			Steps: []string{"credential-access", "lateral-movement"},
		},
		{
			Name:  "ransomware-staging",
			Steps: []string{"initial-access", "discovery", "lateral-movement", "impact"},
		},
		{
			Name:  "data-theft",
			Steps: []string{"discovery", "collection", "exfiltration"},
		},
	}}
}

// MatchFraction returns the best fraction of any pattern's steps covered,
// in order, by the observed tactic sequence. Deterministic given the
// sequence; 0 when nothing matches.
func (l *PatternLibrary) MatchFraction(tactics []string) float64 {
	best := 0.0
	for i := range l.Patterns {
		matched := orderedCoverage(l.Patterns[i].Steps, tactics)
		frac := float64(matched) / float64(len(l.Patterns[i].Steps))
		if frac > best {
			best = frac
		}
	}
	return best
}

// IsNextStep reports whether next is a valid continuation of the observed
// tactics in at least one pattern.
func (l *PatternLibrary) IsNextStep(tactics []string, next string) bool {
	for i := range l.Patterns {
		steps := l.Patterns[i].Steps
		matched := orderedCoverage(steps, tactics)
		if matched < len(steps) && steps[matched] == next {
			return true
		}
	}
	return false
}

// orderedCoverage counts how many pattern steps are matched, in order, by
// the observed tactic sequence.
func orderedCoverage(steps, tactics []string) int {
	matched := 0
	for _, tactic := range tactics {
		if matched < len(steps) && steps[matched] == tactic {
			matched++
		}
	}
	return matched
}
