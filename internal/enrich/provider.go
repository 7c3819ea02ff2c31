// Package enrich attaches contextual intelligence to detections and
// recomputes their confidence before correlation. It is the last point
// where a detection can be suppressed entirely.
package enrich

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Verdict classifies an entity's reputation. VerdictNoData means the
// provider has no information, which is distinct from a lookup error.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictAllowlist  Verdict = "allowlisted"
	VerdictNoData     Verdict = "no_data"
)

// ReputationResult is the outcome of one intelligence lookup.
type ReputationResult struct {
	Verdict          Verdict `json:"verdict"`
	AssetCriticality string  `json:"asset_criticality,omitempty"` // low|medium|high|crown_jewel
	Source           string  `json:"source"`
}

// IntelligenceProvider is the pluggable lookup interface for reputation and
// asset context. Implementations must honor the context deadline; the
// scorer degrades to partial enrichment on timeout.
type IntelligenceProvider interface {
	Name() string
	Lookup(ctx context.Context, entityType, entityID string) (ReputationResult, error)
}

// StaticProvider resolves reputation from in-memory allow/deny lists and an
// asset criticality table. It backs deployments without an external intel
// feed and the test suite.
type StaticProvider struct {
	allowlist   map[string]bool   // entity id -> allowlisted
	denylist    map[string]bool   // entity id -> known bad
	criticality map[string]string // entity id -> criticality
}

// NewStaticProvider builds a provider from explicit tables. Nil maps are
// treated as empty.
func NewStaticProvider(allowlist, denylist []string, criticality map[string]string) *StaticProvider {
	p := &StaticProvider{
		allowlist:   make(map[string]bool, len(allowlist)),
		denylist:    make(map[string]bool, len(denylist)),
		criticality: make(map[string]string, len(criticality)),
	}
	for _, id := range allowlist {
		p.allowlist[strings.ToLower(id)] = true
	}
	for _, id := range denylist {
		p.denylist[strings.ToLower(id)] = true
	}
	for id, crit := range criticality {
		p.criticality[strings.ToLower(id)] = crit
	}
	return p
}

// staticTables is the YAML file format for static intel.
type staticTables struct {
	Allowlist   []string          `yaml:"allowlist"`
	Denylist    []string          `yaml:"denylist"`
	Criticality map[string]string `yaml:"criticality"`
}

// LoadStaticProvider reads static intel tables from a YAML file.
func LoadStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intel file: %w", err)
	}
	var tables staticTables
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse intel file: %w", err)
	}
	return NewStaticProvider(tables.Allowlist, tables.Denylist, tables.Criticality), nil
}

// Name identifies the provider in logs and metrics.
func (p *StaticProvider) Name() string {
	return "static"
}

// Lookup resolves an entity against the static tables.
func (p *StaticProvider) Lookup(_ context.Context, _, entityID string) (ReputationResult, error) {
	id := strings.ToLower(entityID)

	result := ReputationResult{Verdict: VerdictNoData, Source: p.Name()}
	switch {
	case p.denylist[id]:
		result.Verdict = VerdictMalicious
	case p.allowlist[id]:
		result.Verdict = VerdictAllowlist
	}
	if crit, ok := p.criticality[id]; ok {
		result.AssetCriticality = crit
	}
	return result, nil
}
