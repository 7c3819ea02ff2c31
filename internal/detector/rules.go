package detector

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/huntwire-systems/huntwire/internal/models"
)

// Rule is one entry in the signature rule database: an entity-scoped logical
// expression over event attributes plus the severity/confidence pair it
// emits verbatim.
type Rule struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Sources     []models.Source `yaml:"sources,omitempty"`
	Tactic      string          `yaml:"tactic"`
	TechniqueID string          `yaml:"technique_id"`
	Severity    models.Severity `yaml:"severity"`
	Confidence  float64         `yaml:"confidence"`
	Match       Expression      `yaml:"match"`
}

// Validate checks the rule is well formed.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Tactic == "" {
		return fmt.Errorf("rule %s: tactic is required", r.ID)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence must be in [0,1]", r.ID)
	}
	for _, src := range r.Sources {
		if !src.IsValid() {
			return fmt.Errorf("rule %s: invalid source %q", r.ID, src)
		}
	}
	if err := r.Match.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// appliesTo reports whether the rule's source scope covers the event.
func (r *Rule) appliesTo(event *models.SecurityEvent) bool {
	if len(r.Sources) == 0 {
		return true
	}
	for _, src := range r.Sources {
		if src == event.Source {
			return true
		}
	}
	return false
}

// Expression is a boolean predicate over event attributes. Either a leaf
// condition (Field/Op/Value) or exactly one compound group (All/Any/None).
type Expression struct {
	Field string      `yaml:"field,omitempty"`
	Op    string      `yaml:"op,omitempty"`
	Value interface{} `yaml:"value,omitempty"`

	All  []Expression `yaml:"all,omitempty"`
	Any  []Expression `yaml:"any,omitempty"`
	None []Expression `yaml:"none,omitempty"`
}

var validOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "regex": true, "exists": true,
}

// Validate checks the expression tree.
func (e *Expression) Validate() error {
	groups := 0
	for _, g := range [][]Expression{e.All, e.Any, e.None} {
		if len(g) > 0 {
			groups++
			for i := range g {
				if err := g[i].Validate(); err != nil {
					return err
				}
			}
		}
	}
	if groups > 1 {
		return fmt.Errorf("expression may use only one of all/any/none")
	}
	if groups == 1 {
		if e.Field != "" || e.Op != "" {
			return fmt.Errorf("compound expression cannot also be a leaf condition")
		}
		return nil
	}

	if e.Field == "" {
		return fmt.Errorf("leaf condition requires a field")
	}
	if !validOps[e.Op] {
		return fmt.Errorf("invalid operator %q", e.Op)
	}
	if e.Op == "regex" {
		pattern, ok := e.Value.(string)
		if !ok {
			return fmt.Errorf("regex operator requires a string pattern")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
	}
	return nil
}

// Evaluate applies the expression to an event's attributes.
func (e *Expression) Evaluate(event *models.SecurityEvent) bool {
	switch {
	case len(e.All) > 0:
		for i := range e.All {
			if !e.All[i].Evaluate(event) {
				return false
			}
		}
		return true
	case len(e.Any) > 0:
		for i := range e.Any {
			if e.Any[i].Evaluate(event) {
				return true
			}
		}
		return false
	case len(e.None) > 0:
		for i := range e.None {
			if e.None[i].Evaluate(event) {
				return false
			}
		}
		return true
	}

	actual, present := event.Attributes[e.Field]
	switch e.Op {
	case "exists":
		return present
	case "eq":
		return present && equalValues(actual, e.Value)
	case "ne":
		return !present || !equalValues(actual, e.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(e.Value)
		if !aok || !bok {
			return false
		}
		switch e.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "contains":
		s, ok := actual.(string)
		sub, ok2 := e.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case "regex":
		s, ok := actual.(string)
		if !ok {
			return false
		}
		pattern, _ := e.Value.(string)
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	default:
		return false
	}
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// RuleSet is a validated collection of signature rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRuleSet loads and validates rules from YAML.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		if err := rs.Rules[i].Validate(); err != nil {
			return nil, err
		}
		if seen[rs.Rules[i].ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rs.Rules[i].ID)
		}
		seen[rs.Rules[i].ID] = true
	}
	return &rs, nil
}

// DefaultRuleSet returns the built-in rules used when no rule file is
// configured. They cover the common stages seen in multi-step intrusions.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{Rules: []Rule{
		{
			ID:          "auth-failure-burst",
			Name:        "Repeated authentication failures",
			Sources:     []models.Source{models.SourceIdentity},
			Tactic:      "credential-access",
			TechniqueID: "T1110",
			Severity:    models.SeverityMedium,
			Confidence:  0.7,
			Match: Expression{All: []Expression{
				{Field: "action", Op: "eq", Value: "login"},
				{Field: "outcome", Op: "eq", Value: "failure"},
				{Field: "failure_count", Op: "gte", Value: 5},
			}},
		},
		{
			ID:          "remote-admin-session",
			Name:        "Remote admin session to new host",
			Sources:     []models.Source{models.SourceNetwork},
			Tactic:      "lateral-movement",
			TechniqueID: "T1021",
			Severity:    models.SeverityHigh,
			Confidence:  0.75,
			Match: Expression{All: []Expression{
				{Field: "protocol", Op: "eq", Value: "smb"},
				{Field: "dst_port", Op: "eq", Value: 445},
				{Field: "admin_share", Op: "eq", Value: true},
			}},
		},
		{
			ID:          "suspicious-shell-spawn",
			Name:        "Shell spawned by office application",
			Sources:     []models.Source{models.SourceEndpoint},
			Tactic:      "execution",
			TechniqueID: "T1059",
			Severity:    models.SeverityHigh,
			Confidence:  0.85,
			Match: Expression{All: []Expression{
				{Field: "process_name", Op: "regex", Value: `(?i)(cmd\.exe|powershell\.exe|/bin/sh|/bin/bash)`},
				{Field: "parent_process", Op: "regex", Value: `(?i)(winword|excel|outlook|acrobat)`},
			}},
		},
		{
			ID:          "large-outbound-transfer",
			Name:        "Large outbound data transfer",
			Sources:     []models.Source{models.SourceNetwork},
			Tactic:      "exfiltration",
			TechniqueID: "T1048",
			Severity:    models.SeverityHigh,
			Confidence:  0.65,
			Match:       Expression{Field: "bytes_out", Op: "gte", Value: 100_000_000},
		},
		{
			ID:          "phishing-attachment",
			Name:        "Executable attachment from external sender",
			Sources:     []models.Source{models.SourceEmail},
			Tactic:      "initial-access",
			TechniqueID: "T1566",
			Severity:    models.SeverityMedium,
			Confidence:  0.6,
			Match: Expression{All: []Expression{
				{Field: "external_sender", Op: "eq", Value: true},
				{Field: "attachment_name", Op: "regex", Value: `(?i)\.(exe|js|vbs|scr|bat)$`},
			}},
		},
	}}
}

// LoadRuleSet reads a rule set from a YAML file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRuleSet(data)
}
