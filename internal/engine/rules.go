package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// Rule describes one detector type for reviewers and the verifier.
type Rule struct {
	Type          models.CandidateType `yaml:"type"`
	Title         string               `yaml:"title"`
	Description   string               `yaml:"description"`
	Severity      float64              `yaml:"severity"`
	NextQuestions []string             `yaml:"next_questions"`
	Preview       []string             `yaml:"preview"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RulePack indexes rules by detector type. File rules override the built-ins per type.
type RulePack struct {
	rules map[models.CandidateType]Rule
}

// NewRulePack loads rules from path on top of the built-in defaults. A missing
// file is not an error.
func NewRulePack(path string, logger *slog.Logger) (*RulePack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pack := DefaultRulePack()
	if path == "" {
		return pack, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("rule pack not found, using built-in rules", slog.String("path", path))
			return pack, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var file RuleConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	for _, rule := range file.Rules {
		if !rule.Type.Valid() {
			return nil, fmt.Errorf("rule pack: unknown detector type %q", rule.Type)
		}
		base := pack.rules[rule.Type]
		if rule.Title == "" {
			rule.Title = base.Title
		}
		if rule.Description == "" {
			rule.Description = base.Description
		}
		if rule.Severity <= 0 {
			rule.Severity = base.Severity
		}
		if len(rule.NextQuestions) == 0 {
			rule.NextQuestions = base.NextQuestions
		}
		if len(rule.Preview) == 0 {
			rule.Preview = base.Preview
		}
		pack.rules[rule.Type] = rule
	}
	return pack, nil
}

// DefaultRulePack returns the built-in rules.
func DefaultRulePack() *RulePack {
	rules := []Rule{
		{
			Type:        models.TypeDuplicatePayment,
			Title:       "Duplicate payment",
			Description: "An invoice receipt is linked to two or more payment executions. Each invoice is expected to be paid exactly once.",
			Severity:    0.9,
			NextQuestions: []string{
				"Was one of the payments reversed or refunded?",
				"Do the payments reference the same invoice amount?",
			},
			Preview: []string{"payment_count", "distinct_resource_count", "total_amount"},
		},
		{
			Type:        models.TypeLengthyApprovalPR,
			Title:       "Lengthy requisition approval",
			Description: "The time from creating a purchase requisition to its first approval exceeds the threshold for this run.",
			Severity:    0.5,
			NextQuestions: []string{
				"Was the approver unavailable or was the request delegated?",
				"Did the requisition wait on missing information?",
			},
			Preview: []string{"lead_time_hours", "threshold_hours", "percentile_rank"},
		},
		{
			Type:        models.TypeLengthyApprovalPO,
			Title:       "Lengthy order approval",
			Description: "The time from creating a purchase order to its approval exceeds the threshold for this run.",
			Severity:    0.5,
			NextQuestions: []string{
				"Was the order amended before approval?",
				"Is there a vendor or budget hold on this order?",
			},
			Preview: []string{"lead_time_hours", "threshold_hours", "percentile_rank"},
		},
		{
			Type:        models.TypeMaverickBuying,
			Title:       "Maverick buying",
			Description: "A purchase order was created before its purchase requisition was approved, or without any approved requisition.",
			Severity:    0.8,
			NextQuestions: []string{
				"Is there an approved requisition recorded outside this log?",
				"Was this an emergency purchase with an exception approval?",
			},
			Preview: []string{"maverick_reason", "has_pr", "approval_gap_hours"},
		},
	}
	pack := &RulePack{rules: make(map[models.CandidateType]Rule, len(rules))}
	for _, r := range rules {
		pack.rules[r.Type] = r
	}
	return pack
}

// Rule returns the rule for typ. Unknown types get a generic rule.
func (p *RulePack) Rule(typ models.CandidateType) Rule {
	if p != nil {
		if r, ok := p.rules[typ]; ok {
			return r
		}
	}
	return Rule{Type: typ, Title: string(typ), Description: "Deterministic detector rule " + string(typ) + ".", Severity: 0.5}
}

// Severity returns the rule severity for typ.
func (p *RulePack) Severity(typ models.CandidateType) float64 {
	return p.Rule(typ).Severity
}

// Preview projects the preview features of typ out of features.
func (p *RulePack) Preview(typ models.CandidateType, features map[string]any) map[string]any {
	keys := p.Rule(typ).Preview
	if len(keys) == 0 || len(features) == 0 {
		return nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := features[k]; ok {
			out[k] = v
		}
	}
	return out
}
