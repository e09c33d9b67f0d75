// Package policy loads the alert-policy and notification-channel
// documents. Loading is pure: parse, validate, return. Unknown fields
// are rejected at the document boundary.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/marcus-qen/preflightd/internal/faults"
	"github.com/marcus-qen/preflightd/internal/registry"
	"gopkg.in/yaml.v3"
)

// Severities.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Metric types evaluated over the rolling window.
const (
	MetricFailRate              = "fail_rate"
	MetricBlockedCount          = "blocked_count"
	MetricFailCount             = "fail_count"
	MetricUnifiedUsageRate      = "unified_usage_rate"
	MetricTopRuleFailCount      = "top_rule_fail_count"
	MetricSemanticRuleFailCount = "semantic_rule_fail_count"
)

var supportedMetrics = map[string]struct{}{
	MetricFailRate:              {},
	MetricBlockedCount:          {},
	MetricFailCount:             {},
	MetricUnifiedUsageRate:      {},
	MetricTopRuleFailCount:      {},
	MetricSemanticRuleFailCount: {},
}

var supportedOperators = map[string]struct{}{
	">": {}, ">=": {}, "<": {}, "<=": {}, "==": {}, "!=": {},
}

// AlertPolicy is one declarative alert rule.
type AlertPolicy struct {
	ID                 string  `yaml:"id" json:"id"`
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	Severity           string  `yaml:"severity" json:"severity"`
	SourceName         string  `yaml:"source_name,omitempty" json:"source_name,omitempty"`
	WindowDays         int     `yaml:"window_days" json:"window_days"`
	MetricType         string  `yaml:"metric_type" json:"metric_type"`
	Operator           string  `yaml:"operator" json:"operator"`
	Threshold          float64 `yaml:"threshold" json:"threshold"`
	PendingEvaluations int     `yaml:"pending_evaluations" json:"pending_evaluations"`
	RuleID             string  `yaml:"rule_id,omitempty" json:"rule_id,omitempty"`
	Description        string  `yaml:"description" json:"description"`
}

type policyDocument struct {
	Policies []AlertPolicy `yaml:"policies"`
}

// LoadPolicies reads and validates the alert-policy document.
func LoadPolicies(path string) ([]AlertPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses a policy document from raw bytes.
func ParsePolicies(data []byte) ([]AlertPolicy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc policyDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, faults.Payloadf("parse policy document: %v", err)
	}

	seen := make(map[string]struct{}, len(doc.Policies))
	for i := range doc.Policies {
		p := &doc.Policies[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, faults.Payloadf("duplicate policy id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return doc.Policies, nil
}

// Validate checks every recognised policy option.
func (p *AlertPolicy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return faults.Payloadf("policy id is required")
	}
	switch p.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return faults.Payloadf("policy %s: invalid severity %q", p.ID, p.Severity)
	}
	if p.SourceName != "" && p.SourceName != registry.SourceTrain && p.SourceName != registry.SourceStore {
		return faults.Payloadf("policy %s: invalid source_name %q", p.ID, p.SourceName)
	}
	if p.WindowDays < 1 || p.WindowDays > 3650 {
		return faults.Payloadf("policy %s: window_days must be in [1, 3650], got %d", p.ID, p.WindowDays)
	}
	if _, ok := supportedMetrics[p.MetricType]; !ok {
		return faults.Payloadf("policy %s: unsupported metric_type %q", p.ID, p.MetricType)
	}
	if _, ok := supportedOperators[p.Operator]; !ok {
		return faults.Payloadf("policy %s: unsupported operator %q", p.ID, p.Operator)
	}
	if p.PendingEvaluations < 1 {
		return faults.Payloadf("policy %s: pending_evaluations must be >= 1", p.ID)
	}
	if p.MetricType == MetricSemanticRuleFailCount && strings.TrimSpace(p.RuleID) == "" {
		return faults.Payloadf("policy %s: rule_id is required for %s", p.ID, MetricSemanticRuleFailCount)
	}
	return nil
}

// Compare applies the policy operator to a computed value.
func (p *AlertPolicy) Compare(value float64) bool {
	switch p.Operator {
	case ">":
		return value > p.Threshold
	case ">=":
		return value >= p.Threshold
	case "<":
		return value < p.Threshold
	case "<=":
		return value <= p.Threshold
	case "==":
		return value == p.Threshold
	case "!=":
		return value != p.Threshold
	default:
		return false
	}
}
