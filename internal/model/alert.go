package model

import (
	"fmt"
	"strings"
	"time"
)

// Comparator is the comparison an alert rule applies to an attribute value.
type Comparator string

const (
	ComparatorGT  Comparator = "gt"
	ComparatorLT  Comparator = "lt"
	ComparatorGTE Comparator = "gte"
	ComparatorLTE Comparator = "lte"
)

// ParseComparator accepts the canonical names and their symbolic forms.
func ParseComparator(s string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gt", ">":
		return ComparatorGT, nil
	case "lt", "<":
		return ComparatorLT, nil
	case "gte", ">=":
		return ComparatorGTE, nil
	case "lte", "<=":
		return ComparatorLTE, nil
	}
	return "", fmt.Errorf("model: unknown comparator %q", s)
}

// UnmarshalText lets rules files use either form, e.g. "gte" or ">=".
func (c *Comparator) UnmarshalText(b []byte) error {
	v, err := ParseComparator(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Holds reports whether value compared against threshold satisfies c.
func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case ComparatorGT:
		return value > threshold
	case ComparatorLT:
		return value < threshold
	case ComparatorGTE:
		return value >= threshold
	case ComparatorLTE:
		return value <= threshold
	}
	return false
}

// Severity of a fired alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule fires its callbacks when the metric attribute MetricKey satisfies
// Comparator against Threshold. Several rules may share a MetricKey.
type AlertRule struct {
	MetricKey  string     `json:"metric_key" yaml:"metric_key"`
	Comparator Comparator `json:"comparator" yaml:"comparator"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	CallbackID string     `json:"callback_id" yaml:"callback_id"`
	Severity   Severity   `json:"severity,omitempty" yaml:"severity,omitempty"`
	// Category restricts the rule to records of one category. Empty matches all.
	Category Category `json:"category,omitempty" yaml:"category,omitempty"`
}

// Validate checks that the rule can be evaluated.
func (r AlertRule) Validate() error {
	if r.MetricKey == "" {
		return fmt.Errorf("model: alert rule: metric_key is required")
	}
	if r.CallbackID == "" {
		return fmt.Errorf("model: alert rule %q: callback_id is required", r.MetricKey)
	}
	switch r.Comparator {
	case ComparatorGT, ComparatorLT, ComparatorGTE, ComparatorLTE:
	default:
		return fmt.Errorf("model: alert rule %q: invalid comparator %q", r.MetricKey, r.Comparator)
	}
	return nil
}

// Alert is one fired rule.
type Alert struct {
	Rule     AlertRule `json:"rule"`
	Subject  string    `json:"subject"`
	Value    float64   `json:"value"`
	Category Category  `json:"category"`
	FiredAt  time.Time `json:"fired_at"`
}

// Message renders a one-line human summary.
func (a Alert) Message() string {
	return fmt.Sprintf("%s %s=%.4g %s %.4g", a.Subject, a.Rule.MetricKey, a.Value, a.Rule.Comparator, a.Rule.Threshold)
}
