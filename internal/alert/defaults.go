package alert

import (
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Callback ids of the built-in rules.
const (
	MemoryHigh       = "memory_high"
	ResponseTimeHigh = "response_time_high"
	ErrorRateHigh    = "error_rate_high"
	AvailabilityLow  = "availability_low"
)

// Attribute keys on the aggregate records the monitor evaluates each poll.
const (
	AttrAvgResponseTime = "avg_response_time"
	AttrErrorRate       = "error_rate"
	AttrAvailability    = "availability"
)

// Thresholds are the named limits behind the built-in rules.
type Thresholds struct {
	ResponseTime time.Duration
	// Memory is a fraction of total memory, 0.8 meaning 80%.
	Memory       float64
	ErrorRate    float64
	Availability float64
}

// DefaultRules derives the built-in rule set from thresholds. Zero
// thresholds produce no rule.
func DefaultRules(th Thresholds) []model.AlertRule {
	var rules []model.AlertRule
	if th.Memory > 0 {
		rules = append(rules, model.AlertRule{
			MetricKey: model.AttrMemoryPercent, Comparator: model.ComparatorGT, Threshold: th.Memory * 100,
			CallbackID: MemoryHigh, Severity: model.SeverityWarning, Category: model.CategorySystem,
		})
	}
	if th.ResponseTime > 0 {
		secs := th.ResponseTime.Seconds()
		rules = append(rules,
			model.AlertRule{
				MetricKey: AttrAvgResponseTime, Comparator: model.ComparatorGT, Threshold: secs,
				CallbackID: ResponseTimeHigh, Severity: model.SeverityWarning, Category: model.CategorySystem,
			},
			model.AlertRule{
				MetricKey: model.AttrDurationSeconds, Comparator: model.ComparatorGT, Threshold: secs,
				CallbackID: ResponseTimeHigh, Severity: model.SeverityWarning, Category: model.CategoryLLM,
			},
		)
	}
	if th.ErrorRate > 0 {
		rules = append(rules, model.AlertRule{
			MetricKey: AttrErrorRate, Comparator: model.ComparatorGT, Threshold: th.ErrorRate,
			CallbackID: ErrorRateHigh, Severity: model.SeverityCritical, Category: model.CategorySystem,
		})
	}
	if th.Availability > 0 {
		rules = append(rules, model.AlertRule{
			MetricKey: AttrAvailability, Comparator: model.ComparatorLT, Threshold: th.Availability,
			CallbackID: AvailabilityLow, Severity: model.SeverityWarning, Category: model.CategorySystem,
		})
	}
	return rules
}
