package domain

import (
	"time"
)

// Severity of an alarm, ordered low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity normalizes a free-form severity string, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// AlarmSource distinguishes raw ingested alarms from engine-derived ones.
// Derived alarms are excluded from rule-evaluation input so that risk scores
// cannot self-reinforce across evaluation cycles.
type AlarmSource string

const (
	// AlarmSourceRaw marks alarms ingested from devices or upstream systems.
	AlarmSourceRaw AlarmSource = "raw"

	// AlarmSourceDerived marks alarms created by the risk engine from a
	// matched rule. At most one derived alarm exists per (reading, rule).
	AlarmSourceDerived AlarmSource = "derived"
)

// Alarm is an alert record, either ingested (raw) or derived from a rule hit.
type Alarm struct {
	ID        string      `json:"id"`
	SegmentID string      `json:"segmentId"`
	SensorID  string      `json:"sensorId,omitempty"`
	ReadingID string      `json:"readingId,omitempty"`
	Type      string      `json:"type"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	Source    AlarmSource `json:"source"`

	// RuleID is set on derived alarms only and is part of the
	// (reading, rule) idempotency key.
	RuleID string `json:"ruleId,omitempty"`

	Raw       map[string]any `json:"raw,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Derived reports whether the alarm was created by the engine.
func (a *Alarm) Derived() bool {
	return a.Source == AlarmSourceDerived
}
