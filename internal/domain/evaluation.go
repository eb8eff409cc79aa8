package domain

import (
	"time"
)

// ReasoningMode identifies which scoring path a caller requested, and which
// one actually produced a result.
type ReasoningMode string

const (
	// ModeAuto picks the LLM path when credentials are configured, the rule
	// engine otherwise. Any LLM failure falls back silently.
	ModeAuto ReasoningMode = "auto"

	// ModeRuleEngine forces the deterministic rule-engine path.
	ModeRuleEngine ReasoningMode = "rule_engine"

	// ModeLLM requests the external reasoning path. Requesting it without
	// credentials is a configuration error; failures after a valid attempt
	// still fall back to the rule engine.
	ModeLLM ReasoningMode = "llm"
)

// ParseReasoningMode normalizes a request parameter, defaulting to auto.
func ParseReasoningMode(s string) ReasoningMode {
	switch ReasoningMode(s) {
	case ModeRuleEngine, ModeLLM:
		return ReasoningMode(s)
	default:
		return ModeAuto
	}
}

// EvaluationResult is the complete outcome of one risk evaluation.
// Immutable once returned.
type EvaluationResult struct {
	SegmentID   string `json:"segmentId"`
	SegmentName string `json:"segmentName"`

	Score      float64   `json:"riskScore"`
	State      RiskState `json:"-"`
	StateLabel string    `json:"riskState"`
	Confidence float64   `json:"confidence"`

	// Explain is the ranked factor list; never empty (contains the
	// no-signal sentinel when nothing matched). The last entry is always
	// the literal score annotation.
	Explain []string `json:"explain"`

	MatchedRules    []MatchedRule `json:"matchedRules"`
	DerivedAlarmIDs []string      `json:"derivedAlarmIds"`

	// Mode is the reasoning path that actually produced the result.
	Mode          ReasoningMode `json:"reasoningMode"`
	RequestedMode ReasoningMode `json:"requestedMode"`

	LatestValues map[string]float64 `json:"latestValues,omitempty"`
	AlarmCount   int                `json:"alarmCount"`
	ReadingCount int                `json:"readingCount"`
	SensorCount  int                `json:"sensorCount"`

	RiskEventID string    `json:"riskEventId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExplainText renders the factor list as one display string.
func (r *EvaluationResult) ExplainText() string {
	out := ""
	for i, e := range r.Explain {
		if i > 0 {
			out += "；"
		}
		out += e
	}
	return out
}

// RiskEvent is the persisted trace of an evaluation, consumed by the
// timeline/reporting endpoints.
type RiskEvent struct {
	ID          string        `json:"id"`
	SegmentID   string        `json:"segmentId"`
	SegmentName string        `json:"segmentName"`
	Score       float64       `json:"riskScore"`
	StateLabel  string        `json:"riskState"`
	Confidence  float64       `json:"confidence"`
	Explain     string        `json:"explain"`
	Mode        ReasoningMode `json:"reasoningMode"`

	// MatchedRules records which rules held for this evaluation, from the
	// engine or the validated reasoner output.
	MatchedRules []MatchedRule `json:"matchedRules,omitempty"`

	// Evidence references the alarm and reading ids the evaluation saw,
	// including the alarms it derived itself.
	Evidence RiskEvidence `json:"evidence"`

	CreatedAt time.Time `json:"createdAt"`
}

// RiskEvidence links a risk event to its input records.
type RiskEvidence struct {
	AlarmIDs   []string `json:"alarms,omitempty"`
	ReadingIDs []string `json:"readings,omitempty"`
}
