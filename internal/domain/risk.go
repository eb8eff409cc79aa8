package domain

import "math"

// RiskState is the discrete four-level risk classification, totally ordered
// from StateNormal to StateHigh. Display labels vary by profile; the order
// and the score-threshold mapping do not.
type RiskState int

const (
	StateNormal RiskState = iota
	StateFluctuating
	StateAbnormal
	StateHigh
)

// Metric describes one entry of a profile's fixed feature vector.
type Metric struct {
	// Name is the vector slot name, e.g. "pressure" or "pump_fault".
	Name string

	// Source is the feature key read from input; defaults to Name.
	// pump_fault reads the "pump_status" status string.
	Source string

	// Display is the human-readable label used in explain factors.
	Display string

	// Default is substituted when the source key is absent or malformed.
	Default float64

	// MissingPenalty is subtracted from confidence when the source key is
	// absent. Zero for non-critical metrics.
	MissingPenalty float64

	// FromStatus marks a boolean metric derived from a status string:
	// "fault"/"down"/"offline" (case-insensitive) map to 1, anything else 0.
	FromStatus bool
}

// SourceKey returns the feature key this metric reads from.
func (m Metric) SourceKey() string {
	if m.Source != "" {
		return m.Source
	}
	return m.Name
}

// Profile bundles the scoring constants of one deployment domain. The two
// built-in profiles keep their own constants end to end; they are never mixed.
type Profile struct {
	Name string

	// Max is the score range upper bound: 1 for pipeline, 10 for flood.
	// Scores are clamped to [0, Max] after every combination step.
	Max float64

	// Thresholds are the lower score bounds of StateFluctuating,
	// StateAbnormal and StateHigh, in score units.
	Thresholds [3]float64

	// StateLabels maps RiskState to its display label, ordered
	// Normal..High.
	StateLabels [4]string

	// Metrics is the fixed, ordered feature vocabulary. Declaration order
	// is the explain tie-break order.
	Metrics []Metric

	// ExplainTopN is the number of factors reported before the trailing
	// score annotation.
	ExplainTopN int

	// ConfidenceBase is the starting confidence before missing-field
	// penalties.
	ConfidenceBase float64

	// LinearIntercept/LinearWeights, when weights are non-nil, enable the
	// hand-tuned linear scorer (flood profile). Weights align with Metrics.
	LinearIntercept float64
	LinearWeights   []float64
}

// Alarm-severity base heuristic, in normalized [0,1] units; scaled by
// Profile.Max at scoring time.
const (
	AlarmBaseHigh   = 0.25
	AlarmBaseMedium = 0.15
	AlarmBaseLow    = 0.08
	AlarmBaseCap    = 0.8
	AlarmBaseRecent = 10
)

// Confidence bounds shared by all profiles.
const (
	ConfidenceMin = 0.1
	ConfidenceMax = 0.95
)

// Clamp forces score into the profile range. NaN clamps to zero.
func (p *Profile) Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Min(p.Max, math.Max(0, score))
}

// StateForScore maps a score to its risk state via the threshold table.
// The mapping is pure and monotonic in the score.
func (p *Profile) StateForScore(score float64) RiskState {
	switch {
	case score >= p.Thresholds[2]:
		return StateHigh
	case score >= p.Thresholds[1]:
		return StateAbnormal
	case score >= p.Thresholds[0]:
		return StateFluctuating
	default:
		return StateNormal
	}
}

// StateLabel returns the profile's display label for a state.
func (p *Profile) StateLabel(s RiskState) string {
	if s < StateNormal || s > StateHigh {
		return p.StateLabels[0]
	}
	return p.StateLabels[s]
}

// ParseStateLabel maps a display label back to its state. Used to validate
// external reasoning output; unknown labels report ok=false and the caller
// recomputes the state from the score.
func (p *Profile) ParseStateLabel(label string) (RiskState, bool) {
	for i, l := range p.StateLabels {
		if l == label {
			return RiskState(i), true
		}
	}
	return StateNormal, false
}

// MetricByName looks up a metric in the profile vocabulary.
func (p *Profile) MetricByName(name string) (Metric, bool) {
	for _, m := range p.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// PipelineProfile is the canonical profile: pressure/flow metrics scored in
// [0, 1] with the alarm-base heuristic plus threshold rules.
func PipelineProfile() *Profile {
	return &Profile{
		Name:        "pipeline",
		Max:         1.0,
		Thresholds:  [3]float64{0.35, 0.6, 0.85},
		StateLabels: [4]string{"正常", "波动", "异常", "高风险"},
		Metrics: []Metric{
			{Name: "pressure", Display: "压力", MissingPenalty: 0.15},
			{Name: "flow", Display: "流量", MissingPenalty: 0.15},
		},
		ExplainTopN:    3,
		ConfidenceBase: 0.85,
	}
}

// FloodProfile scores urban road segments in [0, 10] with a fixed linear
// coefficient model over rain/water/terrain features.
func FloodProfile() *Profile {
	return &Profile{
		Name:        "flood",
		Max:         10.0,
		Thresholds:  [3]float64{3.5, 5.0, 7.0},
		StateLabels: [4]string{"蓝", "黄", "橙", "红"},
		Metrics: []Metric{
			{Name: "rain_now_mmph", Display: "雨强", MissingPenalty: 0.2},
			{Name: "rain_1h_mm", Display: "累计雨量"},
			{Name: "water_level_m", Display: "水位"},
			{Name: "elevation_m", Display: "低洼度", Default: 3.0},
			{Name: "drainage_capacity", Display: "排水能力不足", Default: 1.0},
			{Name: "pump_fault", Source: "pump_status", Display: "泵站故障", MissingPenalty: 0.1, FromStatus: true},
			{Name: "traffic_index", Display: "道路拥堵"},
		},
		ExplainTopN:     4,
		ConfidenceBase:  0.8,
		LinearIntercept: 0.75,
		LinearWeights:   []float64{0.03, 0.02, 0.25, -0.15, -0.20, 1.0, 0.6},
	}
}

// ProfileByName returns a built-in profile, defaulting to pipeline.
func ProfileByName(name string) *Profile {
	if name == "flood" {
		return FloodProfile()
	}
	return PipelineProfile()
}
