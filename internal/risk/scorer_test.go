package risk

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
)

func rawAlarm(sev domain.Severity) *domain.Alarm {
	return &domain.Alarm{Severity: sev, Source: domain.AlarmSourceRaw}
}

func TestAlarmBase(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())

	cases := []struct {
		name   string
		alarms []*domain.Alarm
		want   float64
	}{
		{"empty", nil, 0},
		{"one high", []*domain.Alarm{rawAlarm(domain.SeverityHigh)}, 0.25},
		{"mixed", []*domain.Alarm{
			rawAlarm(domain.SeverityHigh),
			rawAlarm(domain.SeverityMedium),
			rawAlarm(domain.SeverityLow),
		}, 0.48},
		{"capped", []*domain.Alarm{
			rawAlarm(domain.SeverityHigh), rawAlarm(domain.SeverityHigh),
			rawAlarm(domain.SeverityHigh), rawAlarm(domain.SeverityHigh),
		}, 0.8},
	}
	for _, tc := range cases {
		if got := s.AlarmBase(tc.alarms); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestAlarmBaseWindowLimit(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())

	// 20 low alarms, only the newest 10 count: 10*0.08 = 0.8 (at cap).
	alarms := make([]*domain.Alarm, 20)
	for i := range alarms {
		alarms[i] = rawAlarm(domain.SeverityLow)
	}
	if got := s.AlarmBase(alarms); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("expected window-limited base 0.8, got %v", got)
	}
}

func TestAlarmBaseIgnoresDerived(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())

	alarms := []*domain.Alarm{
		{Severity: domain.SeverityHigh, Source: domain.AlarmSourceDerived},
		rawAlarm(domain.SeverityLow),
	}
	if got := s.AlarmBase(alarms); math.Abs(got-0.08) > 1e-9 {
		t.Errorf("derived alarm contributed to base: got %v", got)
	}
}

func TestAlarmBaseScalesToProfile(t *testing.T) {
	s := NewScorer(domain.FloodProfile())
	got := s.AlarmBase([]*domain.Alarm{rawAlarm(domain.SeverityHigh)})
	if math.Abs(got-2.5) > 1e-9 {
		t.Errorf("expected 0.25*10=2.5 in flood units, got %v", got)
	}
}

func TestScoreClamped(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())

	if got := s.Score(0.8, 0.9); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %v", got)
	}
	if got := s.Score(math.NaN(), 0); got != 0 {
		t.Errorf("expected NaN to clamp to 0, got %v", got)
	}
	if got := s.Score(0.3, 0.2); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("expected 0.5, got %v", got)
	}
}

func TestStateThresholds(t *testing.T) {
	p := domain.PipelineProfile()

	cases := []struct {
		score float64
		want  domain.RiskState
	}{
		{0.0, domain.StateNormal},
		{0.349, domain.StateNormal},
		{0.35, domain.StateFluctuating},
		{0.6, domain.StateAbnormal},
		{0.85, domain.StateHigh},
		{1.0, domain.StateHigh},
	}
	for _, tc := range cases {
		if got := p.StateForScore(tc.score); got != tc.want {
			t.Errorf("score %v: expected state %v, got %v", tc.score, tc.want, got)
		}
	}
	if p.StateLabel(domain.StateAbnormal) != "异常" {
		t.Errorf("unexpected label %q", p.StateLabel(domain.StateAbnormal))
	}
}

func TestLinearScorer(t *testing.T) {
	p := domain.FloodProfile()
	s := NewScorer(p)

	vec := features.Normalize(p, map[string]any{
		"rain_now_mmph":     40.0,
		"rain_1h_mm":        25.0,
		"water_level_m":     0.3,
		"elevation_m":       2.0,
		"drainage_capacity": 0.8,
		"pump_status":       "fault",
		"traffic_index":     0.5,
	})
	// 0.75 + 0.03*40 + 0.02*25 + 0.25*0.3 - 0.15*2.0 - 0.20*0.8 + 1.0*1 + 0.6*0.5
	want := 0.75 + 1.2 + 0.5 + 0.075 - 0.3 - 0.16 + 1.0 + 0.3
	if got := s.Linear(vec); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLinearScorerClamped(t *testing.T) {
	p := domain.FloodProfile()
	s := NewScorer(p)

	vec := features.Normalize(p, map[string]any{
		"rain_now_mmph": 1000.0,
		"water_level_m": 50.0,
	})
	if got := s.Linear(vec); got != 10.0 {
		t.Errorf("expected clamp to 10, got %v", got)
	}
}

func TestConfidence(t *testing.T) {
	p := domain.FloodProfile()
	s := NewScorer(p)

	if got := s.Confidence(nil); got != 0.8 {
		t.Errorf("expected base 0.8, got %v", got)
	}
	if got := s.Confidence([]string{"rain_now_mmph"}); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("expected 0.6 after rain penalty, got %v", got)
	}
	if got := s.Confidence([]string{"rain_now_mmph", "pump_status"}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("expected 0.5 after both penalties, got %v", got)
	}
	// Non-penalized metrics never reduce confidence.
	if got := s.Confidence([]string{"traffic_index", "rain_1h_mm"}); got != 0.8 {
		t.Errorf("expected unchanged 0.8, got %v", got)
	}
}

func TestConfidenceBounds(t *testing.T) {
	p := domain.PipelineProfile()
	p.ConfidenceBase = 0.2
	s := NewScorer(p)

	got := s.Confidence([]string{"pressure", "flow"})
	if got != domain.ConfidenceMin {
		t.Errorf("expected floor %v, got %v", domain.ConfidenceMin, got)
	}

	p.ConfidenceBase = 1.5
	if got := NewScorer(p).Confidence(nil); got != domain.ConfidenceMax {
		t.Errorf("expected ceiling %v, got %v", domain.ConfidenceMax, got)
	}
}

func TestExplainRuleFactors(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())
	vec := features.Normalize(s.Profile(), map[string]any{"pressure": 0.9, "flow": 100.0})

	matched := []domain.MatchedRule{
		{Rule: domain.Rule{ID: "r1"}, Reason: "高压: pressure > 0.8（当前 0.9）"},
		{Rule: domain.Rule{ID: "r2"}, Reason: "高流量: flow > 90（当前 100）"},
	}
	explain := s.Explain(matched, vec, 2, 0.72)

	if len(explain) != 3 {
		t.Fatalf("expected 2 factors + score annotation, got %v", explain)
	}
	if explain[0] != matched[0].Reason || explain[1] != matched[1].Reason {
		t.Errorf("rule reasons not preserved in order: %v", explain)
	}
	if explain[len(explain)-1] != "风险分=0.72" {
		t.Errorf("missing score annotation: %v", explain)
	}
}

func TestExplainSentinels(t *testing.T) {
	s := NewScorer(domain.PipelineProfile())
	vec := features.Normalize(s.Profile(), map[string]any{})

	explain := s.Explain(nil, vec, 0, 0)
	if explain[0] != ExplainNoSignal {
		t.Errorf("expected no-signal sentinel, got %v", explain)
	}

	explain = s.Explain(nil, vec, 3, 0.4)
	if explain[0] != ExplainAlarmOnly {
		t.Errorf("expected alarm-only sentinel, got %v", explain)
	}
	if explain[len(explain)-1] != "风险分=0.40" {
		t.Errorf("score annotation always last: %v", explain)
	}
}

func TestExplainLinearRanking(t *testing.T) {
	p := domain.FloodProfile()
	s := NewScorer(p)

	vec := features.Normalize(p, map[string]any{
		"rain_now_mmph":     40.0, // |0.03*40|  = 1.2
		"rain_1h_mm":        25.0, // |0.02*25|  = 0.5
		"water_level_m":     0.3,  // |0.25*0.3| = 0.075
		"elevation_m":       2.0,  // |0.15*2|   = 0.3
		"drainage_capacity": 0.8,  // |0.20*0.8| = 0.16
		"pump_status":       "fault", // |1.0*1| = 1.0
		"traffic_index":     0.5,  // |0.6*0.5|  = 0.3
	})
	explain := s.Explain(nil, vec, 0, 6.37)

	want := []string{"雨强", "泵站故障", "累计雨量", "低洼度"}
	if len(explain) != len(want)+1 {
		t.Fatalf("expected top-4 + score, got %v", explain)
	}
	for i, w := range want {
		if explain[i] != w {
			t.Errorf("rank %d: expected %q, got %q (full: %v)", i, w, explain[i], explain)
		}
	}
}

func TestExplainLinearTieBreakStable(t *testing.T) {
	p := domain.FloodProfile()
	s := NewScorer(p)

	// elevation (|0.15*2|=0.3) and traffic (|0.6*0.5|=0.3) tie: declaration
	// order puts elevation first.
	vec := features.Normalize(p, map[string]any{
		"elevation_m":       2.0,
		"drainage_capacity": 0.0,
		"traffic_index":     0.5,
	})
	explain := s.Explain(nil, vec, 0, 1.0)
	if explain[0] != "低洼度" || explain[1] != "道路拥堵" {
		t.Errorf("tie-break not stable: %v", explain)
	}
}

func TestResultExplainText(t *testing.T) {
	r := domain.EvaluationResult{Explain: []string{"雨强", "泵站故障", "风险分=6.37"}}
	got := r.ExplainText()
	if !strings.Contains(got, "；") || got != "雨强；泵站故障；风险分=6.37" {
		t.Errorf("unexpected joined explain %q", got)
	}
}

func TestScoreAnnotationFormat(t *testing.T) {
	s := NewScorer(domain.FloodProfile())
	vec := features.Normalize(s.Profile(), map[string]any{})
	for _, score := range []float64{0, 3.456, 10} {
		explain := s.Explain(nil, vec, 0, score)
		want := fmt.Sprintf("风险分=%.2f", score)
		if explain[len(explain)-1] != want {
			t.Errorf("score %v: expected %q, got %q", score, want, explain[len(explain)-1])
		}
	}
}
