package rules

import (
	"reflect"
	"testing"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
)

func floatPtr(f float64) *float64 { return &f }

func pipelineVec(pressure, flow float64) features.Vector {
	return features.Normalize(domain.PipelineProfile(), map[string]any{
		"pressure": pressure,
		"flow":     flow,
	})
}

func TestEvaluateThresholdRules(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "r1", Name: "高压告警", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(0.8), Weight: 0.3, Severity: domain.SeverityHigh},
		{ID: "r2", Name: "低流量", Metric: "flow", Op: domain.OpLT, Threshold: floatPtr(50), Weight: 0.2, Severity: domain.SeverityMedium},
	}

	matched, contribution := engine.Evaluate(ruleList, pipelineVec(0.92, 120))
	if len(matched) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matched))
	}
	if matched[0].ID != "r1" {
		t.Errorf("expected r1 matched, got %s", matched[0].ID)
	}
	if contribution != 0.3 {
		t.Errorf("expected contribution 0.3, got %v", contribution)
	}

	want := "高压告警: pressure > 0.8（当前 0.92）"
	if matched[0].Reason != want {
		t.Errorf("reason mismatch:\n got %q\nwant %q", matched[0].Reason, want)
	}
}

func TestEvaluatePreservesOrder(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "b", Name: "规则B", Metric: "flow", Op: domain.OpGT, Threshold: floatPtr(10), Weight: 0.1},
		{ID: "a", Name: "规则A", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(0.1), Weight: 0.1},
		{ID: "c", Name: "规则C", Metric: "flow", Op: domain.OpGE, Threshold: floatPtr(120), Weight: 0.1},
	}

	matched, _ := engine.Evaluate(ruleList, pipelineVec(0.5, 120))
	got := make([]string, len(matched))
	for i, m := range matched {
		got[i] = m.ID
	}
	if !reflect.DeepEqual(got, []string{"b", "a", "c"}) {
		t.Errorf("input order not preserved: %v", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "r1", Name: "高压", Metric: "pressure", Op: domain.OpGE, Threshold: floatPtr(0.6), Weight: 0.25},
		{ID: "r2", Name: "高流量", Metric: "flow", Op: domain.OpGT, Threshold: floatPtr(100), Weight: 0.15},
	}
	vec := pipelineVec(0.7, 130)

	first, firstContribution := engine.Evaluate(ruleList, vec)
	for i := 0; i < 10; i++ {
		again, contribution := engine.Evaluate(ruleList, vec)
		if !reflect.DeepEqual(first, again) || contribution != firstContribution {
			t.Fatalf("evaluation not deterministic on run %d", i)
		}
	}
}

func TestEvaluateSkipsInvalidRules(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "bad-op", Name: "坏操作符", Metric: "pressure", Op: "~", Threshold: floatPtr(0.1), Weight: 0.5},
		{ID: "no-threshold", Name: "缺阈值", Metric: "pressure", Op: domain.OpGT, Weight: 0.5},
		{ID: "unknown-metric", Name: "未知指标", Metric: "vibration", Op: domain.OpGT, Threshold: floatPtr(0.1), Weight: 0.5},
		{ID: "bad-expr", Name: "坏表达式", Expression: "pressure >>", Weight: 0.5},
		{ID: "ok", Name: "正常", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(0.1), Weight: 0.2},
	}

	matched, contribution := engine.Evaluate(ruleList, pipelineVec(0.5, 100))
	if len(matched) != 1 || matched[0].ID != "ok" {
		t.Fatalf("expected only the valid rule to match, got %v", matched)
	}
	if contribution != 0.2 {
		t.Errorf("expected contribution 0.2, got %v", contribution)
	}
}

func TestEvaluateContributionClamped(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "r1", Name: "一", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(0), Weight: 0.7},
		{ID: "r2", Name: "二", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(0.1), Weight: 0.7},
	}

	_, contribution := engine.Evaluate(ruleList, pipelineVec(0.5, 0))
	if contribution != 1.0 {
		t.Errorf("expected contribution clamped to 1.0, got %v", contribution)
	}
}

func TestEvaluateExpressionRules(t *testing.T) {
	engine, err := NewEngine(domain.FloodProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ruleList := []domain.Rule{
		{ID: "combo", Name: "强降雨且泵站故障", Metric: "rain_now_mmph",
			Expression: "rain_now_mmph > 30.0 && pump_fault == 1.0", Weight: 0.4},
	}

	vec := features.Normalize(domain.FloodProfile(), map[string]any{
		"rain_now_mmph": 45.0,
		"pump_status":   "fault",
	})
	matched, contribution := engine.Evaluate(ruleList, vec)
	if len(matched) != 1 {
		t.Fatalf("expected expression rule to match, got %d", len(matched))
	}
	if contribution != 0.4 {
		t.Errorf("expected contribution 0.4, got %v", contribution)
	}
	if engine.ProgramsCount() != 1 {
		t.Errorf("expected 1 cached program, got %d", engine.ProgramsCount())
	}

	// Same rule, calmer weather: cached program, no match.
	vec = features.Normalize(domain.FloodProfile(), map[string]any{
		"rain_now_mmph": 5.0,
		"pump_status":   "ok",
	})
	matched, _ = engine.Evaluate(ruleList, vec)
	if len(matched) != 0 {
		t.Errorf("expected no match, got %v", matched)
	}
	if engine.ProgramsCount() != 1 {
		t.Errorf("expected program cache reuse, got %d entries", engine.ProgramsCount())
	}
}

func TestValidateRule(t *testing.T) {
	engine, err := NewEngine(domain.PipelineProfile())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if err := engine.ValidateRule(domain.Rule{ID: "ok", Metric: "pressure", Op: domain.OpGT, Threshold: floatPtr(1)}); err != nil {
		t.Errorf("valid threshold rule rejected: %v", err)
	}
	if err := engine.ValidateRule(domain.Rule{ID: "bad", Metric: "pressure", Op: "=", Threshold: floatPtr(1)}); err == nil {
		t.Error("expected error for unsupported operator")
	}
	if err := engine.ValidateRule(domain.Rule{ID: "expr", Expression: "pressure + 1.0"}); err == nil {
		t.Error("expected error for non-bool expression")
	}
	if engine.ProgramsCount() != 0 {
		t.Errorf("ValidateRule must not populate the cache, got %d", engine.ProgramsCount())
	}
}
