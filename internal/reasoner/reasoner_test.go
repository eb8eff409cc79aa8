package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-utility/kestrel/internal/domain"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Temperature != 0.1 {
			t.Errorf("expected temperature 0.1, got %v", req.Temperature)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(baseURL string) *Client {
	return NewClient(domain.ReasonerConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Model:       "gpt-4o-mini",
		Temperature: 0.1,
		TimeoutSecs: 5,
	})
}

func floodRequest() *Request {
	threshold := 30.0
	return &Request{
		SegmentName: "测试路段",
		Profile:     domain.FloodProfile(),
		Values:      map[string]float64{"rain_now_mmph": 40},
		Rules: []domain.Rule{{
			ID:        "rule-rain-01",
			Name:      "雨强超限",
			Metric:    "rain_now_mmph",
			Op:        domain.OpGT,
			Threshold: &threshold,
			Weight:    2.0,
			Severity:  domain.SeverityHigh,
		}},
		Alarms:     []string{"[high] 小时雨强超限", "[medium] 泵站通信中断"},
		AlarmCount: 2,
		BaseScore:  5.1,
	}
}

func TestAssess(t *testing.T) {
	srv := chatServer(t, `{"risk_score": 6.8, "risk_state": "橙", "explain": ["强降雨"], "confidence": 0.7}`)
	defer srv.Close()

	a, err := testClient(srv.URL).Assess(context.Background(), floodRequest())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Score != 6.8 || a.StateLabel != "橙" || a.Confidence != 0.7 {
		t.Errorf("unexpected assessment %+v", a)
	}
}

func TestAssessParsesRuleConclusions(t *testing.T) {
	srv := chatServer(t, `{
		"risk_score": 7.2, "risk_state": "红", "explain": ["强降雨叠加泵站故障"], "confidence": 0.8,
		"matched_rules": [{"rule_id": "rule-rain-01", "current_value": 40, "reason": "雨强 40 超过阈值 30"}],
		"generated_alarms": [{"rule_id": "rule-rain-01", "alarm_type": "rule_hit", "severity": "high", "message": "雨强超限"}]
	}`)
	defer srv.Close()

	a, err := testClient(srv.URL).Assess(context.Background(), floodRequest())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if len(a.Matched) != 1 || a.Matched[0].RuleID != "rule-rain-01" || a.Matched[0].CurrentValue != 40 {
		t.Errorf("unexpected matched_rules %+v", a.Matched)
	}
	if len(a.GeneratedAlarms) != 1 || a.GeneratedAlarms[0].Message != "雨强超限" {
		t.Errorf("unexpected generated_alarms %+v", a.GeneratedAlarms)
	}
}

func TestUserPromptCarriesContext(t *testing.T) {
	prompt := userPrompt(floodRequest())

	for _, want := range []string{
		"对象: 测试路段",
		"候选规则:",
		"[rule-rain-01] 雨强超限: rain_now_mmph > 30",
		"近期告警:",
		"[high] 小时雨强超限",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAssessFencedOutput(t *testing.T) {
	srv := chatServer(t, "分析如下：\n```json\n{\"risk_score\": 2.0, \"risk_state\": \"蓝\", \"explain\": []}\n```\n")
	defer srv.Close()

	a, err := testClient(srv.URL).Assess(context.Background(), floodRequest())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Score != 2.0 || a.StateLabel != "蓝" {
		t.Errorf("unexpected assessment %+v", a)
	}
}

func TestAssessClampsAndRecomputesState(t *testing.T) {
	srv := chatServer(t, `{"risk_score": 42.0, "risk_state": "purple"}`)
	defer srv.Close()

	a, err := testClient(srv.URL).Assess(context.Background(), floodRequest())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.Score != 10.0 {
		t.Errorf("expected score clamped to 10, got %v", a.Score)
	}
	// 10 >= 7.0 threshold: recomputed label is 红.
	if a.StateLabel != "红" {
		t.Errorf("expected recomputed state 红, got %q", a.StateLabel)
	}
}

func TestAssessErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices": []}`))
		}},
		{"no json in content", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{"content": "抱歉，我无法评估。"}},
				},
			})
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json at all"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			if _, err := testClient(srv.URL).Assess(context.Background(), floodRequest()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAssessContextCancelled(t *testing.T) {
	srv := chatServer(t, `{}`)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testClient(srv.URL).Assess(ctx, floodRequest()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a": 1}`, `{"a": 1}`, true},
		{"前言 {\"a\": {\"b\": 2}} 后记", `{"a": {"b": 2}}`, true},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{`{"s": "brace } inside"}`, `{"s": "brace } inside"}`, true},
		{`{"s": "escaped \" quote }"}`, `{"s": "escaped \" quote }"}`, true},
		{"no object here", "", false},
		{`{"unclosed": 1`, "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractJSON(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseAssessmentConfidenceBounds(t *testing.T) {
	p := domain.FloodProfile()

	a, err := ParseAssessment(`{"risk_score": 4.0, "risk_state": "黄", "confidence": 3.0}`, p)
	if err != nil {
		t.Fatalf("ParseAssessment: %v", err)
	}
	if a.Confidence != 0 {
		t.Errorf("out-of-range confidence should reset to 0, got %v", a.Confidence)
	}
}
