// Package reasoner calls an OpenAI-compatible chat completion service to
// produce a model-based risk assessment. Every failure mode is an error to
// the caller, who falls back to the rule engine.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-utility/kestrel/internal/domain"
)

// Assessment is the validated output of one reasoning call. The rule and
// alarm arrays echo rule ids from the candidate list; entries naming unknown
// rules are meaningless and callers must drop them.
type Assessment struct {
	Score           float64          `json:"risk_score"`
	StateLabel      string           `json:"risk_state"`
	Explain         []string         `json:"explain"`
	Confidence      float64          `json:"confidence"`
	Matched         []AssessedRule   `json:"matched_rules"`
	GeneratedAlarms []GeneratedAlarm `json:"generated_alarms"`
}

// AssessedRule is one rule the model claims held, keyed back to the
// candidate list by rule id.
type AssessedRule struct {
	RuleID       string  `json:"rule_id"`
	CurrentValue float64 `json:"current_value"`
	Reason       string  `json:"reason"`
}

// GeneratedAlarm is an alarm conclusion the model wants raised for a
// candidate rule.
type GeneratedAlarm struct {
	RuleID   string `json:"rule_id"`
	Type     string `json:"alarm_type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Request carries the evaluation context handed to the model. Alarms holds
// the recent raw alarm messages, newest first, already capped upstream;
// Rules is the candidate list the model may cite by id.
type Request struct {
	SegmentName string
	Profile     *domain.Profile
	Values      map[string]float64
	Rules       []domain.Rule
	Matched     []domain.MatchedRule
	Alarms      []string
	AlarmCount  int
	BaseScore   float64
}

// Reasoner produces a model-based assessment.
type Reasoner interface {
	Assess(ctx context.Context, req *Request) (*Assessment, error)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg  domain.ReasonerConfig
	http *http.Client
}

// NewClient creates a reasoning client. The config's APIKey must be set;
// callers gate on ReasonerConfig.Enabled before constructing one.
func NewClient(cfg domain.ReasonerConfig) *Client {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 20
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Assess sends the evaluation context to the model and validates its reply.
func (c *Client) Assess(ctx context.Context, req *Request) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSecs)*time.Second)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Profile)},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chat service returned %d: %s", resp.StatusCode, raw)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	return ParseAssessment(chat.Choices[0].Message.Content, req.Profile)
}

// ParseAssessment extracts and validates the model's JSON answer. The score
// is clamped to the profile range; an unknown state label is replaced by the
// label the clamped score maps to.
func ParseAssessment(content string, p *domain.Profile) (*Assessment, error) {
	raw, ok := ExtractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to parse model output: %w", err)
	}

	a.Score = p.Clamp(a.Score)
	if _, ok := p.ParseStateLabel(a.StateLabel); !ok {
		a.StateLabel = p.StateLabel(p.StateForScore(a.Score))
	}
	if a.Confidence < domain.ConfidenceMin || a.Confidence > domain.ConfidenceMax {
		a.Confidence = 0
	}
	return &a, nil
}

func systemPrompt(p *domain.Profile) string {
	return fmt.Sprintf(
		"你是基础设施风险评估专家。根据给出的监测数据、近期告警和候选规则评估风险，"+
			"只输出一个JSON对象，字段为 risk_score（0到%s之间的数值）、"+
			"risk_state（%s 之一）、explain（字符串数组）、confidence（0到1之间）、"+
			"matched_rules（数组，元素为 {rule_id, current_value, reason}）、"+
			"generated_alarms（数组，元素为 {rule_id, alarm_type, severity, message}）。"+
			"候选规则是唯一可用规则来源，可命中0~多条；如命中请把 rule_id 原样带回。",
		trimFloat(p.Max), strings.Join(p.StateLabels[:], "/"))
}

func userPrompt(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "对象: %s\n", req.SegmentName)
	fmt.Fprintf(&b, "近期告警数: %d\n", req.AlarmCount)
	fmt.Fprintf(&b, "初步评分: %.2f\n", req.BaseScore)
	b.WriteString("监测指标:\n")
	for _, m := range req.Profile.Metrics {
		fmt.Fprintf(&b, "  %s(%s)=%s\n", m.Display, m.Name, trimFloat(req.Values[m.Name]))
	}
	if len(req.Rules) > 0 {
		b.WriteString("候选规则:\n")
		for _, r := range req.Rules {
			if r.Expression != "" {
				fmt.Fprintf(&b, "  [%s] %s: %s (weight=%s, severity=%s)\n",
					r.ID, r.Name, r.Expression, trimFloat(r.Weight), r.Severity)
				continue
			}
			threshold := ""
			if r.Threshold != nil {
				threshold = trimFloat(*r.Threshold)
			}
			fmt.Fprintf(&b, "  [%s] %s: %s %s %s (weight=%s, severity=%s)\n",
				r.ID, r.Name, r.Metric, r.Op, threshold, trimFloat(r.Weight), r.Severity)
		}
	}
	if len(req.Matched) > 0 {
		b.WriteString("规则命中:\n")
		for _, m := range req.Matched {
			fmt.Fprintf(&b, "  %s\n", m.Reason)
		}
	}
	if len(req.Alarms) > 0 {
		b.WriteString("近期告警:\n")
		for _, a := range req.Alarms {
			fmt.Fprintf(&b, "  %s\n", a)
		}
	}
	return b.String()
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
