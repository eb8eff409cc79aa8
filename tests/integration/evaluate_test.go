//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel risk engine.
//
// These tests verify the COMPLETE evaluation pipeline:
//
//	Reading → Features → Rules → Score → Risk Event → Task
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The tests talk to a running server (KESTREL_TEST_URL, default
// http://localhost:8080) configured with the pipeline profile, and seed
// their own segments, readings, alarms and ontology rules through the API.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// EvaluateRequest is the body sent to POST /risk/evaluate
type EvaluateRequest struct {
	SegmentID string `json:"segmentId"`
	Mode      string `json:"mode,omitempty"`
}

// EvaluateResponse is what POST /risk/evaluate returns
type EvaluateResponse struct {
	SegmentID       string   `json:"segmentId"`
	SegmentName     string   `json:"segmentName"`
	Score           float64  `json:"riskScore"`
	StateLabel      string   `json:"riskState"`
	Confidence      float64  `json:"confidence"`
	Explain         []string `json:"explain"`
	DerivedAlarmIDs []string `json:"derivedAlarmIds"`
	Mode            string   `json:"reasoningMode"`
	RiskEventID     string   `json:"riskEventId"`
	TaskID          string   `json:"taskId"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func post(t *testing.T, config TestConfig, path string, payload any, out any) int {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
	return resp.StatusCode
}

func mustPost(t *testing.T, config TestConfig, path string, payload any, out any) {
	t.Helper()
	if code := post(t, config, path, payload, out); code >= 300 {
		t.Fatalf("POST %s returned %d", path, code)
	}
}

// seedSegment creates a segment with the given latest reading values and a
// single global pressure rule, all through the public API.
func seedSegment(t *testing.T, config TestConfig, id, name string, values map[string]float64) {
	t.Helper()

	mustPost(t, config, "/segments", map[string]any{
		"id":            id,
		"name":          name,
		"ontologyClass": "管段",
	}, nil)

	mustPost(t, config, "/segments/"+id+"/readings", map[string]any{
		"values": values,
	}, nil)

	mustPost(t, config, "/ontology/entities", map[string]any{
		"id":    "int-rule-pressure",
		"label": "Rule",
		"name":  "压力超限",
		"props": map[string]any{
			"metric":    "pressure",
			"op":        ">",
			"threshold": 0.8,
			"weight":    0.5,
			"severity":  "high",
		},
	}, nil)
}

// ============================================================================
// SCENARIO 1: Quiet segment stays normal
// ============================================================================

func TestNormalSegment_NoSignal(t *testing.T) {
	/*
	   SCENARIO: A segment with in-range pressure and flow, no alarms.

	   EXPECTED BEHAVIOR:
	   - No rule matches (pressure 0.5 is not > 0.8)
	   - No alarms, so the heuristic base is 0
	   - Score 0 → state 正常, no derived alarms, no task
	*/
	config := getTestConfig()
	id := fmt.Sprintf("int-normal-%d", time.Now().UnixNano())
	seedSegment(t, config, id, "集成测试-正常管段", map[string]float64{
		"pressure": 0.5,
		"flow":     0.5,
	})

	var result EvaluateResponse
	mustPost(t, config, "/risk/evaluate", EvaluateRequest{SegmentID: id}, &result)

	if result.Score != 0 {
		t.Errorf("Expected score 0, got %.2f", result.Score)
	}
	if result.StateLabel != "正常" {
		t.Errorf("Expected state 正常, got %s", result.StateLabel)
	}
	if len(result.DerivedAlarmIDs) != 0 {
		t.Errorf("Expected no derived alarms, got %v", result.DerivedAlarmIDs)
	}
	if result.TaskID != "" {
		t.Errorf("Expected no task for a normal segment, got %s", result.TaskID)
	}

	t.Logf("✓ Normal segment: state=%s, score=%.2f", result.StateLabel, result.Score)
}

// ============================================================================
// SCENARIO 2: Overpressure plus an alarm escalates
// ============================================================================

func TestOverpressureSegment_Escalates(t *testing.T) {
	/*
	   SCENARIO: Pressure 0.9 trips the > 0.8 rule (weight 0.5) and a raw
	   high alarm adds 0.25 heuristic base.

	   EXPECTED BEHAVIOR:
	   - Score 0.75 → state 异常
	   - One derived alarm keyed to (reading, rule)
	   - A follow-up task opens automatically
	   - Re-evaluating changes nothing (idempotent derivation)
	*/
	config := getTestConfig()
	id := fmt.Sprintf("int-over-%d", time.Now().UnixNano())
	seedSegment(t, config, id, "集成测试-超压管段", map[string]float64{
		"pressure": 0.9,
		"flow":     0.4,
	})
	mustPost(t, config, "/segments/"+id+"/alarms", map[string]any{
		"type":     "device",
		"severity": "high",
		"message":  "压力传感器越限",
	}, nil)

	var first EvaluateResponse
	mustPost(t, config, "/risk/evaluate", EvaluateRequest{SegmentID: id}, &first)

	if first.Score != 0.75 {
		t.Errorf("Expected score 0.75, got %.2f", first.Score)
	}
	if first.StateLabel != "异常" {
		t.Errorf("Expected state 异常, got %s", first.StateLabel)
	}
	if len(first.DerivedAlarmIDs) != 1 {
		t.Fatalf("Expected 1 derived alarm, got %v", first.DerivedAlarmIDs)
	}
	if first.TaskID == "" {
		t.Error("Expected a follow-up task")
	}
	if first.RiskEventID == "" {
		t.Error("Expected a persisted risk event")
	}

	var second EvaluateResponse
	mustPost(t, config, "/risk/evaluate", EvaluateRequest{SegmentID: id}, &second)

	if second.Score != first.Score {
		t.Errorf("Score drifted across evaluations: %.2f -> %.2f", first.Score, second.Score)
	}
	if len(second.DerivedAlarmIDs) != 1 || second.DerivedAlarmIDs[0] != first.DerivedAlarmIDs[0] {
		t.Errorf("Expected reused derived alarm %v, got %v", first.DerivedAlarmIDs, second.DerivedAlarmIDs)
	}

	t.Logf("✓ Overpressure segment: state=%s, score=%.2f, task=%s",
		first.StateLabel, first.Score, first.TaskID)
}

// ============================================================================
// SCENARIO 3: Threshold Boundary Testing (exactly 0.8)
// ============================================================================

func TestExactThreshold_NoMatch(t *testing.T) {
	/*
	   SCENARIO: Pressure of exactly 0.8 against the "> 0.8" rule.

	   EXPECTED BEHAVIOR:
	   - 0.8 is NOT > 0.8, so the rule does not match
	   - With no alarms the score stays 0

	   WHY THIS TEST:
	   Boundary conditions catch off-by-one errors in threshold logic.
	*/
	config := getTestConfig()
	id := fmt.Sprintf("int-boundary-%d", time.Now().UnixNano())
	seedSegment(t, config, id, "集成测试-临界管段", map[string]float64{
		"pressure": 0.8,
		"flow":     0.5,
	})

	var result EvaluateResponse
	mustPost(t, config, "/risk/evaluate", EvaluateRequest{SegmentID: id}, &result)

	if result.Score != 0 {
		t.Errorf("Expected score 0 at the boundary, got %.2f", result.Score)
	}
	if len(result.DerivedAlarmIDs) != 0 {
		t.Errorf("Expected no derived alarms at the boundary, got %v", result.DerivedAlarmIDs)
	}

	t.Logf("✓ Boundary value did not match: score=%.2f", result.Score)
}
