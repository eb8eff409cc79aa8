// Package evaluator orchestrates the risk evaluation pipeline: load segment
// state, run rules, score, optionally consult the external reasoner, derive
// alarms and persist the trace.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
	"github.com/opensource-utility/kestrel/internal/reasoner"
	"github.com/opensource-utility/kestrel/internal/repository"
	"github.com/opensource-utility/kestrel/internal/risk"
	"github.com/opensource-utility/kestrel/internal/rules"
	"github.com/opensource-utility/kestrel/internal/tasks"
)

// ErrLLMDisabled is returned when a caller explicitly requests the llm mode
// but no reasoning credentials are configured. Auto mode never returns it.
var ErrLLMDisabled = errors.New("llm reasoning is not configured")

// snapshotTTL bounds how long ranking reads may trust a cached segment state.
const snapshotTTL = 2 * time.Minute

// Evaluator runs risk evaluations for one profile.
type Evaluator struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	scorer     *risk.Scorer
	ruleSource domain.RuleSource
	reasoner   reasoner.Reasoner
	tasks      *tasks.Service
	profile    *domain.Profile
	logger     *slog.Logger
}

// Options bundles the evaluator's collaborators. Reasoner and Tasks may be
// nil; Cache and Bus may be nil in tests.
type Options struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Engine     *rules.Engine
	RuleSource domain.RuleSource
	Reasoner   reasoner.Reasoner
	Tasks      *tasks.Service
	Profile    *domain.Profile
	Logger     *slog.Logger
}

// New creates an evaluator.
func New(opts Options) *Evaluator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		repo:       opts.Repository,
		cache:      opts.Cache,
		bus:        opts.Bus,
		engine:     opts.Engine,
		scorer:     risk.NewScorer(opts.Profile),
		ruleSource: opts.RuleSource,
		reasoner:   opts.Reasoner,
		tasks:      opts.Tasks,
		profile:    opts.Profile,
		logger:     logger,
	}
}

// Profile returns the evaluator's profile.
func (e *Evaluator) Profile() *domain.Profile {
	return e.profile
}

// LLMEnabled reports whether the external reasoner is wired in.
func (e *Evaluator) LLMEnabled() bool {
	return e.reasoner != nil
}

// Evaluate runs the full pipeline for one segment and persists the outcome.
// Storage errors surface to the caller; reasoner errors never do — the rule
// engine result stands in and the response marks the mode that answered.
func (e *Evaluator) Evaluate(ctx context.Context, segmentID string, mode domain.ReasoningMode) (*domain.EvaluationResult, error) {
	if mode == "" {
		mode = domain.ModeAuto
	}
	if mode == domain.ModeLLM && e.reasoner == nil {
		return nil, ErrLLMDisabled
	}

	state, err := e.loadState(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	result, derive := e.assess(ctx, state, mode)
	result.RequestedMode = mode

	// On the rule-engine path the derivation list is the engine's matches;
	// a successful reasoner override replaces it with the validated model
	// conclusions.
	result.DerivedAlarmIDs = e.deriveAlarms(ctx, state, derive)

	eventID, err := e.persistEvent(ctx, state, result)
	if err != nil {
		return nil, err
	}
	result.RiskEventID = eventID

	if e.tasks != nil {
		taskID, err := e.tasks.CreateFromEvaluation(ctx, result)
		if err != nil {
			e.logger.Warn("failed to open follow-up task", "segment_id", segmentID, "error", err)
		} else {
			result.TaskID = taskID
		}
	}

	e.cacheSnapshot(ctx, state, result)
	e.publish(ctx, domain.TopicRiskEvent, result)
	return result, nil
}

// Preview computes the rule-engine assessment without persisting anything.
// Used by the ranking pre-pass.
func (e *Evaluator) Preview(ctx context.Context, segmentID string) (*domain.EvaluationResult, error) {
	state, err := e.loadState(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	result, _ := e.assess(ctx, state, domain.ModeRuleEngine)
	result.RequestedMode = domain.ModeRuleEngine
	return result, nil
}

// segmentState is everything one evaluation reads.
type segmentState struct {
	segment  *domain.Segment
	raw      map[string]any
	vec      features.Vector
	alarms   []*domain.Alarm
	readings []*domain.Reading
	sensors  int
}

// loadState gathers the segment, its latest reading values merged over the
// static props, and the recent raw alarms. Derived alarms are filtered at
// the repository so they can never feed back into scoring.
func (e *Evaluator) loadState(ctx context.Context, segmentID string) (*segmentState, error) {
	segment, err := e.repo.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment: %w", err)
	}

	readings, err := e.repo.ListReadings(ctx, segmentID, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings: %w", err)
	}
	alarms, err := e.repo.ListAlarms(ctx, segmentID, domain.AlarmBaseRecent, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load alarms: %w", err)
	}
	sensors, err := e.repo.ListSensors(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sensors: %w", err)
	}

	// Static props first, newest reading value wins per metric.
	raw := make(map[string]any, len(segment.Props))
	for k, v := range segment.Props {
		raw[k] = v
	}
	seen := make(map[string]bool)
	for _, rd := range readings {
		for k, v := range rd.Values {
			if !seen[k] {
				raw[k] = v
				seen[k] = true
			}
		}
		for k, v := range rd.Raw {
			if !seen[k] {
				raw[k] = v
				seen[k] = true
			}
		}
	}

	return &segmentState{
		segment:  segment,
		raw:      raw,
		vec:      features.Normalize(e.profile, raw),
		alarms:   alarms,
		readings: readings,
		sensors:  len(sensors),
	}, nil
}

// assess produces the evaluation result for a loaded state plus the matched
// rules that should derive alarms. The rule engine always runs; the reasoner,
// when selected and available, may override the score, state, factor list and
// the derivation set.
func (e *Evaluator) assess(ctx context.Context, state *segmentState, mode domain.ReasoningMode) (*domain.EvaluationResult, []domain.MatchedRule) {
	var ruleList []domain.Rule
	if e.ruleSource != nil {
		loaded, err := e.ruleSource.RulesForClass(state.segment.OntologyClass)
		if err != nil {
			e.logger.Warn("failed to load rules, scoring without them",
				"segment_id", state.segment.ID, "error", err)
		} else {
			ruleList = loaded
		}
	}

	matched, contribution := e.engine.Evaluate(ruleList, state.vec)
	base := e.scorer.Base(state.vec, state.alarms)
	score := e.scorer.Score(base, contribution)
	confidence := e.scorer.Confidence(state.vec.Missing)
	explain := e.scorer.Explain(matched, state.vec, len(state.alarms), score)

	result := &domain.EvaluationResult{
		SegmentID:    state.segment.ID,
		SegmentName:  state.segment.Name,
		Score:        score,
		State:        e.profile.StateForScore(score),
		Confidence:   confidence,
		Explain:      explain,
		MatchedRules: matched,
		Mode:         domain.ModeRuleEngine,
		LatestValues: state.vec.Values,
		AlarmCount:   len(state.alarms),
		ReadingCount: len(state.readings),
		SensorCount:  state.sensors,
		Timestamp:    time.Now().UTC(),
	}
	result.StateLabel = e.profile.StateLabel(result.State)

	derive := matched
	useLLM := mode == domain.ModeLLM || (mode == domain.ModeAuto && e.reasoner != nil)
	if useLLM && e.reasoner != nil {
		if overridden, ok := e.applyReasoner(ctx, result, state, matched, base, ruleList); ok {
			derive = overridden
		}
	}
	return result, derive
}

// applyReasoner asks the external model for an assessment and, on success,
// lets it override the rule-engine outcome and returns the validated matches
// that should derive alarms. Any failure leaves the result untouched: the
// fallback is total and silent apart from a log line.
func (e *Evaluator) applyReasoner(ctx context.Context, result *domain.EvaluationResult, state *segmentState, matched []domain.MatchedRule, base float64, candidates []domain.Rule) ([]domain.MatchedRule, bool) {
	alarmLines := make([]string, 0, len(state.alarms))
	for _, a := range state.alarms {
		alarmLines = append(alarmLines, fmt.Sprintf("[%s] %s", a.Severity, a.Message))
	}
	assessment, err := e.reasoner.Assess(ctx, &reasoner.Request{
		SegmentName: state.segment.Name,
		Profile:     e.profile,
		Values:      state.vec.Values,
		Rules:       candidates,
		Matched:     matched,
		Alarms:      alarmLines,
		AlarmCount:  len(state.alarms),
		BaseScore:   base,
	})
	if err != nil {
		e.logger.Warn("reasoner unavailable, falling back to rule engine",
			"segment_id", state.segment.ID, "error", err)
		return nil, false
	}

	result.Score = assessment.Score
	result.State, _ = e.profile.ParseStateLabel(assessment.StateLabel)
	result.StateLabel = assessment.StateLabel
	if assessment.Confidence != 0 {
		result.Confidence = assessment.Confidence
	}

	factors := assessment.Explain
	if len(factors) == 0 {
		// Keep the rule-engine factors, minus its score annotation.
		factors = result.Explain[:len(result.Explain)-1]
	}
	result.Explain = append(factors, fmt.Sprintf("风险分=%.2f", result.Score))
	result.Mode = domain.ModeLLM

	derive := e.validateModelRules(assessment, state, candidates)
	result.MatchedRules = derive
	return derive, true
}

// validateModelRules resolves the model's rule hits and alarm conclusions
// against the candidate list. Entries citing unknown rule ids are dropped;
// everything kept uses the candidate rule's own definition, never the
// model's rendition of it.
func (e *Evaluator) validateModelRules(assessment *reasoner.Assessment, state *segmentState, candidates []domain.Rule) []domain.MatchedRule {
	byID := make(map[string]domain.Rule, len(candidates))
	for _, r := range candidates {
		byID[r.ID] = r
	}

	var out []domain.MatchedRule
	seen := make(map[string]bool)
	keep := func(ruleID, reason string, currentValue float64) {
		rule, ok := byID[ruleID]
		if !ok {
			e.logger.Warn("reasoner cited unknown rule, dropping",
				"segment_id", state.segment.ID, "rule_id", ruleID)
			return
		}
		if seen[ruleID] {
			return
		}
		seen[ruleID] = true
		if reason == "" {
			reason = fmt.Sprintf("%s: 模型判定命中", rule.Name)
		}
		out = append(out, domain.MatchedRule{Rule: rule, CurrentValue: currentValue, Reason: reason})
	}

	for _, m := range assessment.Matched {
		keep(m.RuleID, m.Reason, m.CurrentValue)
	}
	for _, ga := range assessment.GeneratedAlarms {
		keep(ga.RuleID, ga.Message, state.vec.Values[byID[ga.RuleID].Metric])
	}
	return out
}

// deriveAlarms writes one alarm per matched rule against the newest reading,
// keyed on (reading, rule) so repeated evaluations of the same data change
// nothing. A lost insert race is treated the same as an existing alarm.
func (e *Evaluator) deriveAlarms(ctx context.Context, state *segmentState, matched []domain.MatchedRule) []string {
	if len(matched) == 0 || len(state.readings) == 0 {
		return nil
	}
	readingID := state.readings[0].ID

	var ids []string
	for _, m := range matched {
		existing, err := e.repo.FindDerivedAlarm(ctx, readingID, m.ID)
		if err == nil {
			ids = append(ids, existing.ID)
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("derived alarm lookup failed", "rule_id", m.ID, "error", err)
			continue
		}

		alarm := &domain.Alarm{
			ID:        uuid.New().String(),
			SegmentID: state.segment.ID,
			ReadingID: readingID,
			Type:      "rule_hit",
			Severity:  m.Severity,
			Message:   m.Reason,
			Source:    domain.AlarmSourceDerived,
			RuleID:    m.ID,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.repo.SaveAlarm(ctx, alarm); err != nil {
			// Lost the race: another evaluation inserted the same key.
			if existing, ferr := e.repo.FindDerivedAlarm(ctx, readingID, m.ID); ferr == nil {
				ids = append(ids, existing.ID)
			} else {
				e.logger.Warn("failed to derive alarm", "rule_id", m.ID, "error", err)
			}
			continue
		}
		ids = append(ids, alarm.ID)
		e.publish(ctx, domain.TopicAlarmDerived, alarm)
	}
	return ids
}

func (e *Evaluator) persistEvent(ctx context.Context, state *segmentState, result *domain.EvaluationResult) (string, error) {
	evidence := domain.RiskEvidence{}
	for _, a := range state.alarms {
		evidence.AlarmIDs = append(evidence.AlarmIDs, a.ID)
	}
	// The input alarms are provenance-filtered to raw, so the derived ids
	// never duplicate them.
	evidence.AlarmIDs = append(evidence.AlarmIDs, result.DerivedAlarmIDs...)
	for _, rd := range state.readings {
		evidence.ReadingIDs = append(evidence.ReadingIDs, rd.ID)
	}

	event := &domain.RiskEvent{
		ID:           uuid.New().String(),
		SegmentID:    result.SegmentID,
		SegmentName:  result.SegmentName,
		Score:        result.Score,
		StateLabel:   result.StateLabel,
		Confidence:   result.Confidence,
		Explain:      result.ExplainText(),
		Mode:         result.Mode,
		MatchedRules: result.MatchedRules,
		Evidence:     evidence,
		CreatedAt:    result.Timestamp,
	}
	if err := e.repo.SaveRiskEvent(ctx, event); err != nil {
		return "", fmt.Errorf("failed to save risk event: %w", err)
	}
	return event.ID, nil
}

func (e *Evaluator) cacheSnapshot(ctx context.Context, state *segmentState, result *domain.EvaluationResult) {
	if e.cache == nil {
		return
	}
	snap := &domain.SegmentSnapshot{
		SegmentID:    result.SegmentID,
		SegmentName:  result.SegmentName,
		Values:       result.LatestValues,
		AlarmCount:   result.AlarmCount,
		ReadingCount: result.ReadingCount,
		MatchedRules: len(result.MatchedRules),
		Score:        result.Score,
		State:        result.StateLabel,
		Timestamp:    result.Timestamp.Format(time.RFC3339),
	}
	if err := e.cache.SetSnapshot(ctx, result.SegmentID, snap, snapshotTTL); err != nil {
		e.logger.Warn("failed to cache segment snapshot", "segment_id", result.SegmentID, "error", err)
	}
	if _, err := e.cache.IncrementCounter(ctx, "eval:"+result.SegmentID, time.Hour); err != nil {
		e.logger.Debug("evaluation counter unavailable", "error", err)
	}
}

func (e *Evaluator) publish(ctx context.Context, topic string, v any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
