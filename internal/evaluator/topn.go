package evaluator

import (
	"context"
	"sort"

	"github.com/opensource-utility/kestrel/internal/domain"
)

const (
	topNDefault = 10
	topNMax     = 100

	// llmRescoreLimit bounds how many leading segments the reasoner may
	// re-score during a ranking request.
	llmRescoreLimit = 10
)

// RankedSegment is one row of a top-N ranking response.
type RankedSegment struct {
	SegmentID    string               `json:"segmentId"`
	SegmentName  string               `json:"segmentName"`
	Score        float64              `json:"riskScore"`
	StateLabel   string               `json:"riskState"`
	AlarmCount   int                  `json:"alarmCount"`
	ReadingCount int                  `json:"readingCount"`
	MatchedRule  int                  `json:"matchedRules"`
	Mode         domain.ReasoningMode `json:"reasoningMode"`
}

// TopN ranks all segments by risk score, highest first. Every segment gets a
// cheap rule-engine pass (cached snapshots short-circuit it); when the
// reasoner is available and the mode allows it, only the leading few are
// re-scored through it. Segments with no readings and no alarms are dropped
// unless includeEmpty is set; a scoreless segment that does have data stays
// in the ranking.
func (e *Evaluator) TopN(ctx context.Context, limit int, includeEmpty bool, mode domain.ReasoningMode) ([]RankedSegment, error) {
	if limit <= 0 {
		limit = topNDefault
	}
	if limit > topNMax {
		limit = topNMax
	}
	if mode == "" {
		mode = domain.ModeAuto
	}
	if mode == domain.ModeLLM && e.reasoner == nil {
		return nil, ErrLLMDisabled
	}

	segments, err := e.repo.ListSegments(ctx)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedSegment, 0, len(segments))
	for _, seg := range segments {
		entry, ok := e.rankOne(ctx, seg)
		if !ok {
			continue
		}
		if !includeEmpty && entry.ReadingCount == 0 && entry.AlarmCount == 0 {
			continue
		}
		ranked = append(ranked, entry)
	}

	sortRanked(ranked)

	useLLM := e.reasoner != nil && mode != domain.ModeRuleEngine
	if useLLM {
		e.rescoreLeaders(ctx, ranked, limit)
		sortRanked(ranked)
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// rankOne produces a cheap ranking entry for one segment, preferring a fresh
// cached snapshot over recomputation. A segment whose state cannot be loaded
// is skipped rather than failing the whole ranking.
func (e *Evaluator) rankOne(ctx context.Context, seg *domain.Segment) (RankedSegment, bool) {
	if e.cache != nil {
		if snap, err := e.cache.GetSnapshot(ctx, seg.ID); err == nil && snap != nil {
			return RankedSegment{
				SegmentID:    seg.ID,
				SegmentName:  seg.Name,
				Score:        snap.Score,
				StateLabel:   snap.State,
				AlarmCount:   snap.AlarmCount,
				ReadingCount: snap.ReadingCount,
				MatchedRule:  snap.MatchedRules,
				Mode:         domain.ModeRuleEngine,
			}, true
		}
	}

	result, err := e.Preview(ctx, seg.ID)
	if err != nil {
		e.logger.Warn("skipping segment in ranking", "segment_id", seg.ID, "error", err)
		return RankedSegment{}, false
	}
	return RankedSegment{
		SegmentID:    seg.ID,
		SegmentName:  seg.Name,
		Score:        result.Score,
		StateLabel:   result.StateLabel,
		AlarmCount:   result.AlarmCount,
		ReadingCount: result.ReadingCount,
		MatchedRule:  len(result.MatchedRules),
		Mode:         result.Mode,
	}, true
}

// rescoreLeaders runs the reasoner over the top entries in place. Failures
// leave the rule-engine score standing for that entry.
func (e *Evaluator) rescoreLeaders(ctx context.Context, ranked []RankedSegment, limit int) {
	n := limit
	if n > llmRescoreLimit {
		n = llmRescoreLimit
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	for i := 0; i < n; i++ {
		state, err := e.loadState(ctx, ranked[i].SegmentID)
		if err != nil {
			continue
		}
		result, _ := e.assess(ctx, state, domain.ModeLLM)
		if result.Mode != domain.ModeLLM {
			continue
		}
		ranked[i].Score = result.Score
		ranked[i].StateLabel = result.StateLabel
		ranked[i].Mode = domain.ModeLLM
	}
}

// sortRanked orders by score descending with segment id as a deterministic
// tie-break.
func sortRanked(ranked []RankedSegment) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].SegmentID < ranked[j].SegmentID
	})
}
