package risk

import (
	"fmt"
	"math"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
)

// Display sentinels used when no factor carries signal.
const (
	// ExplainNoSignal is emitted when neither alarms nor rules contributed.
	ExplainNoSignal = "暂无告警/规则命中"

	// ExplainAlarmOnly is emitted when the score rests on the alarm
	// heuristic alone, with no rule matches.
	ExplainAlarmOnly = "基于近10条告警启发式评分"
)

// Explain builds the ranked factor list for an assessment. The list is never
// empty: when no factor carries signal a sentinel takes its place, and the
// final entry is always the literal score annotation.
//
// Profiles with a linear model rank metric contributions by |weight×value|
// descending; ties keep declaration order. Other profiles report matched
// rule reasons in match order.
func (s *Scorer) Explain(matched []domain.MatchedRule, vec features.Vector, alarmCount int, score float64) []string {
	var factors []string
	if s.profile.LinearWeights != nil {
		factors = s.linearFactors(vec)
	} else {
		factors = ruleFactors(matched, s.profile.ExplainTopN)
	}

	if len(factors) == 0 {
		if alarmCount > 0 {
			factors = append(factors, ExplainAlarmOnly)
		} else {
			factors = append(factors, ExplainNoSignal)
		}
	}
	return append(factors, fmt.Sprintf("风险分=%.2f", score))
}

func ruleFactors(matched []domain.MatchedRule, topN int) []string {
	out := make([]string, 0, len(matched))
	for _, m := range matched {
		if len(out) >= topN {
			break
		}
		out = append(out, m.Reason)
	}
	return out
}

// linearFactors ranks the profile metrics by absolute weighted contribution.
// Zero contributions are dropped; a stable selection sort keeps declaration
// order among equal magnitudes.
func (s *Scorer) linearFactors(vec features.Vector) []string {
	type factor struct {
		display   string
		magnitude float64
	}
	candidates := make([]factor, 0, len(s.profile.Metrics))
	for i, m := range s.profile.Metrics {
		if i >= len(s.profile.LinearWeights) || i >= len(vec.Ordered) {
			break
		}
		mag := math.Abs(s.profile.LinearWeights[i] * vec.Ordered[i])
		if mag == 0 {
			continue
		}
		candidates = append(candidates, factor{display: m.Display, magnitude: mag})
	}

	out := make([]string, 0, s.profile.ExplainTopN)
	for len(out) < s.profile.ExplainTopN && len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].magnitude > candidates[best].magnitude {
				best = i
			}
		}
		out = append(out, candidates[best].display)
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
	return out
}
