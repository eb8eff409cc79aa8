// Package risk combines alarm history, rule matches and feature vectors into
// a scored, classified, explainable risk assessment.
package risk

import (
	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
)

// Scorer computes risk scores for one profile. Stateless and safe for
// concurrent use.
type Scorer struct {
	profile *domain.Profile
}

// NewScorer creates a scorer bound to a profile.
func NewScorer(p *domain.Profile) *Scorer {
	return &Scorer{profile: p}
}

// Profile returns the bound profile.
func (s *Scorer) Profile() *domain.Profile {
	return s.profile
}

// AlarmBase computes the severity-weighted base score from recent raw alarms,
// in score units. At most the newest AlarmBaseRecent alarms count; the
// normalized sum caps at AlarmBaseCap before scaling to the profile range.
// Derived alarms never contribute, so a derived alarm written by a previous
// evaluation cannot inflate the next one.
func (s *Scorer) AlarmBase(alarms []*domain.Alarm) float64 {
	var base float64
	seen := 0
	for _, a := range alarms {
		if a.Derived() {
			continue
		}
		if seen >= domain.AlarmBaseRecent {
			break
		}
		seen++
		switch a.Severity {
		case domain.SeverityHigh:
			base += domain.AlarmBaseHigh
		case domain.SeverityMedium:
			base += domain.AlarmBaseMedium
		case domain.SeverityLow:
			base += domain.AlarmBaseLow
		}
	}
	if base > domain.AlarmBaseCap {
		base = domain.AlarmBaseCap
	}
	return base * s.profile.Max
}

// Linear computes the fixed-coefficient model score for profiles that carry
// linear weights, clamped to the profile range.
func (s *Scorer) Linear(vec features.Vector) float64 {
	score := s.profile.LinearIntercept
	for i, w := range s.profile.LinearWeights {
		if i >= len(vec.Ordered) {
			break
		}
		score += w * vec.Ordered[i]
	}
	return s.profile.Clamp(score)
}

// Base returns the profile's base score before rule contribution: the linear
// model when the profile defines one, the alarm heuristic otherwise.
func (s *Scorer) Base(vec features.Vector, alarms []*domain.Alarm) float64 {
	if s.profile.LinearWeights != nil {
		return s.Linear(vec)
	}
	return s.AlarmBase(alarms)
}

// Score combines the base with a normalized rule contribution and clamps the
// result to the profile range.
func (s *Scorer) Score(base, contribution float64) float64 {
	return s.profile.Clamp(base + contribution*s.profile.Max)
}

// Confidence derives the assessment confidence from the profile base and the
// missing-source penalties, bounded to [ConfidenceMin, ConfidenceMax].
func (s *Scorer) Confidence(missing []string) float64 {
	c := s.profile.ConfidenceBase
	for _, m := range s.profile.Metrics {
		if m.MissingPenalty == 0 {
			continue
		}
		for _, key := range missing {
			if key == m.SourceKey() {
				c -= m.MissingPenalty
				break
			}
		}
	}
	if c < domain.ConfidenceMin {
		c = domain.ConfidenceMin
	}
	if c > domain.ConfidenceMax {
		c = domain.ConfidenceMax
	}
	return c
}
