// Package ontology extracts structured risk rules from the entity graph.
// Rules are entities labeled "Rule" whose props carry the rule fields;
// "involves" relations scope a rule to an ontology class.
package ontology

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-utility/kestrel/internal/domain"
)

// Source reads rule entities from the repository and turns them into
// engine-ready rules. Implements domain.RuleSource.
type Source struct {
	repo domain.Repository

	// timeout bounds each repository round-trip.
	timeout time.Duration
}

// NewSource creates an ontology-backed rule source.
func NewSource(repo domain.Repository) *Source {
	return &Source{repo: repo, timeout: 5 * time.Second}
}

// RulesForClass returns the rules scoped to an ontology class, in entity
// name order (the repository's listing order). A rule with no involves
// relation applies to every class. Entities whose props do not parse into
// a usable rule are dropped.
func (s *Source) RulesForClass(class string) ([]domain.Rule, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	entities, err := s.repo.ListEntities(ctx, domain.EntityLabelRule)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule entities: %w", err)
	}

	var out []domain.Rule
	for _, e := range entities {
		rule, ok := ruleFromEntity(e)
		if !ok {
			continue
		}
		applies, err := s.appliesTo(ctx, e.ID, class)
		if err != nil {
			return nil, err
		}
		if applies {
			out = append(out, rule)
		}
	}
	return out, nil
}

// appliesTo checks the rule's involves edges. No edges means global scope.
func (s *Source) appliesTo(ctx context.Context, ruleEntityID, class string) (bool, error) {
	rels, err := s.repo.ListRelations(ctx, domain.RelationInvolves, ruleEntityID)
	if err != nil {
		return false, fmt.Errorf("failed to list rule relations: %w", err)
	}
	if len(rels) == 0 {
		return true, nil
	}
	for _, rel := range rels {
		target, err := s.repo.GetEntity(ctx, rel.ToID)
		if err != nil {
			// Dangling edge: ignore it rather than failing the evaluation.
			continue
		}
		if target.Name == class {
			return true, nil
		}
	}
	return false, nil
}

// ruleFromEntity parses an entity's props into a rule. ok=false drops the
// entity: threshold rules need metric, op and a numeric threshold;
// expression rules just need the expression string.
func ruleFromEntity(e *domain.Entity) (domain.Rule, bool) {
	rule := domain.Rule{
		ID:       e.ID,
		Name:     e.Name,
		Weight:   propFloat(e.Props, "weight", 0.1),
		Severity: domain.ParseSeverity(propString(e.Props, "severity")),
	}

	if expr := propString(e.Props, "expression"); expr != "" {
		rule.Expression = expr
		rule.Metric = propString(e.Props, "metric")
		return rule, true
	}

	rule.Metric = propString(e.Props, "metric")
	rule.Op = domain.Op(propString(e.Props, "op"))
	if rule.Metric == "" || !domain.ValidOp(rule.Op) {
		return domain.Rule{}, false
	}
	threshold, ok := propNumber(e.Props, "threshold")
	if !ok {
		return domain.Rule{}, false
	}
	rule.Threshold = &threshold
	return rule, true
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propFloat(props map[string]any, key string, fallback float64) float64 {
	if f, ok := propNumber(props, key); ok {
		return f
	}
	return fallback
}

func propNumber(props map[string]any, key string) (float64, bool) {
	switch x := props[key].(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
