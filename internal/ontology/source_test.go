package ontology

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-ontology-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func saveEntity(t *testing.T, repo domain.Repository, e *domain.Entity) {
	t.Helper()
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if err := repo.SaveEntity(context.Background(), e); err != nil {
		t.Fatalf("SaveEntity %s failed: %v", e.ID, err)
	}
}

func TestRulesForClass(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	saveEntity(t, repo, &domain.Entity{
		ID: "class-pipe", Label: "Class", Name: "管段",
	})
	saveEntity(t, repo, &domain.Entity{
		ID: "class-road", Label: "Class", Name: "道路",
	})

	// Scoped to 管段 through an involves edge.
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-pressure", Label: domain.EntityLabelRule, Name: "高压告警",
		Props: map[string]any{
			"metric": "pressure", "op": ">", "threshold": 0.8,
			"weight": 0.3, "severity": "high",
		},
	})
	if err := repo.SaveRelation(ctx, &domain.Relation{
		ID: "rel-1", Type: domain.RelationInvolves,
		FromID: "rule-pressure", ToID: "class-pipe", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveRelation failed: %v", err)
	}

	// No involves edge: applies everywhere.
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-global", Label: domain.EntityLabelRule, Name: "全局流量",
		Props: map[string]any{"metric": "flow", "op": "<", "threshold": "30", "weight": 0.2},
	})

	src := NewSource(repo)

	pipeRules, err := src.RulesForClass("管段")
	if err != nil {
		t.Fatalf("RulesForClass failed: %v", err)
	}
	if len(pipeRules) != 2 {
		t.Fatalf("expected 2 rules for 管段, got %d", len(pipeRules))
	}

	roadRules, err := src.RulesForClass("道路")
	if err != nil {
		t.Fatalf("RulesForClass failed: %v", err)
	}
	if len(roadRules) != 1 || roadRules[0].ID != "rule-global" {
		t.Errorf("expected only the global rule for 道路, got %+v", roadRules)
	}
}

func TestRuleParsing(t *testing.T) {
	repo := newTestRepo(t)

	saveEntity(t, repo, &domain.Entity{
		ID: "rule-ok", Label: domain.EntityLabelRule, Name: "高压",
		Props: map[string]any{
			"metric": "pressure", "op": ">=", "threshold": 0.9,
			"weight": 0.4, "severity": "high",
		},
	})
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-string-threshold", Label: domain.EntityLabelRule, Name: "低流量",
		Props: map[string]any{"metric": "flow", "op": "<", "threshold": "25.5"},
	})
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-expr", Label: domain.EntityLabelRule, Name: "组合",
		Props: map[string]any{"expression": "pressure > 0.6 && flow < 40.0", "weight": 0.5},
	})
	// Undroppable garbage: no op, bad threshold.
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-no-op", Label: domain.EntityLabelRule, Name: "坏1",
		Props: map[string]any{"metric": "pressure", "threshold": 0.5},
	})
	saveEntity(t, repo, &domain.Entity{
		ID: "rule-bad-threshold", Label: domain.EntityLabelRule, Name: "坏2",
		Props: map[string]any{"metric": "pressure", "op": ">", "threshold": "abc"},
	})
	// Non-rule entities never surface.
	saveEntity(t, repo, &domain.Entity{
		ID: "not-a-rule", Label: "Class", Name: "管段",
	})

	rules, err := NewSource(repo).RulesForClass("管段")
	if err != nil {
		t.Fatalf("RulesForClass failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 parseable rules, got %d: %+v", len(rules), rules)
	}

	byID := map[string]domain.Rule{}
	for _, r := range rules {
		byID[r.ID] = r
	}
	if r := byID["rule-ok"]; r.Op != domain.OpGE || *r.Threshold != 0.9 || r.Weight != 0.4 || r.Severity != domain.SeverityHigh {
		t.Errorf("rule-ok mis-parsed: %+v", r)
	}
	if r := byID["rule-string-threshold"]; r.Threshold == nil || *r.Threshold != 25.5 {
		t.Errorf("string threshold not parsed: %+v", r)
	}
	if r := byID["rule-string-threshold"]; r.Weight != 0.1 {
		t.Errorf("expected default weight 0.1, got %v", r.Weight)
	}
	if r := byID["rule-expr"]; r.Expression == "" || r.Weight != 0.5 {
		t.Errorf("expression rule mis-parsed: %+v", r)
	}
}
