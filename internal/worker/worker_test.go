package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-utility/kestrel/internal/bus"
	"github.com/opensource-utility/kestrel/internal/cache"
	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/evaluator"
	"github.com/opensource-utility/kestrel/internal/ontology"
	"github.com/opensource-utility/kestrel/internal/repository"
	"github.com/opensource-utility/kestrel/internal/rules"
)

func newTestWorker(t *testing.T) (*Worker, *bus.ChannelBus, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	profile := domain.PipelineProfile()
	engine, err := rules.NewEngine(profile)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	eval := evaluator.New(evaluator.Options{
		Repository: repo,
		Cache:      cache.NewLRUCache(100),
		Bus:        eventBus,
		Engine:     engine,
		RuleSource: ontology.NewSource(repo),
		Profile:    profile,
	})

	w := NewWorker(eventBus, eval, nil)
	t.Cleanup(w.Stop)
	return w, eventBus, repo
}

func TestWorkerReEvaluatesOnReading(t *testing.T) {
	w, eventBus, repo := newTestWorker(t)
	ctx := context.Background()

	if err := repo.SaveSegment(ctx, &domain.Segment{
		ID:   "seg-001",
		Name: "东城主干管",
	}); err != nil {
		t.Fatalf("failed to save segment: %v", err)
	}
	if err := repo.SaveReading(ctx, &domain.Reading{
		ID:        "rd-001",
		SegmentID: "seg-001",
		Values:    map[string]float64{"pressure": 0.5, "flow": 0.5},
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to save reading: %v", err)
	}

	if err := w.Start(Config{Mode: domain.ModeRuleEngine}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"segmentId": "seg-001"})
	if err := eventBus.Publish(ctx, domain.TopicReadingIngested, payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	// The evaluation lands as a persisted risk event.
	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := repo.ListRiskEvents(ctx, "seg-001", 10)
		if err != nil {
			t.Fatalf("failed to list risk events: %v", err)
		}
		if len(events) > 0 {
			if events[0].SegmentID != "seg-001" {
				t.Errorf("unexpected event segment: %q", events[0].SegmentID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no risk event appeared after reading-ingested message")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerIgnoresMalformedMessages(t *testing.T) {
	w, eventBus, repo := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(Config{}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	if err := eventBus.Publish(ctx, domain.TopicReadingIngested, []byte("not json")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := eventBus.Publish(ctx, domain.TopicReadingIngested, []byte(`{}`)); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	events, err := repo.ListRiskEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("failed to list risk events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no risk events, got %d", len(events))
	}
}
