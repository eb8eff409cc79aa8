package tasks

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-utility/kestrel/internal/bus"
	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.EventBus) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-tasks-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	return NewService(repo, eventBus, nil), eventBus
}

func abnormalResult() *domain.EvaluationResult {
	return &domain.EvaluationResult{
		SegmentID:   "seg-001",
		SegmentName: "东湖路段",
		Score:       0.72,
		State:       domain.StateAbnormal,
		StateLabel:  "异常",
		Explain:     []string{"高压告警", "风险分=0.72"},
		RiskEventID: "ev-001",
	}
}

func TestCreateFromEvaluation(t *testing.T) {
	svc, eventBus := newTestService(t)
	ctx := context.Background()

	var published atomic.Int32
	eventBus.Subscribe(ctx, domain.TopicTaskCreated, func(ctx context.Context, msg *domain.Message) error {
		published.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	taskID, err := svc.CreateFromEvaluation(ctx, abnormalResult())
	if err != nil {
		t.Fatalf("CreateFromEvaluation failed: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected a task for an abnormal evaluation")
	}

	timeline, err := svc.GetTimeline(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTimeline failed: %v", err)
	}
	if timeline.Task.Status != domain.TaskStatusPending {
		t.Errorf("expected pending status, got %s", timeline.Task.Status)
	}
	if timeline.Task.SourceEventID != "ev-001" {
		t.Errorf("task not linked to risk event: %+v", timeline.Task)
	}
	if len(timeline.Events) != 1 || timeline.Events[0].Type != "created" {
		t.Errorf("expected creation event, got %+v", timeline.Events)
	}

	time.Sleep(50 * time.Millisecond)
	if published.Load() != 1 {
		t.Errorf("expected 1 task.created publication, got %d", published.Load())
	}
}

func TestCreateFromEvaluationBelowThreshold(t *testing.T) {
	svc, _ := newTestService(t)

	for _, state := range []domain.RiskState{domain.StateNormal, domain.StateFluctuating} {
		result := abnormalResult()
		result.State = state
		taskID, err := svc.CreateFromEvaluation(context.Background(), result)
		if err != nil {
			t.Fatalf("CreateFromEvaluation failed: %v", err)
		}
		if taskID != "" {
			t.Errorf("state %v should not open a task", state)
		}
	}
}

func TestTransitionAndEvidence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	taskID, err := svc.CreateFromEvaluation(ctx, abnormalResult())
	if err != nil || taskID == "" {
		t.Fatalf("setup failed: %v", err)
	}

	if err := svc.Transition(ctx, taskID, domain.TaskStatusInProgress, "已派单"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := svc.Transition(ctx, taskID, "nonsense", ""); err == nil {
		t.Error("expected error for invalid status")
	}

	evidenceID, err := svc.AttachEvidence(ctx, taskID, "photo", "https://example.com/p.jpg")
	if err != nil {
		t.Fatalf("AttachEvidence failed: %v", err)
	}
	if evidenceID == "" {
		t.Error("expected evidence id")
	}

	if err := svc.Transition(ctx, taskID, domain.TaskStatusDone, ""); err != nil {
		t.Fatalf("Transition to done failed: %v", err)
	}

	timeline, err := svc.GetTimeline(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTimeline failed: %v", err)
	}
	if timeline.Task.Status != domain.TaskStatusDone {
		t.Errorf("expected done status, got %s", timeline.Task.Status)
	}
	// created + 2 status changes + evidence note
	if len(timeline.Events) != 4 {
		t.Errorf("expected 4 timeline events, got %d: %+v", len(timeline.Events), timeline.Events)
	}
	if len(timeline.Evidence) != 1 {
		t.Errorf("expected 1 evidence record, got %d", len(timeline.Evidence))
	}
}
