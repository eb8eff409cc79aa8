// Package tasks manages follow-up work items opened from risk evaluations.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-utility/kestrel/internal/domain"
)

// Service creates and tracks tasks. A task is opened automatically when an
// evaluation classifies a segment at StateAbnormal or above.
type Service struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewService creates a task service.
func NewService(repo domain.Repository, eventBus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, bus: eventBus, logger: logger}
}

// CreateFromEvaluation opens an inspection task for an evaluation at
// StateAbnormal or above. Returns ("", nil) below that level. Duplicate
// suppression is per risk event: one event opens at most one task.
func (s *Service) CreateFromEvaluation(ctx context.Context, result *domain.EvaluationResult) (string, error) {
	if result.State < domain.StateAbnormal {
		return "", nil
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:            uuid.New().String(),
		Title:         fmt.Sprintf("排查%s（%s，风险分%.2f）", result.SegmentName, result.StateLabel, result.Score),
		Type:          "inspection",
		Status:        domain.TaskStatusPending,
		SegmentID:     result.SegmentID,
		SegmentName:   result.SegmentName,
		SourceEventID: result.RiskEventID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to save task: %w", err)
	}

	if err := s.repo.AddTaskEvent(ctx, &domain.TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Type:      "created",
		Message:   result.ExplainText(),
		Timestamp: now,
	}); err != nil {
		s.logger.Warn("failed to record task creation event", "task_id", task.ID, "error", err)
	}

	s.publish(ctx, domain.TopicTaskCreated, task)
	s.logger.Info("task created",
		"task_id", task.ID,
		"segment_id", task.SegmentID,
		"state", result.StateLabel,
	)
	return task.ID, nil
}

// Transition moves a task to a new status and records the change on its
// timeline.
func (s *Service) Transition(ctx context.Context, taskID, status, note string) error {
	if !domain.ValidTaskStatus(status) {
		return fmt.Errorf("unknown task status %q", status)
	}

	if err := s.repo.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}

	event := &domain.TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      "status_changed",
		Message:   status,
		Timestamp: time.Now().UTC(),
	}
	if note != "" {
		event.Message = status + ": " + note
	}
	return s.repo.AddTaskEvent(ctx, event)
}

// AttachEvidence stores a piece of evidence and notes it on the timeline.
func (s *Service) AttachEvidence(ctx context.Context, taskID, kind, content string) (string, error) {
	now := time.Now().UTC()
	evidence := &domain.Evidence{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      kind,
		Content:   content,
		CreatedAt: now,
	}
	if err := s.repo.AddEvidence(ctx, evidence); err != nil {
		return "", err
	}

	if err := s.repo.AddTaskEvent(ctx, &domain.TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      "evidence_added",
		Message:   kind,
		Timestamp: now,
	}); err != nil {
		s.logger.Warn("failed to record evidence event", "task_id", taskID, "error", err)
	}
	return evidence.ID, nil
}

// Timeline bundles a task with its events and evidence.
type Timeline struct {
	Task     *domain.Task        `json:"task"`
	Events   []*domain.TaskEvent `json:"events"`
	Evidence []*domain.Evidence  `json:"evidence"`
}

// GetTimeline loads a task and its full history.
func (s *Service) GetTimeline(ctx context.Context, taskID string) (*Timeline, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListTaskEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	evidence, err := s.repo.ListEvidence(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &Timeline{Task: task, Events: events, Evidence: evidence}, nil
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("failed to publish task event", "topic", topic, "error", err)
	}
}
