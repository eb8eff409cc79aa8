package domain

import (
	"time"
)

// Task is a follow-up work item opened from a risk evaluation.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"taskType"`
	Status      string `json:"status"`
	SegmentID   string `json:"segmentId,omitempty"`
	SegmentName string `json:"segmentName,omitempty"`

	// SourceEventID links the task back to the risk event that opened it.
	SourceEventID string `json:"sourceEventId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task status values.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
	TaskStatusCancelled  = "cancelled"
)

// ValidTaskStatus reports whether s is an allowed task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskEvent is one timeline entry of a task.
type TaskEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Type      string    `json:"eventType"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// Evidence is a piece of supporting material attached to a task.
type Evidence struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Type      string    `json:"evidenceType"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
