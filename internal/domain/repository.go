package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Segment operations
	SaveSegment(ctx context.Context, seg *Segment) error
	GetSegment(ctx context.Context, segmentID string) (*Segment, error)
	ListSegments(ctx context.Context) ([]*Segment, error)
	DeleteSegment(ctx context.Context, segmentID string) error

	// Sensor operations
	SaveSensor(ctx context.Context, sensor *Sensor) error
	GetSensor(ctx context.Context, sensorID string) (*Sensor, error)
	ListSensors(ctx context.Context, segmentID string) ([]*Sensor, error)
	DeleteSensor(ctx context.Context, sensorID string) error

	// Reading operations (append-only, listed newest first)
	SaveReading(ctx context.Context, reading *Reading) error
	ListReadings(ctx context.Context, segmentID string, limit int) ([]*Reading, error)

	// Alarm operations. includeDerived=false filters engine-derived alarms
	// out, which is what every rule-evaluation input path must use.
	SaveAlarm(ctx context.Context, alarm *Alarm) error
	ListAlarms(ctx context.Context, segmentID string, limit int, includeDerived bool) ([]*Alarm, error)

	// FindDerivedAlarm looks up a derived alarm by its idempotency key.
	// Returns ErrNotFound when no such alarm exists.
	FindDerivedAlarm(ctx context.Context, readingID, ruleID string) (*Alarm, error)

	// Ontology graph operations. Rules are entities with label "Rule",
	// scoped to classes through "involves" relations.
	SaveEntity(ctx context.Context, entity *Entity) error
	GetEntity(ctx context.Context, entityID string) (*Entity, error)
	ListEntities(ctx context.Context, label string) ([]*Entity, error)
	DeleteEntity(ctx context.Context, entityID string) error
	SaveRelation(ctx context.Context, relation *Relation) error
	ListRelations(ctx context.Context, relType, fromID string) ([]*Relation, error)
	DeleteRelation(ctx context.Context, relationID string) error

	// Risk events (evaluation traces)
	SaveRiskEvent(ctx context.Context, event *RiskEvent) error
	ListRiskEvents(ctx context.Context, segmentID string, limit int) ([]*RiskEvent, error)

	// Task / workflow operations
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, segmentID string) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
	AddTaskEvent(ctx context.Context, event *TaskEvent) error
	ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error)
	AddEvidence(ctx context.Context, evidence *Evidence) error
	ListEvidence(ctx context.Context, taskID string) ([]*Evidence, error)

	// PurgeSensing deletes readings, alarms and risk events (optionally for
	// one segment), keeping segments and sensors.
	PurgeSensing(ctx context.Context, segmentID string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
