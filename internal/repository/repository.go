// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-utility/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSegment inserts or updates a segment.
func (r *SQLRepository) SaveSegment(ctx context.Context, seg *domain.Segment) error {
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidInput)
	}

	props, _ := json.Marshal(seg.Props)

	query := `
		INSERT INTO segments (id, name, latitude, longitude, ontology_class, props, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			ontology_class = excluded.ontology_class,
			props = excluded.props,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		seg.ID, seg.Name, nullFloat(seg.Latitude), nullFloat(seg.Longitude),
		seg.OntologyClass, string(props), seg.CreatedAt, seg.UpdatedAt,
	)
	return err
}

// GetSegment retrieves a segment by ID.
func (r *SQLRepository) GetSegment(ctx context.Context, segmentID string) (*domain.Segment, error) {
	query := `
		SELECT id, name, latitude, longitude, ontology_class, props, created_at, updated_at
		FROM segments
		WHERE id = ?
	`

	seg, err := scanSegment(r.db.QueryRowContext(ctx, r.rebind(query), segmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seg, err
}

// ListSegments retrieves all segments ordered by name.
func (r *SQLRepository) ListSegments(ctx context.Context) ([]*domain.Segment, error) {
	query := `
		SELECT id, name, latitude, longitude, ontology_class, props, created_at, updated_at
		FROM segments
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*domain.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// DeleteSegment removes a segment. Sensors and sensing data stay and are
// cleaned up through PurgeSensing.
func (r *SQLRepository) DeleteSegment(ctx context.Context, segmentID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM segments WHERE id = ?`), segmentID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// SaveSensor stores a sensor.
func (r *SQLRepository) SaveSensor(ctx context.Context, sensor *domain.Sensor) error {
	if sensor == nil || sensor.ID == "" || sensor.SegmentID == "" {
		return fmt.Errorf("%w: sensor id and segment id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO sensors (id, segment_id, name, type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			segment_id = excluded.segment_id,
			name = excluded.name,
			type = excluded.type
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sensor.ID, sensor.SegmentID, sensor.Name, sensor.Type, sensor.CreatedAt,
	)
	return err
}

// GetSensor retrieves a sensor by ID.
func (r *SQLRepository) GetSensor(ctx context.Context, sensorID string) (*domain.Sensor, error) {
	query := `SELECT id, segment_id, name, type, created_at FROM sensors WHERE id = ?`

	var s domain.Sensor
	err := r.db.QueryRowContext(ctx, r.rebind(query), sensorID).Scan(
		&s.ID, &s.SegmentID, &s.Name, &s.Type, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSensors retrieves sensors, optionally filtered by segment.
func (r *SQLRepository) ListSensors(ctx context.Context, segmentID string) ([]*domain.Sensor, error) {
	query := `SELECT id, segment_id, name, type, created_at FROM sensors`
	args := []any{}
	if segmentID != "" {
		query += ` WHERE segment_id = ?`
		args = append(args, segmentID)
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sensors []*domain.Sensor
	for rows.Next() {
		var s domain.Sensor
		if err := rows.Scan(&s.ID, &s.SegmentID, &s.Name, &s.Type, &s.CreatedAt); err != nil {
			return nil, err
		}
		sensors = append(sensors, &s)
	}
	return sensors, rows.Err()
}

// DeleteSensor removes a sensor.
func (r *SQLRepository) DeleteSensor(ctx context.Context, sensorID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM sensors WHERE id = ?`), sensorID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// SaveReading appends a sensor reading.
func (r *SQLRepository) SaveReading(ctx context.Context, reading *domain.Reading) error {
	if reading == nil || reading.ID == "" || reading.SegmentID == "" {
		return fmt.Errorf("%w: reading id and segment id are required", ErrInvalidInput)
	}

	vals, _ := json.Marshal(reading.Values)
	raw, _ := json.Marshal(reading.Raw)

	query := `
		INSERT INTO readings (id, sensor_id, segment_id, vals, raw, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		reading.ID, reading.SensorID, reading.SegmentID,
		string(vals), string(raw), reading.Timestamp,
	)
	return err
}

// ListReadings retrieves the newest readings for a segment.
func (r *SQLRepository) ListReadings(ctx context.Context, segmentID string, limit int) ([]*domain.Reading, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, sensor_id, segment_id, vals, raw, timestamp
		FROM readings
		WHERE segment_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), segmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*domain.Reading
	for rows.Next() {
		var rd domain.Reading
		var vals, raw string
		if err := rows.Scan(&rd.ID, &rd.SensorID, &rd.SegmentID, &vals, &raw, &rd.Timestamp); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(vals), &rd.Values)
		if raw != "" && raw != "null" {
			json.Unmarshal([]byte(raw), &rd.Raw)
		}
		readings = append(readings, &rd)
	}
	return readings, rows.Err()
}

// SaveAlarm stores an alarm. For derived alarms the (reading_id, rule_id)
// unique index rejects duplicates, so a concurrent double-derivation loses
// the race at the database instead of writing twice.
func (r *SQLRepository) SaveAlarm(ctx context.Context, alarm *domain.Alarm) error {
	if alarm == nil || alarm.ID == "" || alarm.SegmentID == "" {
		return fmt.Errorf("%w: alarm id and segment id are required", ErrInvalidInput)
	}
	if alarm.Derived() && (alarm.ReadingID == "" || alarm.RuleID == "") {
		return fmt.Errorf("%w: derived alarm needs reading id and rule id", ErrInvalidInput)
	}

	raw, _ := json.Marshal(alarm.Raw)

	query := `
		INSERT INTO alarms (id, segment_id, sensor_id, reading_id, type, severity, message, source, rule_id, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alarm.ID, alarm.SegmentID, alarm.SensorID, alarm.ReadingID,
		alarm.Type, string(alarm.Severity), alarm.Message,
		string(alarm.Source), alarm.RuleID, string(raw), alarm.CreatedAt,
	)
	return err
}

// ListAlarms retrieves the newest alarms for a segment. With
// includeDerived=false only raw alarms are returned; that is the required
// input filter for every rule evaluation.
func (r *SQLRepository) ListAlarms(ctx context.Context, segmentID string, limit int, includeDerived bool) ([]*domain.Alarm, error) {
	if limit <= 0 {
		limit = domain.AlarmBaseRecent
	}

	query := `
		SELECT id, segment_id, sensor_id, reading_id, type, severity, message, source, rule_id, raw, created_at
		FROM alarms
		WHERE segment_id = ?
	`
	args := []any{segmentID}
	if !includeDerived {
		query += ` AND source = ?`
		args = append(args, string(domain.AlarmSourceRaw))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []*domain.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

// FindDerivedAlarm looks up a derived alarm by its idempotency key.
func (r *SQLRepository) FindDerivedAlarm(ctx context.Context, readingID, ruleID string) (*domain.Alarm, error) {
	if readingID == "" || ruleID == "" {
		return nil, fmt.Errorf("%w: reading id and rule id are required", ErrInvalidInput)
	}

	query := `
		SELECT id, segment_id, sensor_id, reading_id, type, severity, message, source, rule_id, raw, created_at
		FROM alarms
		WHERE source = ? AND reading_id = ? AND rule_id = ?
	`

	a, err := scanAlarm(r.db.QueryRowContext(ctx, r.rebind(query),
		string(domain.AlarmSourceDerived), readingID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// SaveEntity inserts or updates an ontology entity.
func (r *SQLRepository) SaveEntity(ctx context.Context, entity *domain.Entity) error {
	if entity == nil || entity.ID == "" || entity.Label == "" {
		return fmt.Errorf("%w: entity id and label are required", ErrInvalidInput)
	}

	props, _ := json.Marshal(entity.Props)

	query := `
		INSERT INTO entities (id, label, name, props, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			name = excluded.name,
			props = excluded.props,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entity.ID, entity.Label, entity.Name, string(props),
		entity.CreatedAt, entity.UpdatedAt,
	)
	return err
}

// GetEntity retrieves an ontology entity by ID.
func (r *SQLRepository) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	query := `SELECT id, label, name, props, created_at, updated_at FROM entities WHERE id = ?`

	e, err := scanEntity(r.db.QueryRowContext(ctx, r.rebind(query), entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEntities retrieves entities, optionally filtered by label.
func (r *SQLRepository) ListEntities(ctx context.Context, label string) ([]*domain.Entity, error) {
	query := `SELECT id, label, name, props, created_at, updated_at FROM entities`
	args := []any{}
	if label != "" {
		query += ` WHERE label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// DeleteEntity removes an entity and the relations touching it.
func (r *SQLRepository) DeleteEntity(ctx context.Context, entityID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM entities WHERE id = ?`), entityID)
	if err != nil {
		return err
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`DELETE FROM relations WHERE from_id = ? OR to_id = ?`), entityID, entityID)
	return err
}

// SaveRelation stores a relation between two entities.
func (r *SQLRepository) SaveRelation(ctx context.Context, relation *domain.Relation) error {
	if relation == nil || relation.ID == "" || relation.FromID == "" || relation.ToID == "" {
		return fmt.Errorf("%w: relation id, from and to are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO relations (id, type, from_id, to_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			from_id = excluded.from_id,
			to_id = excluded.to_id
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		relation.ID, relation.Type, relation.FromID, relation.ToID, relation.CreatedAt,
	)
	return err
}

// ListRelations retrieves relations filtered by type and/or source entity.
func (r *SQLRepository) ListRelations(ctx context.Context, relType, fromID string) ([]*domain.Relation, error) {
	query := `SELECT id, type, from_id, to_id, created_at FROM relations WHERE 1=1`
	args := []any{}
	if relType != "" {
		query += ` AND type = ?`
		args = append(args, relType)
	}
	if fromID != "" {
		query += ` AND from_id = ?`
		args = append(args, fromID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*domain.Relation
	for rows.Next() {
		var rel domain.Relation
		if err := rows.Scan(&rel.ID, &rel.Type, &rel.FromID, &rel.ToID, &rel.CreatedAt); err != nil {
			return nil, err
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

// DeleteRelation removes a relation.
func (r *SQLRepository) DeleteRelation(ctx context.Context, relationID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM relations WHERE id = ?`), relationID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// SaveRiskEvent stores an evaluation trace.
func (r *SQLRepository) SaveRiskEvent(ctx context.Context, event *domain.RiskEvent) error {
	if event == nil || event.ID == "" || event.SegmentID == "" {
		return fmt.Errorf("%w: event id and segment id are required", ErrInvalidInput)
	}

	evidence, _ := json.Marshal(event.Evidence)
	matched, _ := json.Marshal(event.MatchedRules)

	query := `
		INSERT INTO risk_events (id, segment_id, segment_name, score, state, confidence, explain, mode, matched_rules, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.SegmentID, event.SegmentName,
		event.Score, event.StateLabel, event.Confidence,
		event.Explain, string(event.Mode), string(matched), string(evidence), event.CreatedAt,
	)
	return err
}

// ListRiskEvents retrieves the newest risk events, optionally per segment.
func (r *SQLRepository) ListRiskEvents(ctx context.Context, segmentID string, limit int) ([]*domain.RiskEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, segment_id, segment_name, score, state, confidence, explain, mode, matched_rules, evidence, created_at
		FROM risk_events
	`
	args := []any{}
	if segmentID != "" {
		query += ` WHERE segment_id = ?`
		args = append(args, segmentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.RiskEvent
	for rows.Next() {
		var e domain.RiskEvent
		var mode, matched, evidence string
		if err := rows.Scan(
			&e.ID, &e.SegmentID, &e.SegmentName, &e.Score, &e.StateLabel,
			&e.Confidence, &e.Explain, &mode, &matched, &evidence, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Mode = domain.ReasoningMode(mode)
		if matched != "" {
			json.Unmarshal([]byte(matched), &e.MatchedRules)
		}
		if evidence != "" {
			json.Unmarshal([]byte(evidence), &e.Evidence)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// SaveTask stores a task.
func (r *SQLRepository) SaveTask(ctx context.Context, task *domain.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO tasks (id, title, type, status, segment_id, segment_name, source_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		task.ID, task.Title, task.Type, task.Status,
		task.SegmentID, task.SegmentName, task.SourceEventID,
		task.CreatedAt, task.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID.
func (r *SQLRepository) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `
		SELECT id, title, type, status, segment_id, segment_name, source_event_id, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	var t domain.Task
	err := r.db.QueryRowContext(ctx, r.rebind(query), taskID).Scan(
		&t.ID, &t.Title, &t.Type, &t.Status,
		&t.SegmentID, &t.SegmentName, &t.SourceEventID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks retrieves tasks, optionally filtered by segment.
func (r *SQLRepository) ListTasks(ctx context.Context, segmentID string) ([]*domain.Task, error) {
	query := `
		SELECT id, title, type, status, segment_id, segment_name, source_event_id, created_at, updated_at
		FROM tasks
	`
	args := []any{}
	if segmentID != "" {
		query += ` WHERE segment_id = ?`
		args = append(args, segmentID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(
			&t.ID, &t.Title, &t.Type, &t.Status,
			&t.SegmentID, &t.SegmentName, &t.SourceEventID,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus transitions a task to a new status.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	if !domain.ValidTaskStatus(status) {
		return fmt.Errorf("%w: unknown task status %q", ErrInvalidInput, status)
	}

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), status, time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// AddTaskEvent appends a task timeline entry.
func (r *SQLRepository) AddTaskEvent(ctx context.Context, event *domain.TaskEvent) error {
	if event == nil || event.ID == "" || event.TaskID == "" {
		return fmt.Errorf("%w: event id and task id are required", ErrInvalidInput)
	}

	query := `INSERT INTO task_events (id, task_id, type, message, timestamp) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.TaskID, event.Type, event.Message, event.Timestamp,
	)
	return err
}

// ListTaskEvents retrieves a task's timeline in chronological order.
func (r *SQLRepository) ListTaskEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	query := `
		SELECT id, task_id, type, message, timestamp
		FROM task_events
		WHERE task_id = ?
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// AddEvidence attaches evidence to a task.
func (r *SQLRepository) AddEvidence(ctx context.Context, evidence *domain.Evidence) error {
	if evidence == nil || evidence.ID == "" || evidence.TaskID == "" {
		return fmt.Errorf("%w: evidence id and task id are required", ErrInvalidInput)
	}

	query := `INSERT INTO evidence (id, task_id, type, content, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		evidence.ID, evidence.TaskID, evidence.Type, evidence.Content, evidence.CreatedAt,
	)
	return err
}

// ListEvidence retrieves a task's evidence in chronological order.
func (r *SQLRepository) ListEvidence(ctx context.Context, taskID string) ([]*domain.Evidence, error) {
	query := `
		SELECT id, task_id, type, content, created_at
		FROM evidence
		WHERE task_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Evidence
	for rows.Next() {
		var e domain.Evidence
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeSensing deletes readings, alarms and risk events, keeping segments
// and sensors. With segmentID="" everything is purged.
func (r *SQLRepository) PurgeSensing(ctx context.Context, segmentID string) (int64, error) {
	tables := []string{"readings", "alarms", "risk_events"}

	var total int64
	for _, table := range tables {
		query := `DELETE FROM ` + table
		args := []any{}
		if segmentID != "" {
			query += ` WHERE segment_id = ?`
			args = append(args, segmentID)
		}
		result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
		if err != nil {
			return total, err
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*domain.Segment, error) {
	var seg domain.Segment
	var lat, lon sql.NullFloat64
	var props string

	if err := row.Scan(
		&seg.ID, &seg.Name, &lat, &lon, &seg.OntologyClass,
		&props, &seg.CreatedAt, &seg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lat.Valid {
		seg.Latitude = &lat.Float64
	}
	if lon.Valid {
		seg.Longitude = &lon.Float64
	}
	if props != "" && props != "null" {
		json.Unmarshal([]byte(props), &seg.Props)
	}
	return &seg, nil
}

func scanAlarm(row rowScanner) (*domain.Alarm, error) {
	var a domain.Alarm
	var severity, source, raw string

	if err := row.Scan(
		&a.ID, &a.SegmentID, &a.SensorID, &a.ReadingID,
		&a.Type, &severity, &a.Message, &source, &a.RuleID,
		&raw, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.Source = domain.AlarmSource(source)
	if raw != "" && raw != "null" {
		json.Unmarshal([]byte(raw), &a.Raw)
	}
	return &a, nil
}

func scanEntity(row rowScanner) (*domain.Entity, error) {
	var e domain.Entity
	var props string

	if err := row.Scan(&e.ID, &e.Label, &e.Name, &props, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if props != "" && props != "null" {
		json.Unmarshal([]byte(props), &e.Props)
	}
	return &e, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
