package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    latitude REAL,
    longitude REAL,
    ontology_class TEXT NOT NULL DEFAULT '',
    props TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_class ON segments(ontology_class);
`

const schemaSensors = `
CREATE TABLE IF NOT EXISTS sensors (
    id TEXT PRIMARY KEY,
    segment_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sensors_segment ON sensors(segment_id);
`

const schemaReadings = `
CREATE TABLE IF NOT EXISTS readings (
    id TEXT PRIMARY KEY,
    sensor_id TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    vals TEXT NOT NULL,
    raw TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_segment ON readings(segment_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_readings_sensor ON readings(sensor_id, timestamp);
`

// schemaAlarms carries the derived-alarm idempotency constraint: at most one
// derived alarm per (reading, rule). A partial unique index keeps raw alarms
// out of the constraint (their reading/rule columns are empty).
const schemaAlarms = `
CREATE TABLE IF NOT EXISTS alarms (
    id TEXT PRIMARY KEY,
    segment_id TEXT NOT NULL,
    sensor_id TEXT NOT NULL DEFAULT '',
    reading_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT,
    source TEXT NOT NULL DEFAULT 'raw',
    rule_id TEXT NOT NULL DEFAULT '',
    raw TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alarms_segment ON alarms(segment_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alarms_source ON alarms(segment_id, source);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alarms_derived_key
    ON alarms(reading_id, rule_id) WHERE source = 'derived';
`

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    name TEXT NOT NULL,
    props TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_label ON entities(label);
`

const schemaRelations = `
CREATE TABLE IF NOT EXISTS relations (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(type, from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);
`

const schemaRiskEvents = `
CREATE TABLE IF NOT EXISTS risk_events (
    id TEXT PRIMARY KEY,
    segment_id TEXT NOT NULL,
    segment_name TEXT NOT NULL,
    score REAL NOT NULL,
    state TEXT NOT NULL,
    confidence REAL NOT NULL,
    explain TEXT,
    mode TEXT NOT NULL,
    matched_rules TEXT,
    evidence TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_events_segment ON risk_events(segment_id, created_at);
`

const schemaTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    segment_name TEXT NOT NULL DEFAULT '',
    source_event_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_segment ON tasks(segment_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_events (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    type TEXT NOT NULL,
    message TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp);

CREATE TABLE IF NOT EXISTS evidence (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    type TEXT NOT NULL,
    content TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_task ON evidence(task_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSegments,
		schemaSensors,
		schemaReadings,
		schemaAlarms,
		schemaEntities,
		schemaRelations,
		schemaRiskEvents,
		schemaTasks,
	}
}
