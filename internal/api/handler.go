package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/evaluator"
	"github.com/opensource-utility/kestrel/internal/ontology"
	"github.com/opensource-utility/kestrel/internal/repository"
	"github.com/opensource-utility/kestrel/internal/rules"
	"github.com/opensource-utility/kestrel/internal/tasks"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	evaluator  *evaluator.Evaluator
	tasks      *tasks.Service
	ruleSource domain.RuleSource
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, eval *evaluator.Evaluator, taskSvc *tasks.Service, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		evaluator:  eval,
		tasks:      taskSvc,
		ruleSource: ontology.NewSource(repo),
		version:    version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// SEGMENT HANDLERS
// ============================================================================

// CreateSegment handles POST /segments. Saving an existing id updates it.
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var seg domain.Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if seg.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}
	seg.UpdatedAt = now

	if err := h.repo.SaveSegment(r.Context(), &seg); err != nil {
		slog.Error("failed to save segment", "id", seg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save segment")
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

// ListSegments handles GET /segments.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.repo.ListSegments(r.Context())
	if err != nil {
		slog.Error("failed to list segments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list segments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"segments": segments,
		"count":    len(segments),
	})
}

// GetSegment handles GET /segments/{id}.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.repo.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStorageError(w, err, "segment")
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// DeleteSegment handles DELETE /segments/{id}.
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteSegment(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStorageError(w, err, "segment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "segment deleted"})
}

// ============================================================================
// SENSOR AND READING HANDLERS
// ============================================================================

// CreateSensor handles POST /segments/{id}/sensors.
func (h *Handler) CreateSensor(w http.ResponseWriter, r *http.Request) {
	var sensor domain.Sensor
	if err := json.NewDecoder(r.Body).Decode(&sensor); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	sensor.SegmentID = chi.URLParam(r, "id")
	if sensor.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if sensor.ID == "" {
		sensor.ID = uuid.New().String()
	}
	if sensor.CreatedAt.IsZero() {
		sensor.CreatedAt = time.Now().UTC()
	}

	if _, err := h.repo.GetSegment(r.Context(), sensor.SegmentID); err != nil {
		writeStorageError(w, err, "segment")
		return
	}
	if err := h.repo.SaveSensor(r.Context(), &sensor); err != nil {
		slog.Error("failed to save sensor", "id", sensor.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save sensor")
		return
	}
	writeJSON(w, http.StatusCreated, sensor)
}

// ListSensors handles GET /segments/{id}/sensors.
func (h *Handler) ListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := h.repo.ListSensors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("failed to list sensors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sensors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

// DeleteSensor handles DELETE /sensors/{id}.
func (h *Handler) DeleteSensor(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteSensor(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStorageError(w, err, "sensor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "sensor deleted"})
}

// ingestNotice is the bus payload published on ingestion. The worker only
// needs the segment id; the record id lets consumers fetch details.
type ingestNotice struct {
	SegmentID string `json:"segmentId"`
	RecordID  string `json:"recordId"`
}

// IngestReading handles POST /segments/{id}/readings.
func (h *Handler) IngestReading(w http.ResponseWriter, r *http.Request) {
	var reading domain.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	reading.SegmentID = chi.URLParam(r, "id")
	if len(reading.Values) == 0 && len(reading.Raw) == 0 {
		writeError(w, http.StatusBadRequest, "values or raw is required")
		return
	}
	if reading.ID == "" {
		reading.ID = uuid.New().String()
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	if _, err := h.repo.GetSegment(r.Context(), reading.SegmentID); err != nil {
		writeStorageError(w, err, "segment")
		return
	}
	if err := h.repo.SaveReading(r.Context(), &reading); err != nil {
		slog.Error("failed to save reading", "id", reading.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save reading")
		return
	}

	h.publish(r.Context(), domain.TopicReadingIngested, ingestNotice{
		SegmentID: reading.SegmentID,
		RecordID:  reading.ID,
	})
	writeJSON(w, http.StatusCreated, reading)
}

// ListReadings handles GET /segments/{id}/readings.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	readings, err := h.repo.ListReadings(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		slog.Error("failed to list readings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readings": readings,
		"count":    len(readings),
	})
}

// RaiseAlarm handles POST /segments/{id}/alarms. Ingested alarms are always
// raw; derived alarms are created only by the evaluation pipeline.
func (h *Handler) RaiseAlarm(w http.ResponseWriter, r *http.Request) {
	var alarm domain.Alarm
	if err := json.NewDecoder(r.Body).Decode(&alarm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	alarm.SegmentID = chi.URLParam(r, "id")
	if alarm.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	alarm.Source = domain.AlarmSourceRaw
	alarm.RuleID = ""
	alarm.ReadingID = ""
	alarm.Severity = domain.ParseSeverity(string(alarm.Severity))
	if alarm.ID == "" {
		alarm.ID = uuid.New().String()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}

	if _, err := h.repo.GetSegment(r.Context(), alarm.SegmentID); err != nil {
		writeStorageError(w, err, "segment")
		return
	}
	if err := h.repo.SaveAlarm(r.Context(), &alarm); err != nil {
		slog.Error("failed to save alarm", "id", alarm.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save alarm")
		return
	}

	h.publish(r.Context(), domain.TopicAlarmRaised, ingestNotice{
		SegmentID: alarm.SegmentID,
		RecordID:  alarm.ID,
	})
	writeJSON(w, http.StatusCreated, alarm)
}

// ListAlarms handles GET /segments/{id}/alarms.
func (h *Handler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	includeDerived := r.URL.Query().Get("includeDerived") == "true"

	alarms, err := h.repo.ListAlarms(r.Context(), chi.URLParam(r, "id"), limit, includeDerived)
	if err != nil {
		slog.Error("failed to list alarms", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alarms")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alarms": alarms,
		"count":  len(alarms),
	})
}

// PurgeSensing handles POST /admin/purge. Removes readings, alarms and risk
// events while keeping the topology and ontology.
func (h *Handler) PurgeSensing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SegmentID string `json:"segmentId"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	purged, err := h.repo.PurgeSensing(r.Context(), req.SegmentID)
	if err != nil {
		slog.Error("failed to purge sensing data", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge sensing data")
		return
	}

	slog.Info("sensing data purged", "segment_id", req.SegmentID, "rows", purged)
	writeJSON(w, http.StatusOK, map[string]any{
		"purged": purged,
	})
}

// ============================================================================
// ONTOLOGY HANDLERS
// ============================================================================

// CreateEntity handles POST /ontology/entities.
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var entity domain.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if entity.Label == "" || entity.Name == "" {
		writeError(w, http.StatusBadRequest, "label and name are required")
		return
	}
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	if err := h.repo.SaveEntity(r.Context(), &entity); err != nil {
		slog.Error("failed to save entity", "id", entity.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save entity")
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

// ListEntities handles GET /ontology/entities.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.repo.ListEntities(r.Context(), r.URL.Query().Get("label"))
	if err != nil {
		slog.Error("failed to list entities", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"count":    len(entities),
	})
}

// GetEntity handles GET /ontology/entities/{id}.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.repo.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStorageError(w, err, "entity")
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// DeleteEntity handles DELETE /ontology/entities/{id}. Relations touching the
// entity are removed with it.
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteEntity(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStorageError(w, err, "entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "entity deleted"})
}

// CreateRelation handles POST /ontology/relations.
func (h *Handler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	var relation domain.Relation
	if err := json.NewDecoder(r.Body).Decode(&relation); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if relation.Type == "" || relation.FromID == "" || relation.ToID == "" {
		writeError(w, http.StatusBadRequest, "type, fromId and toId are required")
		return
	}
	if relation.ID == "" {
		relation.ID = uuid.New().String()
	}
	if relation.CreatedAt.IsZero() {
		relation.CreatedAt = time.Now().UTC()
	}

	if err := h.repo.SaveRelation(r.Context(), &relation); err != nil {
		slog.Error("failed to save relation", "id", relation.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save relation")
		return
	}
	writeJSON(w, http.StatusCreated, relation)
}

// ListRelations handles GET /ontology/relations.
func (h *Handler) ListRelations(w http.ResponseWriter, r *http.Request) {
	relations, err := h.repo.ListRelations(r.Context(), r.URL.Query().Get("type"), r.URL.Query().Get("fromId"))
	if err != nil {
		slog.Error("failed to list relations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list relations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relations": relations,
		"count":     len(relations),
	})
}

// DeleteRelation handles DELETE /ontology/relations/{id}.
func (h *Handler) DeleteRelation(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteRelation(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStorageError(w, err, "relation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "relation deleted"})
}

// ListRules handles GET /rules?class=. Rules are projected from ontology
// entities at request time, so there is nothing to reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")
	if class == "" {
		writeError(w, http.StatusBadRequest, "class is required")
		return
	}

	ruleList, err := h.ruleSource.RulesForClass(class)
	if err != nil {
		slog.Error("failed to load rules", "class", class, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  ruleList,
		"count":  len(ruleList),
		"source": "ontology",
	})
}

// ValidateRule handles POST /rules/validate. Checks a rule's shape and, for
// expression rules, compiles the CEL expression without caching it.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// ============================================================================
// RISK HANDLERS
// ============================================================================

// EvaluateRequest is the request body for POST /risk/evaluate.
type EvaluateRequest struct {
	SegmentID string `json:"segmentId"`
	Mode      string `json:"mode,omitempty"`
}

// Evaluate handles POST /risk/evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.SegmentID == "" {
		writeError(w, http.StatusBadRequest, "segmentId is required")
		return
	}

	result, err := h.evaluator.Evaluate(r.Context(), req.SegmentID, domain.ParseReasoningMode(req.Mode))
	if err != nil {
		switch {
		case errors.Is(err, evaluator.ErrLLMDisabled):
			writeError(w, http.StatusBadRequest, "llm reasoning is not configured")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "segment not found")
		default:
			slog.Error("evaluation failed", "segment_id", req.SegmentID, "error", err)
			writeError(w, http.StatusInternalServerError, "evaluation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TopN handles GET /risk/topn.
func (h *Handler) TopN(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	includeEmpty := r.URL.Query().Get("includeEmpty") == "true"
	mode := domain.ParseReasoningMode(r.URL.Query().Get("mode"))

	ranked, err := h.evaluator.TopN(r.Context(), limit, includeEmpty, mode)
	if err != nil {
		if errors.Is(err, evaluator.ErrLLMDisabled) {
			writeError(w, http.StatusBadRequest, "llm reasoning is not configured")
			return
		}
		slog.Error("ranking failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ranking failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"segments": ranked,
		"count":    len(ranked),
	})
}

// ListRiskEvents handles GET /risk/events.
func (h *Handler) ListRiskEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.repo.ListRiskEvents(r.Context(), r.URL.Query().Get("segmentId"), limit)
	if err != nil {
		slog.Error("failed to list risk events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list risk events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ============================================================================
// TASK HANDLERS
// ============================================================================

// ListTasks handles GET /tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	taskList, err := h.repo.ListTasks(r.Context(), r.URL.Query().Get("segmentId"))
	if err != nil {
		slog.Error("failed to list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": taskList,
		"count": len(taskList),
	})
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStorageError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TransitionRequest is the request body for POST /tasks/{id}/status.
type TransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// TransitionTask handles POST /tasks/{id}/status.
func (h *Handler) TransitionTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if !domain.ValidTaskStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid task status")
		return
	}

	if err := h.tasks.Transition(r.Context(), taskID, req.Status, req.Note); err != nil {
		writeStorageError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     taskID,
		"status": req.Status,
	})
}

// EvidenceRequest is the request body for POST /tasks/{id}/evidence.
type EvidenceRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AttachEvidence handles POST /tasks/{id}/evidence.
func (h *Handler) AttachEvidence(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req EvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	evidenceID, err := h.tasks.AttachEvidence(r.Context(), taskID, req.Type, req.Content)
	if err != nil {
		writeStorageError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     evidenceID,
		"taskId": taskID,
	})
}

// GetTimeline handles GET /tasks/{id}/timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.tasks.GetTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStorageError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// ============================================================================
// HELPERS
// ============================================================================

// publish marshals and fires a bus event. Ingestion never fails because the
// bus is down; subscribers catch up from storage.
func (h *Handler) publish(ctx context.Context, topic string, v any) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStorageError maps repository errors onto HTTP status codes.
func writeStorageError(w http.ResponseWriter, err error, noun string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, noun+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("storage operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage operation failed")
	}
}
