// Package worker provides async re-evaluation of segments from bus events.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/evaluator"
)

// Worker subscribes to ingestion topics and re-evaluates the affected segment
// whenever a new reading or raw alarm arrives.
type Worker struct {
	bus       domain.EventBus
	evaluator *evaluator.Evaluator
	logger    *slog.Logger

	subscriptions []domain.Subscription
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Mode is the reasoning mode used for triggered evaluations.
	Mode domain.ReasoningMode

	// EvaluateTimeout bounds one triggered evaluation. Zero means 30s.
	EvaluateTimeout time.Duration
}

// NewWorker creates an async worker.
func NewWorker(bus domain.EventBus, eval *evaluator.Evaluator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: eval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topics.
func (w *Worker) Start(cfg Config) error {
	mode := cfg.Mode
	if mode == "" {
		mode = domain.ModeAuto
	}
	timeout := cfg.EvaluateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, topic := range []string{domain.TopicReadingIngested, domain.TopicAlarmRaised} {
		sub, err := w.bus.Subscribe(w.ctx, topic, func(ctx context.Context, msg *domain.Message) error {
			return w.handle(ctx, msg, mode, timeout)
		})
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	w.logger.Info("worker started",
		"topics", []string{domain.TopicReadingIngested, domain.TopicAlarmRaised},
		"mode", mode,
	)
	return nil
}

// ingestMessage is the shared payload shape of reading and alarm events:
// only the segment id matters to the worker.
type ingestMessage struct {
	SegmentID string `json:"segmentId"`
}

// handle re-evaluates the segment named in the message. Malformed payloads
// and evaluation failures are logged and dropped, never retried: the next
// ingestion event covers the same ground.
func (w *Worker) handle(ctx context.Context, msg *domain.Message, mode domain.ReasoningMode, timeout time.Duration) error {
	start := time.Now()

	var payload ingestMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.logger.Error("failed to parse ingestion message",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}
	if payload.SegmentID == "" {
		w.logger.Warn("ingestion message without segment id", "message_id", msg.ID, "topic", msg.Topic)
		return nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := w.evaluator.Evaluate(evalCtx, payload.SegmentID, mode)
	if err != nil {
		w.logger.Error("triggered evaluation failed",
			"segment_id", payload.SegmentID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}

	w.logger.Info("segment re-evaluated",
		"segment_id", payload.SegmentID,
		"score", result.Score,
		"state", result.StateLabel,
		"mode", result.Mode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and cancels in-flight work.
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Warn("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil
}
