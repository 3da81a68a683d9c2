// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/narrative"
	"github.com/opensource-finance/sarflow/internal/pipeline"
)

// Worker consumes queued alerts from the EventBus and, when given a text
// generator, answers remote generation requests.
type Worker struct {
	bus       domain.EventBus
	pipeline  *pipeline.Pipeline
	generator domain.TextGenerator

	// mu guards subscriptions and stopped. In-flight handlers are added to
	// wg under mu so Stop never waits on a counter that can still grow.
	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// ErrStopped is returned for messages delivered after Stop.
var ErrStopped = errors.New("worker stopped")

// Config holds worker configuration.
type Config struct {
	// ProcessAlerts subscribes to queued alerts.
	ProcessAlerts bool

	// ServeGeneration answers generation requests with the worker's generator.
	ServeGeneration bool
}

// NewWorker creates a new async worker. generator may be nil when the
// worker does not serve generation.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline, generator domain.TextGenerator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		pipeline:  p,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the configured handlers.
func (w *Worker) Start(cfg Config) error {
	if cfg.ProcessAlerts {
		if w.pipeline == nil {
			return fmt.Errorf("alert processing requires a pipeline")
		}
		if err := w.subscribe(domain.TopicAlertIngested, w.processAlert); err != nil {
			return err
		}
	}

	if cfg.ServeGeneration {
		if w.generator == nil {
			return fmt.Errorf("serving generation requires a generator")
		}
		if err := w.subscribe(domain.TopicNarrativeGenerate, w.serveGeneration); err != nil {
			return err
		}
	}

	slog.Info("workers started",
		"process_alerts", cfg.ProcessAlerts,
		"serve_generation", cfg.ServeGeneration,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, w.track(handler))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker subscribed", "topic", topic)
	return nil
}

// track wraps handler so Stop waits for it. Messages arriving after Stop are
// refused with ErrStopped.
func (w *Worker) track(handler domain.MessageHandler) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return ErrStopped
		}
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		return handler(ctx, msg)
	}
}

// processAlert runs a queued alert and publishes the outcome to
// TopicCaseDrafted or TopicCaseFailed.
func (w *Worker) processAlert(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var alertMsg domain.AlertMessage
	if err := json.Unmarshal(msg.Payload, &alertMsg); err != nil {
		slog.Error("failed to parse alert message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if alertMsg.Alert == nil {
		alertMsg.Alert = &domain.Alert{}
	}

	requestID := alertMsg.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	event := domain.CaseEvent{RequestID: requestID}
	topic := domain.TopicCaseDrafted

	c, err := w.pipeline.Run(ctx, alertMsg.Alert)
	if err != nil {
		topic = domain.TopicCaseFailed
		event.Error = err.Error()
		var se *pipeline.StageError
		if errors.As(err, &se) {
			event.CaseID = se.CaseID
		}
		slog.Warn("queued alert failed",
			"request_id", requestID,
			"case_id", event.CaseID,
			"error", err,
		)
	} else {
		event.CaseID = c.ID
		event.Status = c.Status
		event.RiskScore = c.RiskScore()
		event.RiskLevel = c.RiskLevel()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode case event: %w", err)
	}
	if err := w.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish case event",
			"request_id", requestID,
			"topic", topic,
			"error", err,
		)
	}

	slog.Info("alert processed",
		"request_id", requestID,
		"case_id", event.CaseID,
		"status", event.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// serveGeneration answers a narrative.GenerationRequest. Provider errors are
// sent back in the reply so the caller can fall back.
func (w *Worker) serveGeneration(ctx context.Context, msg *domain.Message) error {
	var reply narrative.GenerationReply

	var req narrative.GenerationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		reply.Error = "invalid generation request: " + err.Error()
	} else if gen, err := w.generator.Generate(ctx, req.Prompt); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Generation = gen
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode generation reply: %w", err)
	}
	if err := w.bus.Respond(ctx, msg, payload); err != nil {
		slog.Error("failed to send generation reply",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
