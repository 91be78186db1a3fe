// Package worker executes pipeline runs requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes run requests and executes them with a bounded number of
// concurrent runs. Runs of the same dataset are serialized because each
// load replaces the dataset.
type Worker struct {
	bus    domain.EventBus
	runner *pipeline.Runner
	cache  domain.Cache
	cfg    *domain.Config

	sem      chan struct{}
	locks    sync.Map // datasetID -> *sync.Mutex
	validate *validator.Validate

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. cache may be nil.
func NewWorker(bus domain.EventBus, runner *pipeline.Runner, cache domain.Cache, cfg *domain.Config) *Worker {
	concurrency := cfg.Server.WorkerCount
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		runner:   runner,
		cache:    cache,
		cfg:      cfg,
		sem:      make(chan struct{}, concurrency),
		validate: validator.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to run requests of each dataset. Without datasetIDs
// it serves cfg.ServedDatasets.
func (w *Worker) Start(datasetIDs []string) error {
	if len(datasetIDs) == 0 {
		datasetIDs = w.cfg.ServedDatasets()
	}

	for _, datasetID := range datasetIDs {
		sub, err := w.bus.Subscribe(w.ctx, datasetID, domain.TopicRunRequested, w.handleRunRequest)
		if err != nil {
			return fmt.Errorf("failed to subscribe for dataset %s: %w", datasetID, err)
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("worker subscribed", "dataset_id", datasetID, "topic", domain.TopicRunRequested)
	}

	slog.Info("workers started", "dataset_count", len(datasetIDs), "concurrency", cap(w.sem))
	return nil
}

// handleRunRequest validates the request and hands it to a run goroutine.
func (w *Worker) handleRunRequest(ctx context.Context, msg *domain.Message) error {
	var req domain.RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request", "message_id", msg.ID, "error", err)
		return err
	}
	if err := w.validate.Struct(req); err != nil {
		slog.Error("invalid run request", "message_id", msg.ID, "error", err)
		w.publish(ctx, msg.DatasetID, domain.TopicRunFailed, domain.RunEvent{
			RunID:     req.RunID,
			DatasetID: msg.DatasetID,
			Status:    string(domain.RunFailed),
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return err
	}

	plan := pipeline.PlanFor(w.cfg, msg.DatasetID, req)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		select {
		case w.sem <- struct{}{}:
		case <-w.ctx.Done():
			return
		}
		defer func() { <-w.sem }()

		w.execute(plan)
	}()
	return nil
}

// execute runs one plan and publishes the outcome.
func (w *Worker) execute(plan pipeline.Plan) {
	datasetID := plan.Pipeline.DatasetID
	lock, _ := w.locks.LoadOrStore(datasetID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	start := time.Now()
	run, _, err := w.runner.Run(w.ctx, plan)
	if run == nil {
		slog.Error("run could not start", "run_id", plan.RunID, "dataset_id", datasetID, "error", err)
		w.publish(w.ctx, datasetID, domain.TopicRunFailed, domain.RunEvent{
			RunID:     plan.RunID,
			DatasetID: datasetID,
			Status:    string(domain.RunFailed),
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	if w.cache != nil {
		if cerr := w.cache.SetRun(w.ctx, datasetID, run, w.cfg.Cache.ResultTTL); cerr != nil {
			slog.Warn("failed to cache run", "run_id", run.ID, "error", cerr)
		}
	}

	event := domain.RunEvent{
		RunID:     run.ID,
		DatasetID: datasetID,
		Stage:     run.FailedStage,
		Status:    string(run.Status),
		Error:     run.Error,
		Timestamp: time.Now().UTC(),
	}
	topic := domain.TopicRunCompleted
	if err != nil {
		topic = domain.TopicRunFailed
	}
	w.publish(w.ctx, datasetID, topic, event)

	slog.Info("run processed",
		"run_id", run.ID,
		"dataset_id", datasetID,
		"status", run.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) publish(ctx context.Context, datasetID, topic string, event domain.RunEvent) {
	if datasetID == "" {
		return
	}
	payload, _ := json.Marshal(event)
	if err := w.bus.Publish(context.WithoutCancel(ctx), datasetID, topic, payload); err != nil {
		slog.Error("failed to publish run event", "run_id", event.RunID, "topic", topic, "error", err)
	}
}

// Stop unsubscribes, cancels in-flight runs and waits for them to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats describes the worker.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Concurrency       int      `json:"concurrency"`
	ActiveRuns        int      `json:"activeRuns"`
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
		Concurrency:       cap(w.sem),
		ActiveRuns:        len(w.sem),
	}
}
