// Package pipeline runs the batch stages generate, load, summary, analysis
// and report in a fixed order, stopping at the first failure.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Stage statuses recorded in domain.StageTiming.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Stage is one step of a run.
type Stage struct {
	Name string
	Skip bool
	Run  func(ctx context.Context, st *State) error
}

// StageError reports the stage that aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Observer receives each stage timing as soon as it is known.
type Observer func(ctx context.Context, timing domain.StageTiming)

// Execute runs stages in order. The first error stops execution and is
// returned as a *StageError; stages after it never start and get no timing.
func Execute(ctx context.Context, stages []Stage, st *State, observe Observer) ([]domain.StageTiming, error) {
	timings := make([]domain.StageTiming, 0, len(stages))
	record := func(t domain.StageTiming) {
		timings = append(timings, t)
		if observe != nil {
			observe(ctx, t)
		}
	}

	for _, stage := range stages {
		started := time.Now()
		if stage.Skip {
			slog.Info("stage skipped", "stage", stage.Name)
			record(domain.StageTiming{Stage: stage.Name, Status: StatusSkipped, StartedAt: started.UTC()})
			continue
		}

		err := ctx.Err()
		if err == nil {
			err = runStage(ctx, stage, st)
		}
		elapsed := time.Since(started)

		timing := domain.StageTiming{
			Stage:      stage.Name,
			Status:     StatusCompleted,
			StartedAt:  started.UTC(),
			DurationMs: elapsed.Milliseconds(),
		}
		if err != nil {
			timing.Status = StatusFailed
			timing.Error = err.Error()
		}
		metrics.ObserveStage(stage.Name, timing.Status, elapsed)
		record(timing)

		if err != nil {
			slog.Error("stage failed", "stage", stage.Name, "duration_ms", timing.DurationMs, "error", err)
			return timings, &StageError{Stage: stage.Name, Err: err}
		}
		slog.Info("stage completed", "stage", stage.Name, "duration_ms", timing.DurationMs)
	}

	return timings, nil
}

func runStage(ctx context.Context, stage Stage, st *State) error {
	ctx, span := tracer.Start(ctx, "stage "+stage.Name,
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage.Name),
			attribute.String("dataset.id", st.DatasetID),
			attribute.String("run.id", st.RunID),
		),
	)
	defer span.End()

	if err := stage.Run(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
