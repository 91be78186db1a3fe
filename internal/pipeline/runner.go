package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/artifact"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/generator"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/report"
)

// Artifact names written under <dataset>/<run>/.
const (
	ArtifactReportText = "report.txt"
	ArtifactReportJSON = "report.json"
	ArtifactDataset    = "transactions.csv"
)

// State carries data between stages of one run.
type State struct {
	RunID     string
	DatasetID string

	Transactions []*domain.Transaction
	Summary      *aggregate.Summary
	Schema       *features.Schema
	Model        *classifier.Result
	Report       *report.Report
	Artifacts    []*artifact.Object
}

// Plan is the full configuration of one run.
type Plan struct {
	RunID     string
	Pipeline  domain.PipelineConfig
	Generator domain.GeneratorConfig
}

// Runner executes pipeline runs. A Runner holds no per-run state and may
// execute several runs concurrently.
type Runner struct {
	repo  domain.Repository
	store artifact.Store
	bus   domain.EventBus
	now   func() time.Time
}

// NewRunner creates a runner. store and bus may be nil.
func NewRunner(repo domain.Repository, store artifact.Store, bus domain.EventBus) *Runner {
	return &Runner{
		repo:  repo,
		store: store,
		bus:   bus,
		now:   time.Now,
	}
}

// PlanFor applies a run request on top of configured defaults.
func PlanFor(cfg *domain.Config, datasetID string, req domain.RunRequest) Plan {
	p := Plan{
		RunID:     req.RunID,
		Pipeline:  cfg.Pipeline,
		Generator: cfg.Generator,
	}
	if datasetID != "" {
		p.Pipeline.DatasetID = datasetID
	}
	if req.Seed != nil {
		p.Pipeline.Seed = *req.Seed
	}
	if req.NumTrees > 0 {
		p.Pipeline.NumTrees = req.NumTrees
	}
	if req.Records > 0 {
		p.Generator.Records = req.Records
	}
	if req.SkipGenerate {
		p.Pipeline.SkipGenerate = true
	}
	return p
}

// NewRunRecord creates a pending run record for plan.
func NewRunRecord(plan Plan, now time.Time) *domain.PipelineRun {
	return &domain.PipelineRun{
		ID:        plan.RunID,
		DatasetID: plan.Pipeline.DatasetID,
		Status:    domain.RunPending,
		Seed:      plan.Pipeline.Seed,
		NumTrees:  plan.Pipeline.NumTrees,
		CreatedAt: now.UTC(),
	}
}

// attachReport stores rep as JSON on run. A report that cannot be encoded
// is logged and left off the record.
func attachReport(run *domain.PipelineRun, rep *report.Report) {
	data, err := json.Marshal(rep)
	if err != nil {
		slog.Warn("failed to encode run report", "run_id", run.ID, "error", err)
		return
	}
	run.Report = data
}

// Run executes every stage of plan and persists the run record. The
// returned record is complete even when err is a *StageError.
func (r *Runner) Run(ctx context.Context, plan Plan) (*domain.PipelineRun, *State, error) {
	if plan.Pipeline.DatasetID == "" {
		return nil, nil, fmt.Errorf("%w: dataset ID is required", domain.ErrInvalidInput)
	}
	if plan.RunID == "" {
		plan.RunID = uuid.New().String()
	}

	run := NewRunRecord(plan, r.now())
	run.Status = domain.RunRunning
	if err := r.repo.SaveRun(ctx, run.DatasetID, run); err != nil {
		return nil, nil, fmt.Errorf("failed to save run: %w", err)
	}

	slog.Info("pipeline run started",
		"run_id", run.ID,
		"dataset_id", run.DatasetID,
		"seed", plan.Pipeline.Seed,
		"trees", plan.Pipeline.NumTrees,
	)

	st := &State{RunID: run.ID, DatasetID: run.DatasetID}
	start := time.Now()
	timings, runErr := Execute(ctx, r.Stages(plan), st, r.stageObserver(st))

	run.Stages = timings
	run.CompletedAt = r.now().UTC()
	run.Records = len(st.Transactions)
	if st.Model != nil {
		run.Accuracy = st.Model.Report.Accuracy
		if fraud, ok := st.Model.Report.Class(domain.ClassFraud); ok {
			run.FraudF1 = fraud.F1
		}
		run.TopFeatures = st.Model.Top(plan.Pipeline.TopN)
	}
	if st.Report != nil {
		attachReport(run, st.Report)
	}

	run.Status = domain.RunSucceeded
	if runErr != nil {
		run.Status = domain.RunFailed
		run.Error = runErr.Error()
		var stageErr *StageError
		if errors.As(runErr, &stageErr) {
			run.FailedStage = stageErr.Stage
		}
	}
	metrics.ObserveRun(string(run.Status))

	// The run record outlives a cancelled request context.
	saveCtx := context.WithoutCancel(ctx)
	if err := r.repo.SaveRun(saveCtx, run.DatasetID, run); err != nil {
		slog.Error("failed to save run", "run_id", run.ID, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("failed to save run: %w", err)
		}
	}

	slog.Info("pipeline run finished",
		"run_id", run.ID,
		"status", run.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return run, st, runErr
}

// Stages builds the stage list for plan.
func (r *Runner) Stages(plan Plan) []Stage {
	p := plan.Pipeline
	return []Stage{
		{Name: domain.StageGenerate, Skip: p.SkipGenerate, Run: r.generate(plan)},
		{Name: domain.StageLoad, Skip: p.SkipLoad, Run: r.load(p)},
		{Name: domain.StageSummary, Run: r.summarize},
		{Name: domain.StageAnalysis, Run: r.analyze(p)},
		{Name: domain.StageReport, Run: r.report(p)},
	}
}

func (r *Runner) generate(plan Plan) func(context.Context, *State) error {
	return func(ctx context.Context, st *State) error {
		st.Transactions = generator.New(plan.Generator, plan.Pipeline.Seed).Generate()
		slog.Info("dataset generated", "records", len(st.Transactions), "seed", plan.Pipeline.Seed)

		if path := plan.Pipeline.CSVPath; path != "" {
			if err := ingest.WriteFile(path, st.Transactions); err != nil {
				return err
			}
			slog.Info("dataset written", "path", path)
		}

		if r.store != nil {
			var buf bytes.Buffer
			if err := ingest.WriteCSV(&buf, st.Transactions); err != nil {
				return err
			}
			obj, err := r.store.Put(ctx, artifact.RunKey(st.DatasetID, st.RunID, ArtifactDataset), buf.Bytes(), "text/csv")
			if err != nil {
				return fmt.Errorf("failed to store dataset: %w", err)
			}
			st.Artifacts = append(st.Artifacts, obj)
		}
		return nil
	}
}

func (r *Runner) load(p domain.PipelineConfig) func(context.Context, *State) error {
	return func(ctx context.Context, st *State) error {
		txs := st.Transactions
		if txs == nil {
			if p.CSVPath == "" {
				return fmt.Errorf("%w: no generated data and no CSV path to load", domain.ErrInvalidInput)
			}
			var err error
			if txs, err = ingest.ReadFile(p.CSVPath); err != nil {
				return err
			}
		}

		if err := r.repo.SaveTransactions(ctx, st.DatasetID, txs); err != nil {
			return err
		}
		metrics.AddRowsLoaded(len(txs))
		slog.Info("dataset loaded", "dataset_id", st.DatasetID, "rows", len(txs))
		return nil
	}
}

func (r *Runner) summarize(ctx context.Context, st *State) error {
	txs, err := r.repo.ScanTransactions(ctx, st.DatasetID)
	if err != nil {
		return err
	}
	st.Transactions = txs
	st.Summary = aggregate.Summarize(txs)

	for _, g := range st.Summary.LabelDistribution.Defined() {
		slog.Info("label distribution", "label", g.Label(), "share", g.Mean, "rows", g.Rows)
	}
	if st.Summary.FraudRate.Defined {
		slog.Info("dataset summarized",
			"transactions", st.Summary.Transactions,
			"fraud_rate", st.Summary.FraudRate.Mean,
			"verification_rate", st.Summary.VerificationRate.Mean,
		)
	}
	return nil
}

func (r *Runner) analyze(p domain.PipelineConfig) func(context.Context, *State) error {
	return func(ctx context.Context, st *State) error {
		if len(st.Transactions) == 0 {
			return &domain.InsufficientDataError{Reason: "dataset is empty"}
		}

		schema, err := features.Fit(st.Transactions)
		if err != nil {
			return err
		}
		x, err := schema.Encode(st.Transactions)
		if err != nil {
			return err
		}
		y, err := features.Labels(st.Transactions)
		if err != nil {
			return err
		}

		res, err := classifier.Train(ctx, x, y, classifier.ConfigFromPipeline(p))
		if err != nil {
			return err
		}
		st.Schema = schema
		st.Model = res

		metrics.AddTreesTrained(len(res.Forest.Trees))
		metrics.SetAccuracy(res.Report.Accuracy)

		fraud, _ := res.Report.Class(domain.ClassFraud)
		slog.Info("classifier evaluated",
			"features", len(schema.Columns),
			"accuracy", res.Report.Accuracy,
			"fraud_precision", fraud.Precision,
			"fraud_recall", fraud.Recall,
			"fraud_f1", fraud.F1,
		)
		for _, f := range res.Top(p.TopN) {
			slog.Info("feature importance", "rank", f.Rank, "feature", f.Feature, "importance", f.Importance)
		}
		return nil
	}
}

func (r *Runner) report(p domain.PipelineConfig) func(context.Context, *State) error {
	return func(ctx context.Context, st *State) error {
		meta := report.Meta{
			RunID:       st.RunID,
			DatasetID:   st.DatasetID,
			Seed:        p.Seed,
			NumTrees:    p.NumTrees,
			GeneratedAt: r.now().UTC(),
		}
		st.Report = report.Build(meta, st.Summary, st.Model, p.TopN)

		if r.store == nil {
			return nil
		}

		data, err := st.Report.JSON()
		if err != nil {
			return err
		}
		for _, a := range []struct {
			name        string
			data        []byte
			contentType string
		}{
			{ArtifactReportText, []byte(st.Report.Text()), "text/plain; charset=utf-8"},
			{ArtifactReportJSON, data, "application/json"},
		} {
			obj, err := r.store.Put(ctx, artifact.RunKey(st.DatasetID, st.RunID, a.name), a.data, a.contentType)
			if err != nil {
				return fmt.Errorf("failed to store %s: %w", a.name, err)
			}
			st.Artifacts = append(st.Artifacts, obj)
			slog.Info("artifact stored", "name", a.name, "url", obj.URL)
		}
		return nil
	}
}

// stageObserver publishes each stage outcome on TopicRunStage.
func (r *Runner) stageObserver(st *State) Observer {
	return func(ctx context.Context, t domain.StageTiming) {
		if r.bus == nil {
			return
		}
		payload, err := json.Marshal(domain.RunEvent{
			RunID:     st.RunID,
			DatasetID: st.DatasetID,
			Stage:     t.Stage,
			Status:    t.Status,
			Error:     t.Error,
			Timestamp: r.now().UTC(),
		})
		if err != nil {
			return
		}
		if err := r.bus.Publish(ctx, st.DatasetID, domain.TopicRunStage, payload); err != nil {
			slog.Warn("failed to publish stage event", "run_id", st.RunID, "stage", t.Stage, "error", err)
		}
	}
}
