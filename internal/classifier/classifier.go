// Package classifier trains and evaluates the fraud classifier: a
// stratified seeded split, a bagged ensemble of CART trees, per-class
// metrics and a ranked feature-importance table.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Config controls one training run.
type Config struct {
	TestFraction float64
	Forest       ForestConfig
}

// ConfigFromPipeline maps pipeline settings to a classifier config.
func ConfigFromPipeline(p domain.PipelineConfig) Config {
	return Config{
		TestFraction: p.TestFraction,
		Forest: ForestConfig{
			NumTrees:        p.NumTrees,
			MaxDepth:        p.MaxDepth,
			MinSamplesSplit: p.MinSamplesSplit,
			MaxFeatures:     p.MaxFeatures,
			Workers:         p.Workers,
			Seed:            p.Seed,
		},
	}
}

// Result is the outcome of Train. Predictions and Truth are aligned with
// Split.Test.
type Result struct {
	Forest      *Forest
	Split       Split
	Predictions []bool
	Truth       []bool
	Report      domain.ClassificationReport
	Importances []domain.FeatureImportance
}

// Train splits the rows, fits the forest on the training partition and
// evaluates it on the rest.
func Train(ctx context.Context, x *features.Matrix, labels []bool, cfg Config) (*Result, error) {
	if x.Rows != len(labels) {
		return nil, domain.NewSchemaError(domain.ColFraudFlag, "", fmt.Sprintf("feature matrix has %d rows but %d labels", x.Rows, len(labels)))
	}
	if len(x.Columns) == 0 {
		return nil, domain.NewSchemaError("", "", "feature matrix has no columns")
	}
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		cfg.TestFraction = 0.2
	}

	split, err := StratifiedSplit(labels, cfg.TestFraction, cfg.Forest.Seed)
	if err != nil {
		return nil, err
	}

	trainPos, trainNeg := ClassCounts(labels, split.Train)
	testPos, testNeg := ClassCounts(labels, split.Test)
	slog.Debug("split dataset",
		"train_rows", len(split.Train),
		"test_rows", len(split.Test),
		"train_fraud", trainPos,
		"train_not_fraud", trainNeg,
		"test_fraud", testPos,
		"test_not_fraud", testNeg,
	)

	start := time.Now()
	forest, err := FitForest(ctx, x, labels, split.Train, cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("failed to fit forest: %w", err)
	}
	if forest.Degenerate() {
		slog.Warn("no tree found a split; feature importances are uniform")
	}
	slog.Debug("forest trained", "trees", len(forest.Trees), "duration_ms", time.Since(start).Milliseconds())

	res := &Result{
		Forest:      forest,
		Split:       split,
		Predictions: make([]bool, len(split.Test)),
		Truth:       make([]bool, len(split.Test)),
	}
	for k, i := range split.Test {
		res.Predictions[k] = forest.Predict(x.Row(i))
		res.Truth[k] = labels[i]
	}

	res.Report = Evaluate(res.Truth, res.Predictions)
	res.Importances = Rank(forest.Features, forest.Importances())
	return res, nil
}

// Rank orders features by descending importance. Ties keep column order.
func Rank(names []string, importances []float64) []domain.FeatureImportance {
	out := make([]domain.FeatureImportance, len(names))
	for j, name := range names {
		out[j] = domain.FeatureImportance{Feature: name, Importance: importances[j]}
	}
	slices.SortStableFunc(out, func(a, b domain.FeatureImportance) int {
		switch {
		case a.Importance > b.Importance:
			return -1
		case a.Importance < b.Importance:
			return 1
		}
		return 0
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Top returns the n most important features.
func (r *Result) Top(n int) []domain.FeatureImportance {
	if n <= 0 || n > len(r.Importances) {
		n = len(r.Importances)
	}
	return slices.Clone(r.Importances[:n])
}
