package classifier

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/opensource-finance/kestrel/internal/features"
	"gonum.org/v1/gonum/floats"
)

// ForestConfig controls ensemble training.
type ForestConfig struct {
	NumTrees        int
	MaxDepth        int // 0 = unlimited
	MinSamplesSplit int
	MaxFeatures     int // 0 = floor(sqrt(features))
	Workers         int // 0 = GOMAXPROCS
	Seed            uint64
}

// Forest is a bagged ensemble of CART trees.
type Forest struct {
	Trees      []*Tree
	Features   []string
	importance []float64
	degenerate bool
}

// FitForest trains NumTrees trees, each on a bootstrap sample of rows.
// Tree i draws from its own generator seeded by (Seed, i+1), so the
// ensemble is identical for any worker count.
func FitForest(ctx context.Context, x *features.Matrix, y []bool, rows []int, cfg ForestConfig) (*Forest, error) {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = max(1, int(math.Sqrt(float64(len(x.Columns)))))
	}
	cfg.MaxFeatures = min(cfg.MaxFeatures, len(x.Columns))

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	params := treeParams{
		maxDepth:    cfg.MaxDepth,
		minSplit:    cfg.MinSamplesSplit,
		maxFeatures: cfg.MaxFeatures,
	}

	trees := make([]*Tree, cfg.NumTrees)
	importances := make([][]float64, cfg.NumTrees)
	errs := make([]error, cfg.NumTrees)

	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, workers)

	for i := 0; i < cfg.NumTrees; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}

			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(idx)+1))
			bootstrap := make([]int, len(rows))
			for k := range bootstrap {
				bootstrap[k] = rows[rng.IntN(len(rows))]
			}

			trees[idx], importances[idx] = growTree(x, y, bootstrap, params, rng)
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	f := &Forest{
		Trees:    trees,
		Features: x.Columns,
	}
	f.importance, f.degenerate = averageImportances(importances, len(x.Columns))
	return f, nil
}

// averageImportances normalizes each tree's impurity decreases, averages
// them over trees that split at least once, and renormalizes to sum to 1.
// When no tree split, every feature gets an equal share and degenerate is
// true.
func averageImportances(perTree [][]float64, n int) (out []float64, degenerate bool) {
	out = make([]float64, n)
	if n == 0 {
		return out, true
	}

	used := 0
	for _, imp := range perTree {
		total := floats.Sum(imp)
		if total <= 0 {
			continue
		}
		for j, v := range imp {
			out[j] += v / total
		}
		used++
	}

	total := floats.Sum(out)
	if used == 0 || total <= 0 {
		for j := range out {
			out[j] = 1 / float64(n)
		}
		return out, true
	}

	floats.Scale(1/total, out)
	return out, false
}

// PredictProba returns the mean positive-class probability over all trees.
func (f *Forest) PredictProba(row []float64) float64 {
	var sum float64
	for _, t := range f.Trees {
		sum += t.Predict(row)
	}
	return sum / float64(len(f.Trees))
}

// Predict labels a row positive when the mean probability exceeds 0.5.
func (f *Forest) Predict(row []float64) bool {
	return f.PredictProba(row) > 0.5
}

// Importances returns the normalized mean decrease in impurity per
// feature, aligned with Features.
func (f *Forest) Importances() []float64 {
	out := make([]float64, len(f.importance))
	copy(out, f.importance)
	return out
}

// Degenerate reports whether no tree found a split, in which case
// importances are uniform.
func (f *Forest) Degenerate() bool {
	return f.degenerate
}
