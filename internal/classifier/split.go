package classifier

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Split holds row indices of the training and evaluation partitions,
// each in ascending order.
type Split struct {
	Train []int `json:"-"`
	Test  []int `json:"-"`
}

// ClassCounts counts positive and negative labels over the given rows.
func ClassCounts(labels []bool, rows []int) (positive, negative int) {
	for _, i := range rows {
		if labels[i] {
			positive++
		} else {
			negative++
		}
	}
	return positive, negative
}

// StratifiedSplit partitions rows into train and test sets. Each class is
// shuffled with a generator seeded by seed and contributes
// round(n*testFraction) rows to the test set, clamped so both partitions
// receive at least one row of every class. The assignment depends only on
// the label sequence and the seed.
func StratifiedSplit(labels []bool, testFraction float64, seed uint64) (Split, error) {
	var positives, negatives []int
	for i, l := range labels {
		if l {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}

	counts := map[string]int{domain.ClassFraud: len(positives), domain.ClassNotFraud: len(negatives)}
	if len(labels) == 0 {
		return Split{}, &domain.InsufficientDataError{Reason: "dataset is empty", Counts: counts}
	}
	if len(positives) < 2 || len(negatives) < 2 {
		return Split{}, &domain.InsufficientDataError{
			Reason: "each class needs at least 2 rows to appear in both training and evaluation splits",
			Counts: counts,
		}
	}

	rng := rand.New(rand.NewPCG(seed, 0))

	var split Split
	for _, class := range [][]int{negatives, positives} {
		shuffled := slices.Clone(class)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		nTest := int(math.Round(float64(len(shuffled)) * testFraction))
		nTest = max(1, min(nTest, len(shuffled)-1))

		split.Test = append(split.Test, shuffled[:nTest]...)
		split.Train = append(split.Train, shuffled[nTest:]...)
	}

	slices.Sort(split.Train)
	slices.Sort(split.Test)
	return split, nil
}
