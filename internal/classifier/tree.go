package classifier

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"github.com/opensource-finance/kestrel/internal/features"
)

// node is one tree node. Leaves have feature == -1.
type node struct {
	feature   int
	threshold float64
	left      int
	right     int
	positive  float64 // fraction of positive samples reaching the node
}

// Tree is a fitted CART classification tree.
type Tree struct {
	nodes []node
}

// Predict returns the positive-class probability for a feature vector.
func (t *Tree) Predict(row []float64) float64 {
	i := 0
	for {
		n := &t.nodes[i]
		if n.feature < 0 {
			return n.positive
		}
		if row[n.feature] <= n.threshold {
			i = n.left
		} else {
			i = n.right
		}
	}
}

// NodeCount returns the number of nodes in the tree.
func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

type treeParams struct {
	maxDepth    int // 0 = unlimited
	minSplit    int
	maxFeatures int
}

type sample struct {
	value float64
	label bool
}

// treeBuilder grows one tree on a bootstrap sample using Gini impurity.
type treeBuilder struct {
	x      *features.Matrix
	y      []bool
	rng    *rand.Rand
	params treeParams

	nodes      []node
	importance []float64
	scratch    []sample
}

func growTree(x *features.Matrix, y []bool, rows []int, params treeParams, rng *rand.Rand) (*Tree, []float64) {
	b := &treeBuilder{
		x:          x,
		y:          y,
		rng:        rng,
		params:     params,
		importance: make([]float64, len(x.Columns)),
		scratch:    make([]sample, len(rows)),
	}
	b.grow(rows, 0)
	return &Tree{nodes: b.nodes}, b.importance
}

func gini(positive, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(positive) / float64(n)
	return 1 - p*p - (1-p)*(1-p)
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	positive := 0
	for _, r := range rows {
		if b.y[r] {
			positive++
		}
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, node{
		feature:  -1,
		positive: float64(positive) / float64(len(rows)),
	})

	n := len(rows)
	if positive == 0 || positive == n || n < b.params.minSplit ||
		(b.params.maxDepth > 0 && depth >= b.params.maxDepth) {
		return idx
	}

	feature, threshold, childImpurity, ok := b.bestSplit(rows, positive)
	if !ok {
		return idx
	}

	// Partition rows in place: left holds values <= threshold.
	lo, hi := 0, n-1
	for lo <= hi {
		if b.x.At(rows[lo], feature) <= threshold {
			lo++
		} else {
			rows[lo], rows[hi] = rows[hi], rows[lo]
			hi--
		}
	}

	b.importance[feature] += float64(n)*gini(positive, n) - childImpurity

	left := b.grow(rows[:lo], depth+1)
	right := b.grow(rows[lo:], depth+1)

	b.nodes[idx].feature = feature
	b.nodes[idx].threshold = threshold
	b.nodes[idx].left = left
	b.nodes[idx].right = right
	return idx
}

// bestSplit searches a random subset of features for the split with the
// lowest weighted child impurity. The search continues past maxFeatures
// until at least one valid split is found. childImpurity is weighted by
// sample count.
func (b *treeBuilder) bestSplit(rows []int, positive int) (feature int, threshold, childImpurity float64, ok bool) {
	n := len(rows)
	order := b.rng.Perm(len(b.x.Columns))
	buf := b.scratch[:n]

	visited := 0
	for _, f := range order {
		if visited >= b.params.maxFeatures && ok {
			break
		}

		for i, r := range rows {
			buf[i] = sample{value: b.x.At(r, f), label: b.y[r]}
		}
		slices.SortFunc(buf, func(a, c sample) int { return cmp.Compare(a.value, c.value) })

		if buf[0].value == buf[n-1].value {
			continue // constant in this node
		}
		visited++

		leftPos := 0
		for k := 0; k < n-1; k++ {
			if buf[k].label {
				leftPos++
			}
			if buf[k].value == buf[k+1].value {
				continue
			}

			nl, nr := k+1, n-k-1
			impurity := float64(nl)*gini(leftPos, nl) + float64(nr)*gini(positive-leftPos, nr)
			if !ok || impurity < childImpurity {
				feature = f
				childImpurity = impurity
				threshold = buf[k].value + (buf[k+1].value-buf[k].value)/2
				if threshold >= buf[k+1].value {
					threshold = buf[k].value
				}
				ok = true
			}
		}
	}
	return feature, threshold, childImpurity, ok
}
