// Package aggregate computes grouped means, rates and counts over
// transactions. Every function is pure: the input rows are never modified
// and repeated calls return equal results.
package aggregate

import (
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Group is one key of an aggregation result.
type Group struct {
	Key []string `json:"key"`

	// Rows counts every transaction in the group; Count only those with a
	// non-null measured value.
	Rows  int     `json:"rows"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`

	// Defined is false when the group has no non-null measured values.
	Defined bool `json:"defined"`
}

// Label joins the key parts with KeySeparator.
func (g Group) Label() string {
	return strings.Join(g.Key, KeySeparator)
}

// Result is an ordered aggregation output.
type Result struct {
	Dimensions []string `json:"dimensions"`
	Measure    string   `json:"measure,omitempty"`
	Groups     []Group  `json:"groups"`
}

// Mean computes the mean of m per group of g. Groups come back in key
// order and include every declared level of g.
func Mean(txs []*domain.Transaction, g Grouping, m Measure) *Result {
	res := collect(txs, g, m.value)
	res.Measure = m.Name
	return res
}

// Count counts transactions per group. Every group with rows is defined
// and its Mean is left at zero.
func Count(txs []*domain.Transaction, g Grouping) *Result {
	return collect(txs, g, nil)
}

// Overall computes the measure over all rows as a single group with an
// empty key.
func Overall(txs []*domain.Transaction, m Measure) Group {
	res := Mean(txs, Grouping{}, m)
	if len(res.Groups) == 0 {
		return Group{}
	}
	return res.Groups[0]
}

func collect(txs []*domain.Transaction, g Grouping, value func(*domain.Transaction) (float64, bool)) *Result {
	index := make(map[string]int)
	var groups []Group

	add := func(key []string) int {
		label := strings.Join(key, KeySeparator)
		if i, ok := index[label]; ok {
			return i
		}
		index[label] = len(groups)
		groups = append(groups, Group{Key: key})
		return len(groups) - 1
	}

	for _, key := range g.declaredKeys() {
		add(key)
	}

	for _, tx := range txs {
		i := add(g.key(tx))
		groups[i].Rows++
		if value == nil {
			groups[i].Count++
			continue
		}
		if v, ok := value(tx); ok {
			groups[i].Count++
			groups[i].Sum += v
		}
	}

	for i := range groups {
		if groups[i].Count > 0 {
			groups[i].Defined = true
			if value != nil {
				groups[i].Mean = groups[i].Sum / float64(groups[i].Count)
			}
		}
	}

	slices.SortStableFunc(groups, func(a, b Group) int {
		return g.compareKeys(a.Key, b.Key)
	})

	return &Result{
		Dimensions: g.Dimensions(),
		Groups:     groups,
	}
}

// Lookup returns the group with the given key parts.
func (r *Result) Lookup(key ...string) (Group, bool) {
	for _, g := range r.Groups {
		if slices.Equal(g.Key, key) {
			return g, true
		}
	}
	return Group{}, false
}

// Value returns the mean of a defined group.
func (r *Result) Value(key ...string) (float64, bool) {
	g, ok := r.Lookup(key...)
	if !ok || !g.Defined {
		return 0, false
	}
	return g.Mean, true
}

// Values maps each defined group label to its mean. Undefined groups are
// omitted.
func (r *Result) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, g := range r.Groups {
		if g.Defined {
			out[g.Label()] = g.Mean
		}
	}
	return out
}

// Defined returns the defined groups in key order.
func (r *Result) Defined() []Group {
	var out []Group
	for _, g := range r.Groups {
		if g.Defined {
			out = append(out, g)
		}
	}
	return out
}

// Max returns the defined group with the highest mean. Ties go to the
// group that comes first in key order.
func (r *Result) Max() (Group, bool) {
	return r.pick(func(candidate, best float64) bool { return candidate > best })
}

// Min returns the defined group with the lowest mean. Ties go to the
// group that comes first in key order.
func (r *Result) Min() (Group, bool) {
	return r.pick(func(candidate, best float64) bool { return candidate < best })
}

func (r *Result) pick(better func(candidate, best float64) bool) (Group, bool) {
	var best Group
	found := false
	for _, g := range r.Groups {
		if !g.Defined {
			continue
		}
		if !found || better(g.Mean, best.Mean) {
			best = g
			found = true
		}
	}
	return best, found
}

// TopByRows returns up to n groups with the most rows. Ties keep key order.
func (r *Result) TopByRows(n int) []Group {
	groups := slices.Clone(r.Groups)
	slices.SortStableFunc(groups, func(a, b Group) int {
		return b.Rows - a.Rows
	})
	if n < len(groups) {
		groups = groups[:n]
	}
	var out []Group
	for _, g := range groups {
		if g.Rows > 0 {
			out = append(out, g)
		}
	}
	return out
}
