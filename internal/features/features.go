// Package features turns transactions into a numeric feature matrix.
package features

import (
	"fmt"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Column is one output column of the feature matrix.
type Column struct {
	Name     string            `json:"name"`
	Source   string            `json:"source"`
	Kind     domain.ColumnKind `json:"kind"`
	Category string            `json:"category,omitempty"`
}

// Schema is the fitted encoding: the ordered output columns. It is
// computed once over the whole dataset and reused for every split so all
// rows share the same columns in the same order.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Matrix is a dense row-major feature matrix.
type Matrix struct {
	Columns []string
	Rows    int
	Data    []float64
}

// Row returns the feature vector of row i. The slice aliases the matrix.
func (m *Matrix) Row(i int) []float64 {
	n := len(m.Columns)
	return m.Data[i*n : (i+1)*n]
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*len(m.Columns)+j]
}

// Fit builds the schema for the declared transaction columns.
func Fit(txs []*domain.Transaction) (*Schema, error) {
	return FitColumns(txs, domain.TransactionColumns)
}

// FitColumns builds a schema over the given columns. Identifier,
// timestamp and label columns are excluded; numeric and boolean columns
// pass through; categorical columns expand into one indicator per
// observed category. Output order is by source column name, then by
// category value.
func FitColumns(txs []*domain.Transaction, columns []domain.Column) (*Schema, error) {
	sorted := slices.Clone(columns)
	slices.SortFunc(sorted, func(a, b domain.Column) int {
		return strings.Compare(a.Name, b.Name)
	})

	schema := &Schema{}
	for _, c := range sorted {
		declared, ok := domain.LookupColumn(c.Name)
		if !ok {
			return nil, domain.NewSchemaError(c.Name, "", "unexpected column")
		}
		if declared.Kind != c.Kind {
			return nil, domain.NewSchemaError(c.Name, string(c.Kind), fmt.Sprintf("declared as %s", declared.Kind))
		}

		switch c.Kind {
		case domain.KindIdentifier, domain.KindTimestamp, domain.KindLabel:
			continue
		case domain.KindNumeric, domain.KindBoolean:
			schema.Columns = append(schema.Columns, Column{Name: c.Name, Source: c.Name, Kind: c.Kind})
		case domain.KindCategorical:
			categories, err := observedCategories(txs, declared)
			if err != nil {
				return nil, err
			}
			for _, cat := range categories {
				schema.Columns = append(schema.Columns, Column{
					Name:     c.Name + "_" + cat,
					Source:   c.Name,
					Kind:     c.Kind,
					Category: cat,
				})
			}
		default:
			return nil, domain.NewSchemaError(c.Name, string(c.Kind), "unencodable column kind")
		}
	}

	return schema, nil
}

func observedCategories(txs []*domain.Transaction, c domain.Column) ([]string, error) {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		v, _ := tx.Category(c.Name)
		if _, ok := seen[v]; ok {
			continue
		}
		if !slices.Contains(c.Domain, v) {
			return nil, domain.NewSchemaError(c.Name, v, fmt.Sprintf("not in declared domain %v", c.Domain))
		}
		seen[v] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// Names returns the output column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Encode applies the schema to rows. A category the schema has no
// column for, or a null boolean, fails with *domain.SchemaError.
func (s *Schema) Encode(txs []*domain.Transaction) (*Matrix, error) {
	// Categorical sources, with their indicator columns by category.
	indicators := make(map[string]map[string]int)
	var sources []string
	for j, c := range s.Columns {
		if c.Kind != domain.KindCategorical {
			continue
		}
		if indicators[c.Source] == nil {
			indicators[c.Source] = make(map[string]int)
			sources = append(sources, c.Source)
		}
		indicators[c.Source][c.Category] = j
	}

	n := len(s.Columns)
	m := &Matrix{
		Columns: s.Names(),
		Rows:    len(txs),
		Data:    make([]float64, len(txs)*n),
	}

	for i, tx := range txs {
		row := m.Data[i*n : (i+1)*n]

		for j, c := range s.Columns {
			if c.Kind == domain.KindCategorical {
				continue
			}
			v, ok := tx.Numeric(c.Source)
			if !ok {
				return nil, domain.NewSchemaError(c.Source, "", fmt.Sprintf("null value in transaction %d", tx.ID))
			}
			row[j] = v
		}

		for _, source := range sources {
			v, _ := tx.Category(source)
			j, ok := indicators[source][v]
			if !ok {
				return nil, domain.NewSchemaError(source, v, "category not present in fitted schema")
			}
			row[j] = 1
		}
	}

	return m, nil
}

// Labels extracts the fraud label of every row.
func Labels(txs []*domain.Transaction) ([]bool, error) {
	labels := make([]bool, len(txs))
	for i, tx := range txs {
		if tx.FraudFlag == nil {
			return nil, domain.NewSchemaError(domain.ColFraudFlag, "", fmt.Sprintf("null label in transaction %d", tx.ID))
		}
		labels[i] = *tx.FraudFlag
	}
	return labels, nil
}
