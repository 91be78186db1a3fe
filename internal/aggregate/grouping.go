package aggregate

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dimension names for derived groupings.
const (
	DimDate     = "date"
	DimHour     = "hour"
	DimWeekday  = "weekday"
	DimAgeGroup = "age_group"
)

// KeySeparator joins the parts of a compound key in Values.
const KeySeparator = "|"

// AgeGroups are the demographic bins, in order.
var AgeGroups = []string{"0-20", "21-30", "31-40", "41-50", "51-60", "60+"}

// Weekdays are ordered Monday first.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// dimension extracts one key part from a transaction.
type dimension struct {
	name    string
	key     func(tx *domain.Transaction) string
	levels  []string // declared values, always reported; nil means observed only
	ordered bool     // levels define the sort order instead of lexical order
}

// Grouping maps each transaction to a (possibly compound) group key.
type Grouping struct {
	dims []dimension
}

// Dimensions returns the names of the grouping's key parts.
func (g Grouping) Dimensions() []string {
	names := make([]string, len(g.dims))
	for i, d := range g.dims {
		names[i] = d.name
	}
	return names
}

// String renders the grouping as "a × b".
func (g Grouping) String() string {
	return strings.Join(g.Dimensions(), " × ")
}

func (g Grouping) key(tx *domain.Transaction) []string {
	parts := make([]string, len(g.dims))
	for i, d := range g.dims {
		parts[i] = d.key(tx)
	}
	return parts
}

// ByColumn groups by a categorical column. Every declared category is
// reported, so absent categories show up as undefined groups.
func ByColumn(column string) (Grouping, error) {
	c, ok := domain.LookupColumn(column)
	if !ok {
		return Grouping{}, domain.NewSchemaError(column, "", "unknown column")
	}
	if c.Kind != domain.KindCategorical {
		return Grouping{}, domain.NewSchemaError(column, "", fmt.Sprintf("cannot group by %s column", c.Kind))
	}

	return Grouping{dims: []dimension{{
		name: column,
		key: func(tx *domain.Transaction) string {
			v, _ := tx.Category(column)
			return v
		},
		levels: c.Domain,
	}}}, nil
}

// ByDay groups by calendar date (UTC).
func ByDay() Grouping {
	return Grouping{dims: []dimension{{
		name: DimDate,
		key: func(tx *domain.Transaction) string {
			return DayOf(tx.Date)
		},
	}}}
}

// ByHour groups by hour of day, zero-padded ("00".."23").
func ByHour() Grouping {
	levels := make([]string, 24)
	for h := range levels {
		levels[h] = fmt.Sprintf("%02d", h)
	}
	return Grouping{dims: []dimension{{
		name: DimHour,
		key: func(tx *domain.Transaction) string {
			return fmt.Sprintf("%02d", tx.Date.UTC().Hour())
		},
		levels: levels,
	}}}
}

// ByWeekday groups by day of week, ordered Monday to Sunday.
func ByWeekday() Grouping {
	return Grouping{dims: []dimension{{
		name: DimWeekday,
		key: func(tx *domain.Transaction) string {
			return tx.Date.UTC().Weekday().String()
		},
		levels:  Weekdays,
		ordered: true,
	}}}
}

// ByAgeGroup groups user_age into demographic bins.
func ByAgeGroup() Grouping {
	return Grouping{dims: []dimension{{
		name:    DimAgeGroup,
		key:     func(tx *domain.Transaction) string { return AgeGroup(tx.UserAge) },
		levels:  AgeGroups,
		ordered: true,
	}}}
}

// AgeGroup returns the bin label for an age. Bins are closed on the
// right: 0-20, 21-30, ..., 60+.
func AgeGroup(age int) string {
	switch {
	case age <= 20:
		return AgeGroups[0]
	case age <= 30:
		return AgeGroups[1]
	case age <= 40:
		return AgeGroups[2]
	case age <= 50:
		return AgeGroups[3]
	case age <= 60:
		return AgeGroups[4]
	}
	return AgeGroups[5]
}

// Compound combines groupings into one key, e.g. age_group × user_gender.
func Compound(groupings ...Grouping) Grouping {
	var dims []dimension
	for _, g := range groupings {
		dims = append(dims, g.dims...)
	}
	return Grouping{dims: dims}
}

// Parse builds a grouping from dimension names such as "country" or
// "age_group,user_gender".
func Parse(names string) (Grouping, error) {
	var parts []Grouping
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case DimDate:
			parts = append(parts, ByDay())
		case DimHour:
			parts = append(parts, ByHour())
		case DimWeekday:
			parts = append(parts, ByWeekday())
		case DimAgeGroup:
			parts = append(parts, ByAgeGroup())
		default:
			g, err := ByColumn(name)
			if err != nil {
				return Grouping{}, err
			}
			parts = append(parts, g)
		}
	}
	return Compound(parts...), nil
}

// compareKeys orders keys dimension by dimension. Ordered dimensions sort
// by level position, the rest lexically.
func (g Grouping) compareKeys(a, b []string) int {
	for i, d := range g.dims {
		if d.ordered {
			ia, ib := slices.Index(d.levels, a[i]), slices.Index(d.levels, b[i])
			if ia != ib {
				return ia - ib
			}
			continue
		}
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// declaredKeys enumerates the cross product of declared levels. It
// returns nil when any dimension has no declared levels.
func (g Grouping) declaredKeys() [][]string {
	keys := [][]string{{}}
	for _, d := range g.dims {
		if d.levels == nil {
			return nil
		}
		var next [][]string
		for _, k := range keys {
			for _, level := range d.levels {
				next = append(next, append(slices.Clone(k), level))
			}
		}
		keys = next
	}
	return keys
}

// Measure extracts the averaged value from a transaction.
type Measure struct {
	Name  string
	value func(tx *domain.Transaction) (float64, bool)
}

// MeasureColumn averages a numeric column or the 0/1 rate of a boolean
// column. Null values are excluded.
func MeasureColumn(column string) (Measure, error) {
	c, ok := domain.LookupColumn(column)
	if !ok {
		return Measure{}, domain.NewSchemaError(column, "", "unknown column")
	}
	switch c.Kind {
	case domain.KindNumeric, domain.KindBoolean, domain.KindLabel:
	default:
		return Measure{}, domain.NewSchemaError(column, "", fmt.Sprintf("cannot average %s column", c.Kind))
	}

	return Measure{
		Name: column,
		value: func(tx *domain.Transaction) (float64, bool) {
			return tx.Numeric(column)
		},
	}, nil
}

var (
	FraudRate        = mustMeasure(domain.ColFraudFlag)
	VerificationRate = mustMeasure(domain.ColVerificationSuccess)
	AverageAmount    = mustMeasure(domain.ColTransactionAmount)
	AverageAge       = mustMeasure(domain.ColUserAge)
)

func mustMeasure(column string) Measure {
	m, err := MeasureColumn(column)
	if err != nil {
		panic(err)
	}
	return m
}

// DayOf returns the UTC date key used by ByDay.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
