// Package report turns a dataset summary and a trained classifier into a
// structured report with text and JSON renderings.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Title heads every report.
const Title = "African E-commerce Fraud and Verification Report"

// Meta identifies the run a report belongs to.
type Meta struct {
	RunID       string    `json:"runId"`
	DatasetID   string    `json:"datasetId"`
	Seed        uint64    `json:"seed"`
	NumTrees    int       `json:"numTrees"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Point is one defined group of a series.
type Point struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Rows  int     `json:"rows"`
}

// Series is chart-ready data for external plotting.
type Series struct {
	Name       string   `json:"name"`
	Dimensions []string `json:"dimensions"`
	Measure    string   `json:"measure"`
	Points     []Point  `json:"points"`
}

// Section is one titled block of narrative and data.
type Section struct {
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
	Series     []Series `json:"series,omitempty"`
}

// Model describes the trained classifier.
type Model struct {
	TrainRows   int                         `json:"trainRows"`
	TestRows    int                         `json:"testRows"`
	Trees       int                         `json:"trees"`
	Degenerate  bool                        `json:"degenerate"`
	Evaluation  domain.ClassificationReport `json:"evaluation"`
	TopFeatures []domain.FeatureImportance  `json:"topFeatures"`
}

// Report is the full run report.
type Report struct {
	Title           string    `json:"title"`
	Meta            Meta      `json:"meta"`
	Sections        []Section `json:"sections"`
	Model           *Model    `json:"model,omitempty"`
	Conclusions     []string  `json:"conclusions"`
	Recommendations []string  `json:"recommendations"`
}

var conclusions = []string{
	"Fraud is a significant issue, with some countries showing higher rates than others.",
	"Verification methods vary in effectiveness and might need improvement.",
	"Transaction patterns differ across device types, which could inform marketing strategies.",
	"User demographics show a wide age range, suggesting diverse customer segments.",
}

var recommendations = []string{
	"Focus fraud prevention efforts on high-risk countries.",
	"Improve less effective verification methods or phase them out.",
	"Tailor marketing and user experience based on device type preferences.",
	"Develop targeted strategies for different age groups in the customer base.",
}

// Build assembles a report. model may be nil when the analysis stage did
// not run; topN bounds the feature table.
func Build(meta Meta, s *aggregate.Summary, model *classifier.Result, topN int) *Report {
	r := &Report{
		Title:           Title,
		Meta:            meta,
		Conclusions:     conclusions,
		Recommendations: recommendations,
	}

	r.Sections = append(r.Sections,
		overview(s),
		fraudSection(s),
		verificationSection(s),
		insightsSection(s),
		demographicsSection(s),
	)

	if model != nil {
		r.Model = &Model{
			TrainRows:   len(model.Split.Train),
			TestRows:    len(model.Split.Test),
			Trees:       len(model.Forest.Trees),
			Degenerate:  model.Forest.Degenerate(),
			Evaluation:  model.Report,
			TopFeatures: model.Top(topN),
		}
	}

	return r
}

// JSON encodes the report with indentation.
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

func overview(s *aggregate.Summary) Section {
	sec := Section{Title: "Data Overview"}
	if s.Transactions == 0 {
		sec.Paragraphs = append(sec.Paragraphs, "The dataset contains no transactions.")
		return sec
	}

	sec.Paragraphs = append(sec.Paragraphs,
		fmt.Sprintf("The dataset contains %d transactions spanning from %s to %s, with a total value of %s.",
			s.Transactions, s.FirstDate.Format("2006-01-02"), s.LastDate.Format("2006-01-02"), money(s.TotalAmount)))

	if s.FraudRate.Defined {
		sec.Paragraphs = append(sec.Paragraphs, fmt.Sprintf("The overall fraud rate is %s.", percent(s.FraudRate.Mean)))
	}
	if s.VerificationRate.Defined {
		sec.Paragraphs = append(sec.Paragraphs, fmt.Sprintf("The overall verification success rate is %s.", percent(s.VerificationRate.Mean)))
	}
	if len(s.LabelDistribution.Groups) > 0 {
		sec.Series = append(sec.Series, seriesOf("label_distribution", s.LabelDistribution, false))
	}
	return sec
}

func fraudSection(s *aggregate.Summary) Section {
	sec := Section{Title: "Fraud Analysis"}
	if p, ok := extremes("fraud rate", "country", s.FraudByCountry, percent); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	if p, ok := extremes("fraud rate", "verification method", s.FraudByMethod, percent); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	if peak, ok := s.FraudByDay.Max(); ok {
		sec.Paragraphs = append(sec.Paragraphs,
			fmt.Sprintf("The highest daily fraud rate was %s on %s.", percent(peak.Mean), peak.Label()))
	}
	sec.Series = append(sec.Series,
		seriesOf("fraud_by_country", s.FraudByCountry, false),
		seriesOf("fraud_by_method", s.FraudByMethod, false),
		seriesOf("fraud_by_day", s.FraudByDay, false),
	)
	return sec
}

func verificationSection(s *aggregate.Summary) Section {
	sec := Section{Title: "Verification Analysis"}
	if p, ok := extremes("success rate", "verification method", s.VerificationByMethod, percent); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	if p, ok := extremes("success rate", "country", s.VerificationByCountry, percent); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	sec.Series = append(sec.Series,
		seriesOf("verification_by_method", s.VerificationByMethod, false),
		seriesOf("verification_by_country", s.VerificationByCountry, false),
		seriesOf("verification_by_day", s.VerificationByDay, false),
	)
	return sec
}

func insightsSection(s *aggregate.Summary) Section {
	sec := Section{Title: "Transaction Insights"}
	if s.AverageAmount.Defined {
		sec.Paragraphs = append(sec.Paragraphs, fmt.Sprintf("The average transaction amount is %s.", money(s.AverageAmount.Mean)))
	}
	if p, ok := extremes("average amount", "device type", s.AmountByDevice, money); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	if len(s.TopDays) > 0 {
		p := "The busiest days were"
		for i, d := range s.TopDays {
			sep := ","
			if i == 0 {
				sep = ""
			}
			p += fmt.Sprintf("%s %s (%d)", sep, d.Label(), d.Rows)
		}
		sec.Paragraphs = append(sec.Paragraphs, p+".")
	}
	if busiest, ok := busiestSlot(s.VolumeByWeekdayHour); ok {
		sec.Paragraphs = append(sec.Paragraphs,
			fmt.Sprintf("The busiest weekday and hour was %s with %d transactions.", busiest.Label(), busiest.Rows))
	}
	sec.Series = append(sec.Series,
		seriesOf("amount_by_device", s.AmountByDevice, false),
		seriesOf("volume_by_weekday_hour", s.VolumeByWeekdayHour, true),
	)
	return sec
}

func demographicsSection(s *aggregate.Summary) Section {
	sec := Section{Title: "User Demographics"}
	if s.Age.Defined {
		sec.Paragraphs = append(sec.Paragraphs,
			fmt.Sprintf("The average user age is %.1f years. The youngest user is %d and the oldest is %d.",
				s.Age.Mean, s.Age.Min, s.Age.Max))
	}
	if p, ok := extremes("fraud rate", "age group and gender", s.FraudByAgeGender, percent); ok {
		sec.Paragraphs = append(sec.Paragraphs, p)
	}
	sec.Series = append(sec.Series,
		seriesOf("volume_by_gender", s.VolumeByGender, true),
		seriesOf("fraud_by_age_gender", s.FraudByAgeGender, false),
	)
	return sec
}

// extremes describes the highest and lowest defined groups of r.
func extremes(measure, dimension string, r *aggregate.Result, format func(float64) string) (string, bool) {
	hi, ok := r.Max()
	if !ok {
		return "", false
	}
	lo, _ := r.Min()
	if hi.Label() == lo.Label() {
		return fmt.Sprintf("By %s, only %s has data, with a %s of %s.", dimension, hi.Label(), measure, format(hi.Mean)), true
	}
	return fmt.Sprintf("By %s, %s has the highest %s (%s) while %s has the lowest (%s).",
		dimension, hi.Label(), measure, format(hi.Mean), lo.Label(), format(lo.Mean)), true
}

func busiestSlot(r *aggregate.Result) (aggregate.Group, bool) {
	top := r.TopByRows(1)
	if len(top) == 0 {
		return aggregate.Group{}, false
	}
	return top[0], true
}

// seriesOf converts the defined groups of r. rows selects row counts
// instead of means as the plotted value.
func seriesOf(name string, r *aggregate.Result, rows bool) Series {
	out := Series{Name: name, Dimensions: r.Dimensions, Measure: r.Measure, Points: []Point{}}
	if rows {
		out.Measure = "rows"
	}
	for _, g := range r.Defined() {
		v := g.Mean
		if rows {
			v = float64(g.Rows)
		}
		out.Points = append(out.Points, Point{Label: g.Label(), Value: v, Rows: g.Rows})
	}
	return out
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
