package report

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Text renders the report as plain text.
func (r *Report) Text() string {
	var b strings.Builder

	b.WriteString(r.Title + "\n")
	b.WriteString(strings.Repeat("=", len(r.Title)) + "\n\n")
	if r.Meta.RunID != "" {
		fmt.Fprintf(&b, "Run:     %s\n", r.Meta.RunID)
	}
	fmt.Fprintf(&b, "Dataset: %s\n", r.Meta.DatasetID)
	fmt.Fprintf(&b, "Seed:    %d\n", r.Meta.Seed)
	if !r.Meta.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "Created: %s\n", r.Meta.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	}
	b.WriteString("\n")

	n := 0
	for _, sec := range r.Sections {
		n++
		heading(&b, n, sec.Title)
		for _, p := range sec.Paragraphs {
			b.WriteString(p + "\n")
		}
		b.WriteString("\n")
	}

	if r.Model != nil {
		n++
		heading(&b, n, "Fraud Model")
		writeModel(&b, r.Model)
	}

	n++
	heading(&b, n, "Conclusion")
	numbered(&b, r.Conclusions)

	n++
	heading(&b, n, "Recommendations")
	numbered(&b, r.Recommendations)

	return b.String()
}

func heading(b *strings.Builder, n int, title string) {
	t := fmt.Sprintf("%d. %s", n, title)
	b.WriteString(t + "\n")
	b.WriteString(strings.Repeat("-", len(t)) + "\n")
}

func numbered(b *strings.Builder, lines []string) {
	for i, l := range lines {
		fmt.Fprintf(b, "%d. %s\n", i+1, l)
	}
	b.WriteString("\n")
}

func writeModel(b *strings.Builder, m *Model) {
	fmt.Fprintf(b, "Random forest with %d trees, trained on %d rows and evaluated on %d.\n", m.Trees, m.TrainRows, m.TestRows)
	if m.Degenerate {
		b.WriteString("No tree found a useful split; importances are uniform.\n")
	}
	b.WriteString("\n")
	WriteClassification(b, m.Evaluation)
	b.WriteString("\n")
	WriteImportances(b, m.TopFeatures)
	b.WriteString("\n")
}

// WriteClassification writes a per-class precision/recall/F1 table.
func WriteClassification(b *strings.Builder, rep domain.ClassificationReport) {
	w := tabwriter.NewWriter(b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "\tprecision\trecall\tf1-score\tsupport\t")
	for _, c := range rep.Classes {
		writeMetricsRow(w, c)
	}
	fmt.Fprintln(w, "\t\t\t\t\t")
	fmt.Fprintf(w, "accuracy\t\t\t%.2f\t%d\t\n", rep.Accuracy, rep.Samples)
	writeMetricsRow(w, rep.MacroAvg)
	writeMetricsRow(w, rep.WeightedAvg)
	w.Flush()
}

func writeMetricsRow(w *tabwriter.Writer, c domain.ClassMetrics) {
	fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", c.Label, c.Precision, c.Recall, c.F1, c.Support)
}

// WriteImportances writes the ranked feature table.
func WriteImportances(b *strings.Builder, features []domain.FeatureImportance) {
	w := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "rank\tfeature\timportance")
	for _, f := range features {
		fmt.Fprintf(w, "%d\t%s\t%.6f\n", f.Rank, f.Feature, f.Importance)
	}
	w.Flush()
}
