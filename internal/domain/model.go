package domain

// Class labels used in classification reports.
const (
	ClassNotFraud = "not_fraud"
	ClassFraud    = "fraud"
)

// ClassMetrics holds precision, recall, F1 and support for one class
// (or one averaging scheme).
type ClassMetrics struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// ConfusionMatrix counts predictions against the fraud label.
type ConfusionMatrix struct {
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalseNegatives int `json:"falseNegatives"`
}

// ClassificationReport summarizes predictions on the evaluation split.
type ClassificationReport struct {
	Classes     []ClassMetrics  `json:"classes"`
	Accuracy    float64         `json:"accuracy"`
	MacroAvg    ClassMetrics    `json:"macroAvg"`
	WeightedAvg ClassMetrics    `json:"weightedAvg"`
	Confusion   ConfusionMatrix `json:"confusion"`
	Samples     int             `json:"samples"`
}

// Class returns the metrics of the named class.
func (r *ClassificationReport) Class(label string) (ClassMetrics, bool) {
	for _, c := range r.Classes {
		if c.Label == label {
			return c, true
		}
	}
	return ClassMetrics{}, false
}

// FeatureImportance is one ranked entry of the importance table.
type FeatureImportance struct {
	Rank       int     `json:"rank"`
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}
