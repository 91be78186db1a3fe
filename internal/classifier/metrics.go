package classifier

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluate builds a classification report for predictions against the
// true labels. Ratios with a zero denominator are reported as 0.
func Evaluate(truth, predicted []bool) domain.ClassificationReport {
	var cm domain.ConfusionMatrix
	for i, actual := range truth {
		switch {
		case actual && predicted[i]:
			cm.TruePositives++
		case actual && !predicted[i]:
			cm.FalseNegatives++
		case !actual && predicted[i]:
			cm.FalsePositives++
		default:
			cm.TrueNegatives++
		}
	}

	notFraud := classMetrics(domain.ClassNotFraud, cm.TrueNegatives, cm.FalseNegatives, cm.FalsePositives)
	fraud := classMetrics(domain.ClassFraud, cm.TruePositives, cm.FalsePositives, cm.FalseNegatives)

	total := len(truth)
	report := domain.ClassificationReport{
		Classes:   []domain.ClassMetrics{notFraud, fraud},
		Accuracy:  ratio(cm.TruePositives+cm.TrueNegatives, total),
		Confusion: cm,
		Samples:   total,
	}

	report.MacroAvg = domain.ClassMetrics{
		Label:     "macro_avg",
		Precision: (notFraud.Precision + fraud.Precision) / 2,
		Recall:    (notFraud.Recall + fraud.Recall) / 2,
		F1:        (notFraud.F1 + fraud.F1) / 2,
		Support:   total,
	}

	report.WeightedAvg = domain.ClassMetrics{Label: "weighted_avg", Support: total}
	if total > 0 {
		wn := float64(notFraud.Support) / float64(total)
		wf := float64(fraud.Support) / float64(total)
		report.WeightedAvg.Precision = wn*notFraud.Precision + wf*fraud.Precision
		report.WeightedAvg.Recall = wn*notFraud.Recall + wf*fraud.Recall
		report.WeightedAvg.F1 = wn*notFraud.F1 + wf*fraud.F1
	}

	return report
}

// classMetrics computes the scores of one class from its true positives,
// false positives and false negatives.
func classMetrics(label string, tp, fp, fn int) domain.ClassMetrics {
	m := domain.ClassMetrics{
		Label:     label,
		Precision: ratio(tp, tp+fp),
		Recall:    ratio(tp, tp+fn),
		Support:   tp + fn,
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
