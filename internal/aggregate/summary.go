package aggregate

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AgeStats describes the user_age column.
type AgeStats struct {
	Min     int     `json:"min"`
	Max     int     `json:"max"`
	Mean    float64 `json:"mean"`
	Defined bool    `json:"defined"`
}

// Summary is the standard set of aggregations produced by the summary
// stage and rendered in the report.
type Summary struct {
	Transactions int       `json:"transactions"`
	FirstDate    time.Time `json:"firstDate"`
	LastDate     time.Time `json:"lastDate"`
	TotalAmount  float64   `json:"totalAmount"`

	AverageAmount    Group `json:"averageAmount"`
	FraudRate        Group `json:"fraudRate"`
	VerificationRate Group `json:"verificationRate"`

	FraudByCountry        *Result `json:"fraudByCountry"`
	FraudByMethod         *Result `json:"fraudByMethod"`
	FraudByDay            *Result `json:"fraudByDay"`
	VerificationByCountry *Result `json:"verificationByCountry"`
	VerificationByMethod  *Result `json:"verificationByMethod"`
	VerificationByDay     *Result `json:"verificationByDay"`
	AmountByDevice        *Result `json:"amountByDevice"`
	FraudByAgeGender      *Result `json:"fraudByAgeGender"`
	VolumeByWeekdayHour   *Result `json:"volumeByWeekdayHour"`
	VolumeByGender        *Result `json:"volumeByGender"`
	LabelDistribution     *Result `json:"labelDistribution"`

	TopDays []Group  `json:"topDays"`
	Age     AgeStats `json:"age"`
}

// TopDaysCount is the number of busiest days reported.
const TopDaysCount = 5

// Summarize computes the standard aggregations. An empty input yields a
// summary whose groups are all undefined.
func Summarize(txs []*domain.Transaction) *Summary {
	country := mustColumn(domain.ColCountry)
	method := mustColumn(domain.ColVerificationMethod)
	device := mustColumn(domain.ColDeviceType)
	gender := mustColumn(domain.ColUserGender)
	day := ByDay()

	s := &Summary{
		Transactions:     len(txs),
		AverageAmount:    Overall(txs, AverageAmount),
		FraudRate:        Overall(txs, FraudRate),
		VerificationRate: Overall(txs, VerificationRate),

		FraudByCountry:        Mean(txs, country, FraudRate),
		FraudByMethod:         Mean(txs, method, FraudRate),
		FraudByDay:            Mean(txs, day, FraudRate),
		VerificationByCountry: Mean(txs, country, VerificationRate),
		VerificationByMethod:  Mean(txs, method, VerificationRate),
		VerificationByDay:     Mean(txs, day, VerificationRate),
		AmountByDevice:        Mean(txs, device, AverageAmount),
		FraudByAgeGender:      Mean(txs, Compound(ByAgeGroup(), gender), FraudRate),
		VolumeByWeekdayHour:   Count(txs, Compound(ByWeekday(), ByHour())),
		VolumeByGender:        Count(txs, gender),
		LabelDistribution:     labelDistribution(txs),
	}

	s.TopDays = Count(txs, day).TopByRows(TopDaysCount)
	s.TotalAmount = s.AverageAmount.Sum

	if len(txs) > 0 {
		s.FirstDate, s.LastDate = txs[0].Date, txs[0].Date
		s.Age = AgeStats{Min: txs[0].UserAge, Max: txs[0].UserAge, Defined: true}
		var ageSum float64
		for _, tx := range txs {
			if tx.Date.Before(s.FirstDate) {
				s.FirstDate = tx.Date
			}
			if tx.Date.After(s.LastDate) {
				s.LastDate = tx.Date
			}
			s.Age.Min = min(s.Age.Min, tx.UserAge)
			s.Age.Max = max(s.Age.Max, tx.UserAge)
			ageSum += float64(tx.UserAge)
		}
		s.Age.Mean = ageSum / float64(len(txs))
	}

	return s
}

// labelDistribution is the share of each fraud_flag value among labelled
// rows, keyed by class label.
func labelDistribution(txs []*domain.Transaction) *Result {
	g := Grouping{dims: []dimension{{
		name: domain.ColFraudFlag,
		key: func(tx *domain.Transaction) string {
			switch {
			case tx.FraudFlag == nil:
				return ""
			case *tx.FraudFlag:
				return domain.ClassFraud
			}
			return domain.ClassNotFraud
		},
	}}}

	counts := Count(txs, g)
	var labelled int
	for _, grp := range counts.Groups {
		if grp.Key[0] != "" {
			labelled += grp.Rows
		}
	}

	out := &Result{Dimensions: counts.Dimensions, Measure: "share"}
	for _, grp := range counts.Groups {
		if grp.Key[0] == "" {
			continue
		}
		grp.Mean = float64(grp.Rows) / float64(labelled)
		out.Groups = append(out.Groups, grp)
	}
	return out
}

func mustColumn(column string) Grouping {
	g, err := ByColumn(column)
	if err != nil {
		panic(err)
	}
	return g
}
