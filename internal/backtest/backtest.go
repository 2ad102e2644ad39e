// Package backtest measures how well flagged buckets anticipate the observed
// default label of a scored table.
package backtest

import (
	"errors"
	"slices"

	"github.com/opensource-finance/edrs/internal/domain"
)

// ErrNoLabels is returned when no scored record carries a default label.
var ErrNoLabels = errors.New("no labeled records to backtest")

// Metrics is the confusion matrix of flagged versus defaulted accounts.
type Metrics struct {
	TruePositives  int `json:"truePositives"`  // flagged and defaulted
	FalsePositives int `json:"falsePositives"` // flagged, did not default
	TrueNegatives  int `json:"trueNegatives"`  // not flagged, did not default
	FalseNegatives int `json:"falseNegatives"` // not flagged but defaulted

	Labeled   int `json:"labeled"`
	Unlabeled int `json:"unlabeled"`
	Defaulted int `json:"defaulted"`
}

// BucketRate is the observed default rate of one bucket.
type BucketRate struct {
	Bucket    domain.RiskBucket `json:"bucket"`
	Count     int               `json:"count"`
	Defaulted int               `json:"defaulted"`
	Rate      float64           `json:"rate"`
}

// Result is a backtest of one table.
type Result struct {
	Flagged []domain.RiskBucket `json:"flagged"`
	Metrics Metrics             `json:"metrics"`
	Buckets []BucketRate        `json:"buckets"`
}

// Run compares membership of the flagged buckets against each record's
// default label. buckets fixes the order of the per-bucket rates; records
// without a label are counted but otherwise ignored.
func Run(table []domain.ScoredRecord, flagged, buckets []domain.RiskBucket) (*Result, error) {
	res := &Result{Flagged: slices.Clone(flagged)}
	rates := make(map[domain.RiskBucket]*BucketRate, len(buckets))
	for _, b := range buckets {
		res.Buckets = append(res.Buckets, BucketRate{Bucket: b})
	}
	for i := range res.Buckets {
		rates[res.Buckets[i].Bucket] = &res.Buckets[i]
	}

	m := &res.Metrics
	for _, rec := range table {
		if rec.Account.Defaulted == nil {
			m.Unlabeled++
			continue
		}
		actual := *rec.Account.Defaulted
		predicted := slices.Contains(flagged, rec.Bucket)

		m.Labeled++
		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && actual:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
		if actual {
			m.Defaulted++
		}

		if r, ok := rates[rec.Bucket]; ok {
			r.Count++
			if actual {
				r.Defaulted++
			}
		}
	}
	if m.Labeled == 0 {
		return nil, ErrNoLabels
	}

	for i := range res.Buckets {
		if r := &res.Buckets[i]; r.Count > 0 {
			r.Rate = float64(r.Defaulted) / float64(r.Count)
		}
	}
	return res, nil
}

// Precision is the share of flagged accounts that defaulted.
func (m Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of defaulted accounts that were flagged.
func (m Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * (p * r) / (p + r)
}

// Accuracy is the share of labeled accounts classified correctly.
func (m Metrics) Accuracy() float64 {
	return ratio(m.TruePositives+m.TrueNegatives, m.Labeled)
}

// FalseAlarmRate is the share of non-defaulted accounts that were flagged.
func (m Metrics) FalseAlarmRate() float64 {
	return ratio(m.FalsePositives, m.FalsePositives+m.TrueNegatives)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
