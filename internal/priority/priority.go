// Package priority ranks scored records into the collection priority table.
package priority

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/opensource-finance/edrs/internal/domain"
)

// Build returns a new table ordered by descending score, ties broken by
// ascending identifier. The input slice is not modified.
func Build(records []domain.ScoredRecord) []domain.ScoredRecord {
	out := slices.Clone(records)
	if out == nil {
		out = []domain.ScoredRecord{}
	}
	slices.SortStableFunc(out, Compare)
	return out
}

// Compare orders a before b when a has the higher score, or the same score
// and the smaller identifier.
func Compare(a, b domain.ScoredRecord) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return CompareIDs(a.Account.ID, b.Account.ID)
}

// CompareIDs orders integer identifiers numerically ahead of all others,
// which compare as strings.
func CompareIDs(a, b string) int {
	na, aNum := numericID(a)
	nb, bNum := numericID(b)
	switch {
	case aNum && bNum:
		if c := compareDigits(na, nb); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// numericID reports whether id is a non-negative integer and returns its
// digits without leading zeros.
func numericID(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	return trimmed, true
}

// compareDigits compares two digit strings without leading zeros by value,
// so identifiers longer than int64 still order correctly.
func compareDigits(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// Filter keeps records in the given buckets and truncates to topN. An empty
// bucket set keeps every bucket; topN <= 0 keeps every row.
func Filter(table []domain.ScoredRecord, buckets []domain.RiskBucket, topN int) []domain.ScoredRecord {
	out := make([]domain.ScoredRecord, 0, len(table))
	for _, r := range table {
		if len(buckets) == 0 || slices.Contains(buckets, r.Bucket) {
			out = append(out, r)
		}
		if topN > 0 && len(out) == topN {
			break
		}
	}
	return out
}

// Summarize aggregates the table per bucket in the order given, which is
// normally highest risk first. Buckets without rows are still reported.
func Summarize(table []domain.ScoredRecord, buckets []domain.RiskBucket) []domain.BucketSummary {
	index := make(map[domain.RiskBucket]int, len(buckets))
	out := make([]domain.BucketSummary, len(buckets))
	for i, b := range buckets {
		index[b] = i
		out[i].Bucket = b
	}

	sums := make([]float64, len(buckets))
	lowRatio := make([]int, len(buckets))
	dpd := make([]int, len(buckets))
	for _, r := range table {
		i, ok := index[r.Bucket]
		if !ok {
			continue
		}
		out[i].Count++
		sums[i] += r.Score
		if r.Features.LastPaymentRatio < domain.LowPaymentRatio {
			lowRatio[i]++
		}
		if r.Features.DPDNow {
			dpd[i]++
		}
	}

	for i := range out {
		if n := out[i].Count; n > 0 {
			out[i].MeanScore = sums[i] / float64(n)
			out[i].ShareLowRatio = float64(lowRatio[i]) / float64(n)
			out[i].ShareDPDNow = float64(dpd[i]) / float64(n)
		}
	}
	return out
}

// Find returns the record with the given identifier.
func Find(table []domain.ScoredRecord, id string) (domain.ScoredRecord, bool) {
	for _, r := range table {
		if r.Account.ID == id {
			return r, true
		}
	}
	return domain.ScoredRecord{}, false
}

// ParseBuckets splits a comma-separated bucket list, ignoring blanks.
func ParseBuckets(s string) []domain.RiskBucket {
	var out []domain.RiskBucket
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, domain.RiskBucket(p))
		}
	}
	return out
}

// ParseTopN parses a row limit, falling back to def when s is blank or invalid.
func ParseTopN(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}
