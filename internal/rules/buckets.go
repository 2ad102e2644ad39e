package rules

import (
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/edrs/internal/domain"
)

// checkBands verifies that bands partition [MinScore, MaxScore] without gaps
// or overlaps and returns them ordered by lower bound.
func checkBands(bands []domain.BucketBand) ([]domain.BucketBand, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("scorecard has no buckets")
	}

	sorted := slices.Clone(bands)
	slices.SortFunc(sorted, func(a, b domain.BucketBand) int {
		switch {
		case a.Lower < b.Lower:
			return -1
		case a.Lower > b.Lower:
			return 1
		default:
			return 0
		}
	})

	seen := make(map[domain.RiskBucket]bool, len(sorted))
	for i, b := range sorted {
		if b.Bucket == "" {
			return nil, fmt.Errorf("bucket %d has no name", i)
		}
		if seen[b.Bucket] {
			return nil, fmt.Errorf("bucket %q defined twice", b.Bucket)
		}
		seen[b.Bucket] = true

		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower >= b.Upper {
			return nil, fmt.Errorf("bucket %q: lower %v must be below upper %v", b.Bucket, b.Lower, b.Upper)
		}
		if i == 0 && b.Lower != domain.MinScore {
			return nil, fmt.Errorf("bucket %q starts at %v, want %v", b.Bucket, b.Lower, domain.MinScore)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.Upper < b.Lower {
				return nil, fmt.Errorf("gap between %q and %q: [%v, %v)", prev.Bucket, b.Bucket, prev.Upper, b.Lower)
			}
			if prev.Upper > b.Lower {
				return nil, fmt.Errorf("buckets %q and %q overlap", prev.Bucket, b.Bucket)
			}
		}
	}
	if last := sorted[len(sorted)-1]; last.Upper != domain.MaxScore {
		return nil, fmt.Errorf("bucket %q ends at %v, want %v", last.Bucket, last.Upper, domain.MaxScore)
	}
	return sorted, nil
}

// bucketFor maps a clamped score to its band. bands must come from checkBands.
func bucketFor(score float64, bands []domain.BucketBand) domain.RiskBucket {
	for _, b := range bands {
		if b.Contains(score) {
			return b.Bucket
		}
	}
	// Unreachable for scores inside [MinScore, MaxScore].
	return bands[len(bands)-1].Bucket
}
