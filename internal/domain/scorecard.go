package domain

import "time"

// RiskBucket is a categorical label derived from a score range.
type RiskBucket string

// Buckets of the default scorecard.
const (
	BucketVeryHigh RiskBucket = "Very High"
	BucketHigh     RiskBucket = "High"
	BucketMedium   RiskBucket = "Medium"
	BucketLow      RiskBucket = "Low"
	BucketVeryLow  RiskBucket = "Very Low"
)

// Score range of every scorecard.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Scorecard is a versioned set of weighted rules and the bucket bands that
// turn the summed score into a label.
type Scorecard struct {
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Rules       []RuleConfig `json:"rules" yaml:"rules"`
	Buckets     []BucketBand `json:"buckets" yaml:"buckets"`
	CreatedAt   time.Time    `json:"createdAt,omitempty" yaml:"-"`
}

// RuleConfig is one weighted scoring rule.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// CEL expression over the account features; must yield bool, int or double.
	Expression string `json:"expression" yaml:"expression"`

	// Contribution is expression value times weight.
	Weight float64 `json:"weight" yaml:"weight"`

	// Reason is shown when the rule contributes a non-zero amount.
	Reason string `json:"reason,omitempty" yaml:"reason"`
}

// BucketBand maps [Lower, Upper) to a bucket. The band whose Upper equals
// MaxScore also includes MaxScore itself.
type BucketBand struct {
	Bucket RiskBucket `json:"bucket" yaml:"bucket"`
	Lower  float64    `json:"lower" yaml:"lower"`
	Upper  float64    `json:"upper" yaml:"upper"`
}

// Contains reports whether score falls inside the band.
func (b BucketBand) Contains(score float64) bool {
	if score == MaxScore && b.Upper == MaxScore {
		return true
	}
	return score >= b.Lower && score < b.Upper
}
