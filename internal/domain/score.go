package domain

import "time"

// BreachType classifies how an account is currently breaching its obligation.
type BreachType string

const (
	BreachNone                BreachType = "none"
	BreachLatePayment         BreachType = "late_payment"
	BreachUnderpayment        BreachType = "underpayment"
	BreachLateAndUnderpayment BreachType = "late_and_underpayment"
)

// BreachTypes lists every breach type in a stable order.
var BreachTypes = []BreachType{
	BreachNone,
	BreachLatePayment,
	BreachUnderpayment,
	BreachLateAndUnderpayment,
}

// ClassifyBreach derives the breach type from features.
func ClassifyBreach(f Features) BreachType {
	late := f.DPDNow
	short := f.LastPaymentRatio < LowPaymentRatio
	switch {
	case late && short:
		return BreachLateAndUnderpayment
	case late:
		return BreachLatePayment
	case short:
		return BreachUnderpayment
	default:
		return BreachNone
	}
}

// RuleContribution shows how a single rule moved the score.
type RuleContribution struct {
	RuleID       string  `json:"ruleId"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason,omitempty"`
}

// Narrative is the approved legal text attached to a scored record.
type Narrative struct {
	Text       string   `json:"text"`
	Articles   []string `json:"articles"`
	NextAction string   `json:"nextAction"`
}

// ScoredRecord is an account with its score, bucket and attached narrative.
type ScoredRecord struct {
	Account       Account            `json:"account"`
	Features      Features           `json:"features"`
	Score         float64            `json:"score"`
	Bucket        RiskBucket         `json:"bucket"`
	Contributions []RuleContribution `json:"contributions"`
	Breach        BreachType         `json:"breach"`
	Narrative     *Narrative         `json:"narrative,omitempty"`

	// LimitPercentile is the rank of the credit limit within its batch, 0..100.
	LimitPercentile float64 `json:"limitPercentile"`
}

// BucketSummary aggregates one bucket of a priority table.
type BucketSummary struct {
	Bucket        RiskBucket `json:"bucket"`
	Count         int        `json:"count"`
	MeanScore     float64    `json:"meanScore"`
	ShareLowRatio float64    `json:"shareLowRatio"`
	ShareDPDNow   float64    `json:"shareDpdNow"`
}

// Run statuses.
const (
	RunPending   = "pending"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ScoringRun is one scored batch together with its error report.
type ScoringRun struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	DatasetID        string          `json:"datasetId,omitempty"`
	ScorecardVersion string          `json:"scorecardVersion"`
	Status           string          `json:"status"`
	Error            string          `json:"error,omitempty"`
	Table            []ScoredRecord  `json:"table"`
	Failures         []RecordFailure `json:"failures"`
	Summary          []BucketSummary `json:"summary"`
	HasLabel         bool            `json:"hasLabel"`
	CreatedAt        time.Time       `json:"createdAt"`
	DurationMs       int64           `json:"durationMs"`

	// Scored and Failed are the table and failure counts, kept when a
	// listing does not load the rows themselves.
	Scored int `json:"scored"`
	Failed int `json:"failed"`

	// Bands and Flagged are the scorecard's bucket bands and flagged
	// buckets at scoring time; exports and insights of the run use them.
	Bands   []BucketBand `json:"bands,omitempty"`
	Flagged []RiskBucket `json:"flagged,omitempty"`
}

// Dataset is a raw uploaded file kept so it can be re-scored later.
type Dataset struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	Format     string    `json:"format"`
	Content    []byte    `json:"-"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}
