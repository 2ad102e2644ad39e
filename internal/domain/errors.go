package domain

import (
	"errors"
	"fmt"
)

// ErrSchema is returned when a dataset lacks the columns scoring needs.
var ErrSchema = errors.New("dataset schema invalid")

// ValidationError reports a record whose fields are missing or out of domain.
type ValidationError struct {
	AccountID string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s: %s", e.AccountID, e.Field, e.Reason)
}

// LookupError reports a narrative key with no catalog entry. It is a
// configuration defect and must never be papered over with a default.
type LookupError struct {
	Bucket RiskBucket
	Breach BreachType
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no narrative for bucket %q and breach %q", e.Bucket, e.Breach)
}

// RuleError reports a scorecard rule that failed while evaluating a record.
type RuleError struct {
	RuleID    string
	AccountID string
	Err       error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s failed for record %s: %v", e.RuleID, e.AccountID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Failure kinds recorded in the error report.
const (
	FailureValidation = "validation"
	FailureParse      = "parse"
)

// RecordFailure is one row excluded from the priority table.
type RecordFailure struct {
	Row       int    `json:"row,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason"`
}

// FailureFromValidation converts a ValidationError to a report entry.
func FailureFromValidation(row int, verr *ValidationError) RecordFailure {
	return RecordFailure{
		Row:       row,
		AccountID: verr.AccountID,
		Kind:      FailureValidation,
		Field:     verr.Field,
		Reason:    verr.Reason,
	}
}
