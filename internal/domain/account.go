package domain

import (
	"github.com/shopspring/decimal"
)

// Repayment status domain. Values at or below zero mean the month was paid
// duly; a positive value n means the account was n months late.
const (
	MinRepaymentStatus = -2
	MaxRepaymentStatus = 9
)

// MinHistoryMonths is the fewest repayment statuses a record may carry.
const MinHistoryMonths = 3

// Account is one debtor account as read from an uploaded dataset.
// All monthly series are ordered most recent first. A nil entry means the
// cell was blank in the source.
type Account struct {
	ID           string           `json:"id"`
	LimitBalance *decimal.Decimal `json:"limitBalance"`

	RepaymentStatus []*int             `json:"repaymentStatus"`
	BillAmounts     []*decimal.Decimal `json:"billAmounts"`
	PaymentAmounts  []*decimal.Decimal `json:"paymentAmounts"`

	// Defaulted is the observed default.payment.next.month label, if present.
	Defaulted *bool `json:"defaulted,omitempty"`

	// Profile carries demographic columns (SEX, AGE, ...) for display only.
	Profile map[string]string `json:"profile,omitempty"`

	// Row is the 1-based data row in the source file, 0 when not from a file.
	Row int `json:"row,omitempty"`
}

// Status returns the repayment status for month i, treating blanks as paid.
func (a *Account) Status(i int) int {
	if i < 0 || i >= len(a.RepaymentStatus) || a.RepaymentStatus[i] == nil {
		return 0
	}
	return *a.RepaymentStatus[i]
}

// Features are the derived inputs every scorecard rule can reference.
type Features struct {
	LateCount3M       int     `json:"lateCount3m"`
	LateCount6M       int     `json:"lateCount6m"`
	MaxArrears6M      int     `json:"maxArrears6m"`
	LastPaymentRatio  float64 `json:"lastPaymentRatio"`
	BillTrendUp       bool    `json:"billTrendUp"`
	DPDNow            bool    `json:"dpdNow"`
	LateStreak2Plus   bool    `json:"lateStreak2Plus"`
	DaysPastDue       int     `json:"daysPastDue"`
	OutstandingAmount float64 `json:"outstandingAmount"`
	LimitBalance      float64 `json:"limitBalance"`
}

// LowPaymentRatio is the last-payment ratio below which a payment counts as short.
const LowPaymentRatio = 0.7
