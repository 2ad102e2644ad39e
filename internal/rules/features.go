package rules

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/edrs/internal/domain"
)

// recentMonths is the window of the short-term late counters.
const recentMonths = 3

// trendThreshold is the projection above which the bill series trends up.
const trendThreshold = 0.3

// stdEpsilon keeps standardization finite for flat series.
const stdEpsilon = 1e-6

// Validate checks that an account carries every field scoring needs.
func Validate(acc *domain.Account) error {
	id := strings.TrimSpace(acc.ID)
	invalid := func(field, format string, args ...any) error {
		return &domain.ValidationError{AccountID: id, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if id == "" {
		return invalid("id", "identifier is missing")
	}
	if acc.LimitBalance == nil {
		return invalid("limitBalance", "credit limit is missing")
	}
	if acc.LimitBalance.IsNegative() {
		return invalid("limitBalance", "credit limit %s is negative", acc.LimitBalance.String())
	}
	if len(acc.RepaymentStatus) < domain.MinHistoryMonths {
		return invalid("repaymentStatus", "need at least %d months of repayment status, got %d",
			domain.MinHistoryMonths, len(acc.RepaymentStatus))
	}
	if acc.RepaymentStatus[0] == nil {
		return invalid("repaymentStatus[0]", "most recent repayment status is missing")
	}
	for i, s := range acc.RepaymentStatus {
		if s == nil {
			continue
		}
		if *s < domain.MinRepaymentStatus || *s > domain.MaxRepaymentStatus {
			return invalid(fmt.Sprintf("repaymentStatus[%d]", i), "status %d outside [%d, %d]",
				*s, domain.MinRepaymentStatus, domain.MaxRepaymentStatus)
		}
	}
	if len(acc.BillAmounts) == 0 || acc.BillAmounts[0] == nil {
		return invalid("billAmounts[0]", "most recent bill amount is missing")
	}
	if len(acc.PaymentAmounts) == 0 || acc.PaymentAmounts[0] == nil {
		return invalid("paymentAmounts[0]", "most recent payment amount is missing")
	}
	for i, p := range acc.PaymentAmounts {
		if p != nil && p.IsNegative() {
			return invalid(fmt.Sprintf("paymentAmounts[%d]", i), "payment %s is negative", p.String())
		}
	}
	return nil
}

// ExtractFeatures derives the rule inputs of a validated account.
func ExtractFeatures(acc *domain.Account) domain.Features {
	var f domain.Features

	for i := range acc.RepaymentStatus {
		s := max(acc.Status(i), 0)
		if s > 0 {
			f.LateCount6M++
			if i < recentMonths {
				f.LateCount3M++
			}
		}
		if i < recentMonths && s >= 2 {
			f.LateStreak2Plus = true
		}
		f.MaxArrears6M = max(f.MaxArrears6M, s)
	}

	current := max(acc.Status(0), 0)
	f.DPDNow = current > 0
	f.DaysPastDue = current * 30

	bill := acc.BillAmounts[0].InexactFloat64()
	paid := acc.PaymentAmounts[0].InexactFloat64()
	f.OutstandingAmount = bill
	f.LastPaymentRatio = paid / (math.Abs(bill) + stdEpsilon)
	f.BillTrendUp = billTrendUp(leadingBills(acc))

	if acc.LimitBalance != nil {
		f.LimitBalance = acc.LimitBalance.InexactFloat64()
	}
	return f
}

// leadingBills returns the bill amounts up to the first blank month.
func leadingBills(acc *domain.Account) []float64 {
	out := make([]float64, 0, len(acc.BillAmounts))
	for _, b := range acc.BillAmounts {
		if b == nil {
			break
		}
		out = append(out, b.InexactFloat64())
	}
	return out
}

// billTrendUp projects the standardized bill series onto the standardized
// column index and compares against trendThreshold.
func billTrendUp(bills []float64) bool {
	if len(bills) < 3 {
		return false
	}
	idx := make([]float64, len(bills))
	for i := range idx {
		idx[i] = float64(i + 1)
	}
	b := standardize(bills)
	x := standardize(idx)
	var dot float64
	for i := range b {
		dot += b[i] * x[i]
	}
	return dot > trendThreshold
}

func standardize(v []float64) []float64 {
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))

	var variance float64
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance/float64(len(v))) + stdEpsilon

	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - mean) / std
	}
	return out
}

// amounts converts a monthly series to floats, blanks as zero.
func amounts(series []*decimal.Decimal) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		if v != nil {
			out[i] = v.InexactFloat64()
		}
	}
	return out
}

// cloneAccount copies the slices and maps of acc so a scored record never
// aliases caller memory.
func cloneAccount(acc *domain.Account) domain.Account {
	out := *acc
	out.RepaymentStatus = slices.Clone(acc.RepaymentStatus)
	out.BillAmounts = slices.Clone(acc.BillAmounts)
	out.PaymentAmounts = slices.Clone(acc.PaymentAmounts)
	if acc.Profile != nil {
		out.Profile = maps.Clone(acc.Profile)
	}
	return out
}
