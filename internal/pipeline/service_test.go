package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/export"
	"github.com/opensource-finance/edrs/internal/metrics"
	"github.com/opensource-finance/edrs/internal/narrative"
	"github.com/opensource-finance/edrs/internal/rules"
)

func intp(v int) *int { return &v }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func acct(id, limit string, status0 int, bill, paid string) domain.Account {
	return domain.Account{
		ID:              id,
		LimitBalance:    dec(limit),
		RepaymentStatus: []*int{intp(status0), intp(0), intp(0)},
		BillAmounts:     []*decimal.Decimal{dec(bill)},
		PaymentAmounts:  []*decimal.Decimal{dec(paid)},
	}
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	engine, err := rules.NewEngine()
	require.NoError(t, err)
	_, err = engine.Load(rules.DefaultScorecard())
	require.NoError(t, err)

	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	svc, err := New(engine, narrative.Default(), opts...)
	require.NoError(t, err)
	return svc
}

// customScorecard scores 40 past 30 days late and 20 above 500k outstanding.
func customScorecard() *domain.Scorecard {
	return &domain.Scorecard{
		Version: "custom-1",
		Rules: []domain.RuleConfig{
			{ID: "dpd-30", Expression: "days_past_due > 30", Weight: 40, Reason: "more than 30 days past due"},
			{ID: "big-balance", Expression: "outstanding_amount > 500000.0", Weight: 20, Reason: "large outstanding balance"},
		},
		Buckets: []domain.BucketBand{
			{Bucket: domain.BucketVeryLow, Lower: 0, Upper: 10},
			{Bucket: domain.BucketLow, Lower: 10, Upper: 25},
			{Bucket: domain.BucketMedium, Lower: 25, Upper: 50},
			{Bucket: domain.BucketHigh, Lower: 50, Upper: 75},
			{Bucket: domain.BucketVeryHigh, Lower: 75, Upper: 100},
		},
	}
}

func TestNewRequiresActiveScorecard(t *testing.T) {
	engine, err := rules.NewEngine()
	require.NoError(t, err)

	_, err = New(engine, narrative.Default())
	assert.Error(t, err)
}

func TestScoreCustomScorecard(t *testing.T) {
	svc := newService(t)
	_, err := svc.SetScorecard(customScorecard())
	require.NoError(t, err)

	run, err := svc.Score(context.Background(), Batch{
		TenantID: "default",
		Accounts: []domain.Account{acct("A1", "2000000", 2, "1000000", "900000")},
	})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)

	rec := run.Table[0]
	assert.Equal(t, 60.0, rec.Score)
	assert.Equal(t, domain.BucketHigh, rec.Bucket)
	assert.Equal(t, 60, rec.Features.DaysPastDue)
	require.NotNil(t, rec.Narrative)
	assert.NotEmpty(t, rec.Narrative.Text)
	assert.True(t, svc.Catalog().Approved(rec.Narrative.Text))
	assert.Equal(t, "custom-1", run.ScorecardVersion)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.NotEmpty(t, run.ID)
}

func TestScoreEmptyBatch(t *testing.T) {
	svc := newService(t)

	run, err := svc.Score(context.Background(), Batch{TenantID: "default"})
	require.NoError(t, err)
	assert.NotNil(t, run.Table)
	assert.Empty(t, run.Table)
	assert.Empty(t, run.Failures)
	assert.Len(t, run.Summary, 5)
	for _, s := range run.Summary {
		assert.Zero(t, s.Count)
	}

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, svc.Report(run)))
	assert.NotZero(t, buf.Len())
}

func TestScoreCollectsValidationFailures(t *testing.T) {
	svc := newService(t)

	missing := acct("B2", "10000", 0, "100", "100")
	missing.RepaymentStatus[0] = nil
	missing.Row = 3

	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{
			{ID: "A1", LimitBalance: dec("5000"), Row: 2},
			missing,
			acct("C3", "20000", 1, "100", "10"),
		},
	})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)
	assert.Equal(t, "C3", run.Table[0].Account.ID)

	require.Len(t, run.Failures, 2)
	assert.Equal(t, 2, run.Failures[0].Row)
	assert.Equal(t, "A1", run.Failures[0].AccountID)
	assert.Equal(t, domain.FailureValidation, run.Failures[0].Kind)
	assert.Equal(t, 3, run.Failures[1].Row)
	assert.Equal(t, "repaymentStatus[0]", run.Failures[1].Field)
}

func TestScoreMergesParseFailuresByRow(t *testing.T) {
	svc := newService(t)

	bad := acct("", "1000", 0, "1", "1")
	bad.Row = 2
	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{bad},
		Failures: []domain.RecordFailure{{Row: 5, Kind: domain.FailureParse, Field: "PAY_0", Reason: "bad"}},
	})
	require.NoError(t, err)
	require.Len(t, run.Failures, 2)
	assert.Equal(t, 2, run.Failures[0].Row)
	assert.Equal(t, "id", run.Failures[0].Field)
	assert.Equal(t, 5, run.Failures[1].Row)
	assert.Equal(t, domain.FailureParse, run.Failures[1].Kind)
}

func TestScoreDuplicateIDs(t *testing.T) {
	svc := newService(t)

	first := acct("7", "1000", 0, "100", "100")
	first.Row = 2
	second := acct("7", "9000", 3, "100", "0")
	second.Row = 4

	run, err := svc.Score(context.Background(), Batch{Accounts: []domain.Account{first, second}})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)
	assert.Equal(t, "1000", run.Table[0].Account.LimitBalance.String())

	require.Len(t, run.Failures, 1)
	assert.Equal(t, 4, run.Failures[0].Row)
	assert.Equal(t, "id", run.Failures[0].Field)
	assert.Contains(t, run.Failures[0].Reason, "row 2")
}

func TestScoreDuplicateOfInvalidRecord(t *testing.T) {
	svc := newService(t)

	first := acct("7", "1000", 0, "100", "100")
	first.Row = 2
	first.RepaymentStatus[0] = nil
	second := acct(" 7 ", "9000", 3, "100", "0")
	second.Row = 3

	run, err := svc.Score(context.Background(), Batch{Accounts: []domain.Account{first, second}})
	require.NoError(t, err)
	assert.Empty(t, run.Table)

	require.Len(t, run.Failures, 2)
	assert.Equal(t, "repaymentStatus[0]", run.Failures[0].Field)
	assert.Equal(t, 3, run.Failures[1].Row)
	assert.Equal(t, "id", run.Failures[1].Field)
	assert.Equal(t, "7", run.Failures[1].AccountID)
}

func TestScoreTrimsIdentifiers(t *testing.T) {
	svc := newService(t)

	accounts := []domain.Account{acct(" 7 ", "1000", 0, "100", "100")}
	run, err := svc.Score(context.Background(), Batch{Accounts: accounts})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)
	assert.Equal(t, "7", run.Table[0].Account.ID)
	assert.Equal(t, " 7 ", accounts[0].ID, "input must not be mutated")
}

func TestScoreRanksTable(t *testing.T) {
	svc := newService(t)

	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{
			acct("3", "1000", 0, "100", "100"),
			acct("10", "1000", 3, "100", "0"),
			acct("2", "1000", 3, "100", "0"),
		},
	})
	require.NoError(t, err)
	require.Len(t, run.Table, 3)
	assert.Equal(t, "2", run.Table[0].Account.ID)
	assert.Equal(t, "10", run.Table[1].Account.ID)
	assert.Equal(t, "3", run.Table[2].Account.ID)
	assert.GreaterOrEqual(t, run.Table[0].Score, run.Table[2].Score)
}

func TestScoreLimitPercentiles(t *testing.T) {
	svc := newService(t)

	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{
			acct("1", "1000", 0, "100", "100"),
			acct("2", "2000", 0, "100", "100"),
			acct("3", "2000", 0, "100", "100"),
			acct("4", "9000", 0, "100", "100"),
		},
	})
	require.NoError(t, err)

	got := map[string]float64{}
	for _, r := range run.Table {
		got[r.Account.ID] = r.LimitPercentile
	}
	assert.InDelta(t, 25.0, got["1"], 1e-9)
	assert.InDelta(t, 62.5, got["2"], 1e-9)
	assert.InDelta(t, 62.5, got["3"], 1e-9)
	assert.InDelta(t, 100.0, got["4"], 1e-9)
}

func TestScoreAbortsOnRuleError(t *testing.T) {
	svc := newService(t)
	sc := customScorecard()
	sc.Rules = append(sc.Rules, domain.RuleConfig{ID: "oob", Expression: "repayment_status[10] > 0", Weight: 1})
	_, err := svc.SetScorecard(sc)
	require.NoError(t, err)

	_, err = svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{acct("1", "1000", 0, "100", "100")},
	})
	var rerr *domain.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "oob", rerr.RuleID)
}

func TestSetScorecardRejectsUncoveredBucket(t *testing.T) {
	svc := newService(t)
	before := svc.Model().Version()

	sc := customScorecard()
	sc.Buckets[4].Bucket = "Critical"
	_, err := svc.SetScorecard(sc)

	var lerr *domain.LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, domain.RiskBucket("Critical"), lerr.Bucket)
	assert.Equal(t, before, svc.Model().Version())
}

func TestScoreHonoursCancellation(t *testing.T) {
	svc := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Score(ctx, Batch{Accounts: []domain.Account{acct("1", "1000", 0, "1", "1")}})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReportUsesFlaggedBuckets(t *testing.T) {
	svc := newService(t, WithReporting(3, 50), WithMetrics(metrics.New()))

	run, err := svc.Score(context.Background(), Batch{HasLabel: true})
	require.NoError(t, err)

	rep := svc.Report(run)
	assert.Equal(t, []domain.RiskBucket{domain.BucketVeryHigh, domain.BucketHigh, domain.BucketMedium}, rep.TopBuckets)
	assert.Equal(t, 50, rep.TopRows)
	assert.True(t, rep.HasLabel)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), rep.GeneratedAt)
}

func TestInsightMentionsBucket(t *testing.T) {
	svc := newService(t)
	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{acct("1", "1000", 3, "100", "0")},
	})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)

	text := svc.Insight(run, run.Table[0])
	assert.Contains(t, text, string(run.Table[0].Bucket))
}

func TestRunKeepsScorecardAfterSwap(t *testing.T) {
	svc := newService(t)

	run, err := svc.Score(context.Background(), Batch{
		Accounts: []domain.Account{acct("1", "1000", 3, "100", "0")},
	})
	require.NoError(t, err)
	require.Len(t, run.Table, 1)
	bucket := run.Table[0].Bucket
	assert.Equal(t, []domain.RiskBucket{domain.BucketVeryHigh, domain.BucketHigh}, run.Flagged)
	require.NotEmpty(t, run.Bands)

	swapped := &domain.Scorecard{
		Version: "two-band",
		Rules:   []domain.RuleConfig{{ID: "dpd", Expression: "dpd_now", Weight: 60}},
		Buckets: []domain.BucketBand{
			{Bucket: domain.BucketLow, Lower: 0, Upper: 50},
			{Bucket: domain.BucketHigh, Lower: 50, Upper: 100},
		},
	}
	_, err = svc.SetScorecard(swapped)
	require.NoError(t, err)

	rep := svc.Report(run)
	assert.Equal(t, []domain.RiskBucket{domain.BucketVeryHigh, domain.BucketHigh}, rep.TopBuckets)

	text := svc.Insight(run, run.Table[0])
	assert.Contains(t, text, string(bucket))
	assert.Contains(t, text, "Very High mulai 48")
	assert.NotContains(t, text, "High mulai 50")
}
