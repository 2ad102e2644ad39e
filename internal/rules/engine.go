// Package rules provides the CEL based scorecard compiler and the pure
// risk evaluator built on it.
package rules

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/edrs/internal/domain"
)

// Engine compiles scorecards and holds the active one. Swapping scorecards
// never disturbs a Model already handed out.
type Engine struct {
	mu     sync.RWMutex
	env    *cel.Env
	active *Model
}

// Model is a compiled, immutable scorecard.
type Model struct {
	scorecard *domain.Scorecard
	rules     []*compiledRule
	bands     []domain.BucketBand
}

type compiledRule struct {
	config  domain.RuleConfig
	program cel.Program
}

// NewEngine creates an engine with the feature variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("late_count_3m", cel.IntType),
		cel.Variable("late_count_6m", cel.IntType),
		cel.Variable("max_arrears_6m", cel.IntType),
		cel.Variable("last_payment_ratio", cel.DoubleType),
		cel.Variable("bill_trend_up", cel.BoolType),
		cel.Variable("dpd_now", cel.BoolType),
		cel.Variable("late_streak_2plus", cel.BoolType),
		cel.Variable("days_past_due", cel.IntType),
		cel.Variable("outstanding_amount", cel.DoubleType),
		cel.Variable("limit_balance", cel.DoubleType),
		cel.Variable("repayment_status", cel.ListType(cel.IntType)),
		cel.Variable("bill_amounts", cel.ListType(cel.DoubleType)),
		cel.Variable("payment_amounts", cel.ListType(cel.DoubleType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Compile validates a scorecard and turns it into a Model without touching
// the active one.
func (e *Engine) Compile(sc *domain.Scorecard) (*Model, error) {
	if sc == nil {
		return nil, fmt.Errorf("scorecard is required")
	}
	if sc.Version == "" {
		return nil, fmt.Errorf("scorecard version is required")
	}
	if len(sc.Rules) == 0 {
		return nil, fmt.Errorf("scorecard %s has no rules", sc.Version)
	}

	bands, err := checkBands(sc.Buckets)
	if err != nil {
		return nil, fmt.Errorf("scorecard %s: %w", sc.Version, err)
	}

	seen := make(map[string]bool, len(sc.Rules))
	compiled := make([]*compiledRule, 0, len(sc.Rules))
	for _, cfg := range sc.Rules {
		if cfg.ID == "" {
			return nil, fmt.Errorf("scorecard %s: rule without id", sc.Version)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("scorecard %s: rule %s defined twice", sc.Version, cfg.ID)
		}
		seen[cfg.ID] = true

		if cfg.Weight < 0 || math.IsNaN(cfg.Weight) || math.IsInf(cfg.Weight, 0) {
			return nil, fmt.Errorf("rule %s: weight %v must be a non-negative number", cfg.ID, cfg.Weight)
		}
		cr, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	copied := *sc
	copied.Rules = append([]domain.RuleConfig(nil), sc.Rules...)
	copied.Buckets = append([]domain.BucketBand(nil), sc.Buckets...)
	return &Model{scorecard: &copied, rules: compiled, bands: bands}, nil
}

// Load compiles sc and makes it the active scorecard.
func (e *Engine) Load(sc *domain.Scorecard) (*Model, error) {
	m, err := e.Compile(sc)
	if err != nil {
		return nil, err
	}
	e.Activate(m)
	return m, nil
}

// Activate makes a model returned by Compile the active one.
func (e *Engine) Activate(m *Model) {
	e.mu.Lock()
	e.active = m
	e.mu.Unlock()
}

// Model returns the active scorecard model, nil before the first Load.
func (e *Engine) Model() *Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

func (e *Engine) compileRule(cfg domain.RuleConfig) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}
	return &compiledRule{config: cfg, program: program}, nil
}

// Scorecard returns a copy of the scorecard the model was compiled from.
func (m *Model) Scorecard() domain.Scorecard {
	sc := *m.scorecard
	sc.Rules = append([]domain.RuleConfig(nil), m.scorecard.Rules...)
	sc.Buckets = append([]domain.BucketBand(nil), m.scorecard.Buckets...)
	return sc
}

// Version returns the scorecard version.
func (m *Model) Version() string { return m.scorecard.Version }

// Bands returns the bucket bands ordered from lowest to highest score.
func (m *Model) Bands() []domain.BucketBand {
	return append([]domain.BucketBand(nil), m.bands...)
}

// Buckets returns bucket names ordered from highest risk to lowest.
func (m *Model) Buckets() []domain.RiskBucket {
	out := make([]domain.RiskBucket, len(m.bands))
	for i, b := range m.bands {
		out[len(m.bands)-1-i] = b.Bucket
	}
	return out
}

// Flagged returns the n highest-risk buckets.
func (m *Model) Flagged(n int) []domain.RiskBucket {
	all := m.Buckets()
	if n < 0 {
		n = 0
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// BucketFor maps a score to its bucket after clamping to the score range.
func (m *Model) BucketFor(score float64) domain.RiskBucket {
	return bucketFor(clamp(score), m.bands)
}

// Evaluate scores one account. It is pure: the same account always yields
// the same record, and the account is not modified.
func (m *Model) Evaluate(acc *domain.Account) (domain.ScoredRecord, error) {
	if err := Validate(acc); err != nil {
		return domain.ScoredRecord{}, err
	}

	features := ExtractFeatures(acc)
	activation := activationFor(acc, features)

	contributions := make([]domain.RuleContribution, 0, len(m.rules))
	var total float64
	for _, r := range m.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return domain.ScoredRecord{}, &domain.RuleError{RuleID: r.config.ID, AccountID: acc.ID, Err: err}
		}
		value := toScore(out)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return domain.ScoredRecord{}, &domain.RuleError{
				RuleID:    r.config.ID,
				AccountID: acc.ID,
				Err:       fmt.Errorf("non-finite value %v", value),
			}
		}

		c := domain.RuleContribution{
			RuleID:       r.config.ID,
			Value:        value,
			Weight:       r.config.Weight,
			Contribution: value * r.config.Weight,
		}
		if c.Contribution != 0 {
			c.Reason = r.config.Reason
		}
		total += c.Contribution
		contributions = append(contributions, c)
	}

	score := round(clamp(total))
	record := domain.ScoredRecord{
		Account:       cloneAccount(acc),
		Features:      features,
		Score:         score,
		Bucket:        bucketFor(score, m.bands),
		Contributions: contributions,
		Breach:        domain.ClassifyBreach(features),
	}
	return record, nil
}

func activationFor(acc *domain.Account, f domain.Features) map[string]any {
	statuses := make([]int64, len(acc.RepaymentStatus))
	for i := range acc.RepaymentStatus {
		statuses[i] = int64(acc.Status(i))
	}
	return map[string]any{
		"late_count_3m":      int64(f.LateCount3M),
		"late_count_6m":      int64(f.LateCount6M),
		"max_arrears_6m":     int64(f.MaxArrears6M),
		"last_payment_ratio": f.LastPaymentRatio,
		"bill_trend_up":      f.BillTrendUp,
		"dpd_now":            f.DPDNow,
		"late_streak_2plus":  f.LateStreak2Plus,
		"days_past_due":      int64(f.DaysPastDue),
		"outstanding_amount": f.OutstandingAmount,
		"limit_balance":      f.LimitBalance,
		"repayment_status":   statuses,
		"bill_amounts":       amounts(acc.BillAmounts),
		"payment_amounts":    amounts(acc.PaymentAmounts),
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func clamp(score float64) float64 {
	return math.Min(math.Max(score, domain.MinScore), domain.MaxScore)
}

// round trims float noise from summed weights.
func round(score float64) float64 {
	return math.Round(score*1e4) / 1e4
}
