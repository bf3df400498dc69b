// Package rules stores user-defined policies and evaluates candidate
// transactions against them, producing a composed decision and a risk score.
package rules

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/ledger"
)

// Engine evaluates the enabled rule set against candidate transactions.
// The rule set is cached in memory; any CRUD operation invalidates the
// cache, so reads are lock-free after a load.
type Engine struct {
	store *ledger.Store
	clock func() time.Time

	mu    sync.RWMutex
	cache []*contracts.Rule // nil when invalidated
	cel   *celCompiler
}

// New creates an engine over the ledger store.
func New(store *ledger.Store) (*Engine, error) {
	cc, err := newCELCompiler()
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, clock: time.Now, cel: cc}, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateRule validates, compiles (for expression rules) and persists a rule.
func (e *Engine) CreateRule(ctx context.Context, rule *contracts.Rule) (int64, error) {
	if err := e.compileIfExpression(rule); err != nil {
		return 0, err
	}
	id, err := e.store.CreateRule(ctx, rule)
	if err != nil {
		return 0, err
	}
	e.invalidate()
	return id, nil
}

// GetRule fetches a rule by id.
func (e *Engine) GetRule(ctx context.Context, id int64) (*contracts.Rule, error) {
	return e.store.GetRule(ctx, id)
}

// ListRules lists rules in evaluation order.
func (e *Engine) ListRules(ctx context.Context, enabledOnly bool) ([]*contracts.Rule, error) {
	return e.store.ListRules(ctx, enabledOnly)
}

// UpdateRule replaces a rule's mutable fields.
func (e *Engine) UpdateRule(ctx context.Context, rule *contracts.Rule) error {
	if err := e.compileIfExpression(rule); err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// DeleteRule removes a rule. Historical evaluations are not retracted.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

func (e *Engine) compileIfExpression(rule *contracts.Rule) error {
	p, ok := rule.Params.(*contracts.ExpressionParams)
	if !ok {
		return nil
	}
	// Compilation failures are caught at creation, not at evaluation.
	_, err := e.cel.compile(p.Source)
	return err
}

func (e *Engine) invalidate() {
	e.mu.Lock()
	e.cache = nil
	e.mu.Unlock()
}

// enabledRules returns the cached enabled rule set, loading it on miss.
// Order is descending priority, ties broken by ascending id.
func (e *Engine) enabledRules(ctx context.Context) ([]*contracts.Rule, error) {
	e.mu.RLock()
	cached := e.cache
	e.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	loaded, err := e.store.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache = loaded
	e.mu.Unlock()
	return loaded, nil
}

// Evaluate computes the decision for a candidate transaction. Every enabled
// rule is considered and a RuleEvaluation row is written for each one,
// pass or fail. The final action is the most restrictive among the actions
// of failed rules; an allow rule can never block.
func (e *Engine) Evaluate(ctx context.Context, txRef string, req *contracts.TransactionRequest, now time.Time) (*contracts.Decision, error) {
	ruleSet, err := e.enabledRules(ctx)
	if err != nil {
		return nil, err
	}

	decision := &contracts.Decision{Action: contracts.ActionAllow}
	var tightestPerTx *big.Int

	for _, rule := range ruleSet {
		passed, reason, err := e.apply(ctx, rule, req, now)
		if err != nil {
			return nil, err
		}

		if p, ok := rule.Params.(*contracts.SpendingLimitParams); ok && p.Scope == contracts.ScopePerTransaction {
			if tightestPerTx == nil || p.AmountWei.Cmp(tightestPerTx) < 0 {
				tightestPerTx = p.AmountWei
			}
		}

		if err := e.store.InsertRuleEvaluation(ctx, &contracts.RuleEvaluation{
			TxRef:  txRef,
			RuleID: rule.ID,
			Passed: passed,
			Reason: reason,
			At:     now,
		}); err != nil {
			return nil, err
		}

		if !passed {
			decision.FailedRules = append(decision.FailedRules, contracts.FailedRule{
				RuleID: rule.ID,
				Name:   rule.Name,
				Reason: reason,
			})
			decision.Action = contracts.MostRestrictive(decision.Action, rule.Action)
		}
	}

	score, err := e.riskScore(ctx, req, now, len(decision.FailedRules), tightestPerTx)
	if err != nil {
		return nil, err
	}
	decision.RiskScore = score
	decision.RiskLevel = contracts.RiskLevelForScore(score)
	return decision, nil
}

// apply computes a single rule's predicate. The returned reason explains a
// failure; passing rules carry a short affirmation for the evaluation row.
func (e *Engine) apply(ctx context.Context, rule *contracts.Rule, req *contracts.TransactionRequest, now time.Time) (bool, string, error) {
	amount := req.ValueWei

	switch p := rule.Params.(type) {
	case *contracts.SpendingLimitParams:
		if p.Scope == contracts.ScopePerTransaction {
			if amount.Cmp(p.AmountWei) > 0 {
				return false, fmt.Sprintf("amount %s exceeds %s",
					contracts.FormatEther(amount), contracts.FormatEther(p.AmountWei)), nil
			}
			return true, "within per-transaction limit", nil
		}
		window := p.Scope.Window()
		spent, err := e.store.QuerySpend(ctx, req.Principal, now.Add(-window), now)
		if err != nil {
			return false, "", err
		}
		projected := new(big.Int).Add(spent, amount)
		if projected.Cmp(p.AmountWei) > 0 {
			return false, fmt.Sprintf("%s spend %s + amount %s exceeds %s", p.Scope,
				contracts.FormatEther(spent), contracts.FormatEther(amount),
				contracts.FormatEther(p.AmountWei)), nil
		}
		return true, fmt.Sprintf("within %s limit", p.Scope), nil

	case *contracts.AddressListParams:
		in := p.Contains(req.To)
		if rule.Kind == contracts.KindAddressWhitelist {
			if !in {
				return false, fmt.Sprintf("destination %s not in whitelist", req.To.Hex()), nil
			}
			return true, "destination whitelisted", nil
		}
		if in {
			return false, fmt.Sprintf("destination %s is blacklisted", req.To.Hex()), nil
		}
		return true, "destination not blacklisted", nil

	case *contracts.TimeRestrictionParams:
		if !p.Allows(now) {
			return false, fmt.Sprintf("time of day outside allowed hours [%d, %d)", p.StartHour, p.EndHour), nil
		}
		return true, "within allowed hours", nil

	case *contracts.AmountThresholdParams:
		if amount.Cmp(p.ThresholdWei) >= 0 {
			return false, fmt.Sprintf("amount %s at or above threshold %s",
				contracts.FormatEther(amount), contracts.FormatEther(p.ThresholdWei)), nil
		}
		return true, "below threshold", nil

	case *contracts.DailyTxCountParams:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		count, err := e.store.CountTransactions(ctx, req.Principal, midnight, now)
		if err != nil {
			return false, "", err
		}
		if count >= p.MaxCount {
			return false, fmt.Sprintf("daily transaction count %d at limit %d", count, p.MaxCount), nil
		}
		return true, "under daily transaction count", nil

	case *contracts.ExpressionParams:
		ok, err := e.cel.eval(p.Source, req, now)
		if err != nil {
			// Fail closed on evaluation errors; creation already validated
			// compilation, so this is a runtime type mismatch.
			return false, fmt.Sprintf("expression error: %v", err), nil
		}
		if !ok {
			return false, "expression evaluated to false", nil
		}
		return true, "expression evaluated to true", nil

	default:
		return false, "", contracts.Errorf(contracts.ErrInvariant, "rule %d: unknown params type", rule.ID)
	}
}

// riskScore implements the additive scoring model: 25 per failed rule, an
// amount term against the tightest per-transaction limit encountered, and a
// frequency term from the trailing-hour submission count.
func (e *Engine) riskScore(ctx context.Context, req *contracts.TransactionRequest, now time.Time, failed int, tightestPerTx *big.Int) (int, error) {
	score := failed * 25

	if tightestPerTx != nil {
		score += amountTerm(req.ValueWei, tightestPerTx)
	}

	count, err := e.store.CountTransactions(ctx, req.Principal, now.Add(-time.Hour), now)
	if err != nil {
		return 0, err
	}
	switch {
	case count > 10:
		score += 20
	case count > 3:
		score += 10
	}
	return score, nil
}

// amountTerm buckets amount relative to limit: 0 for <=1x, 5 for <=5x,
// 15 for <=20x, 30 beyond.
func amountTerm(amount, limit *big.Int) int {
	if limit.Sign() == 0 {
		if amount.Sign() == 0 {
			return 0
		}
		return 30
	}
	switch {
	case amount.Cmp(limit) <= 0:
		return 0
	case amount.Cmp(new(big.Int).Mul(limit, big.NewInt(5))) <= 0:
		return 5
	case amount.Cmp(new(big.Int).Mul(limit, big.NewInt(20))) <= 0:
		return 15
	default:
		return 30
	}
}
