package contracts

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RuleKind discriminates the parameter shape of a rule.
type RuleKind string

const (
	KindSpendingLimit    RuleKind = "spending_limit"
	KindAddressWhitelist RuleKind = "address_whitelist"
	KindAddressBlacklist RuleKind = "address_blacklist"
	KindTimeRestriction  RuleKind = "time_restriction"
	KindAmountThreshold  RuleKind = "amount_threshold"
	KindDailyTxCount     RuleKind = "daily_tx_count"
	KindExpression       RuleKind = "expression"
)

// RuleAction is what a failing rule contributes to the final decision.
type RuleAction string

const (
	ActionAllow           RuleAction = "allow"
	ActionDeny            RuleAction = "deny"
	ActionRequireApproval RuleAction = "require_approval"
)

// restrictiveness orders actions: deny > require_approval > allow.
func restrictiveness(a RuleAction) int {
	switch a {
	case ActionDeny:
		return 2
	case ActionRequireApproval:
		return 1
	default:
		return 0
	}
}

// MostRestrictive returns the stricter of two actions.
func MostRestrictive(a, b RuleAction) RuleAction {
	if restrictiveness(b) > restrictiveness(a) {
		return b
	}
	return a
}

// LimitScope is the window of a spending_limit rule.
type LimitScope string

const (
	ScopePerTransaction LimitScope = "per_transaction"
	ScopeDaily          LimitScope = "daily"
	ScopeWeekly         LimitScope = "weekly"
	ScopeMonthly        LimitScope = "monthly"
)

// Window returns the trailing duration of the scope, or zero for
// per-transaction limits.
func (s LimitScope) Window() time.Duration {
	switch s {
	case ScopeDaily:
		return 24 * time.Hour
	case ScopeWeekly:
		return 7 * 24 * time.Hour
	case ScopeMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// RuleParams is the tagged variant of kind-specific rule parameters. Shapes
// are validated at rule creation, not at evaluation.
type RuleParams interface {
	Kind() RuleKind
	Validate() error
}

// SpendingLimitParams caps spend per transaction or over a trailing window.
type SpendingLimitParams struct {
	Scope     LimitScope `json:"scope"`
	AmountWei *big.Int   `json:"amount_wei"`
}

func (p *SpendingLimitParams) Kind() RuleKind { return KindSpendingLimit }

func (p *SpendingLimitParams) Validate() error {
	switch p.Scope {
	case ScopePerTransaction, ScopeDaily, ScopeWeekly, ScopeMonthly:
	default:
		return Errorf(ErrValidation, "spending_limit: unknown scope %q", p.Scope)
	}
	if p.AmountWei == nil || p.AmountWei.Sign() < 0 {
		return Errorf(ErrValidation, "spending_limit: amount_wei must be non-negative")
	}
	return nil
}

// AddressListParams is the shared shape of whitelist and blacklist rules.
type AddressListParams struct {
	kind      RuleKind
	Addresses []common.Address `json:"addresses"`
}

// NewAddressListParams builds params for whitelist or blacklist kinds.
func NewAddressListParams(kind RuleKind, addrs []common.Address) *AddressListParams {
	return &AddressListParams{kind: kind, Addresses: addrs}
}

func (p *AddressListParams) Kind() RuleKind { return p.kind }

func (p *AddressListParams) Validate() error {
	if p.kind != KindAddressWhitelist && p.kind != KindAddressBlacklist {
		return Errorf(ErrValidation, "address list params bound to kind %q", p.kind)
	}
	if len(p.Addresses) == 0 {
		return Errorf(ErrValidation, "%s: addresses must be non-empty", p.kind)
	}
	return nil
}

// Contains reports membership of addr in the list.
func (p *AddressListParams) Contains(addr common.Address) bool {
	for _, a := range p.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// TimeRestrictionParams permits transactions only inside [StartHour, EndHour)
// of the configured timezone (UTC when empty). Wrap-around is permitted.
type TimeRestrictionParams struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

func (p *TimeRestrictionParams) Kind() RuleKind { return KindTimeRestriction }

func (p *TimeRestrictionParams) Validate() error {
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 24 {
		return Errorf(ErrValidation, "time_restriction: hours out of range")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return Errorf(ErrValidation, "time_restriction: unknown timezone %q", p.Timezone)
		}
	}
	return nil
}

// Allows reports whether the time of day of now falls in the allowed range.
func (p *TimeRestrictionParams) Allows(now time.Time) bool {
	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	h := now.In(loc).Hour()
	if p.StartHour <= p.EndHour {
		return h >= p.StartHour && h < p.EndHour
	}
	// wrap-around range, e.g. 22 -> 6
	return h >= p.StartHour || h < p.EndHour
}

// AmountThresholdParams fails any transaction at or above the threshold.
type AmountThresholdParams struct {
	ThresholdWei *big.Int `json:"threshold_wei"`
}

func (p *AmountThresholdParams) Kind() RuleKind { return KindAmountThreshold }

func (p *AmountThresholdParams) Validate() error {
	if p.ThresholdWei == nil || p.ThresholdWei.Sign() < 0 {
		return Errorf(ErrValidation, "amount_threshold: threshold_wei must be non-negative")
	}
	return nil
}

// DailyTxCountParams caps the number of transactions since local midnight.
type DailyTxCountParams struct {
	MaxCount int `json:"max_count"`
}

func (p *DailyTxCountParams) Kind() RuleKind { return KindDailyTxCount }

func (p *DailyTxCountParams) Validate() error {
	if p.MaxCount < 0 {
		return Errorf(ErrValidation, "daily_tx_count: max_count must be non-negative")
	}
	return nil
}

// ExpressionParams holds a CEL predicate over the candidate transaction.
// Available variables: amount_wei (string), destination (string, 0x-hex),
// principal (string), hour (int, UTC). The expression must evaluate to bool;
// false fails the rule.
type ExpressionParams struct {
	Source string `json:"source"`
}

func (p *ExpressionParams) Kind() RuleKind { return KindExpression }

func (p *ExpressionParams) Validate() error {
	if p.Source == "" {
		return Errorf(ErrValidation, "expression: source must be non-empty")
	}
	return nil
}

// Rule is a stored policy.
type Rule struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Kind      RuleKind   `json:"kind"`
	Params    RuleParams `json:"params"`
	Action    RuleAction `json:"action"`
	Enabled   bool       `json:"enabled"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks the rule shape at creation time.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return Errorf(ErrValidation, "rule name must be non-empty")
	}
	switch r.Action {
	case ActionAllow, ActionDeny, ActionRequireApproval:
	default:
		return Errorf(ErrValidation, "unknown rule action %q", r.Action)
	}
	if r.Params == nil {
		return Errorf(ErrValidation, "rule params missing")
	}
	if r.Params.Kind() != r.Kind {
		return Errorf(ErrValidation, "params kind %q does not match rule kind %q", r.Params.Kind(), r.Kind)
	}
	return r.Params.Validate()
}

// EncodeRuleParams serializes params to JSON for the ledger boundary.
func EncodeRuleParams(p RuleParams) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeRuleParams deserializes kind-discriminated params from JSON.
func DecodeRuleParams(kind RuleKind, data []byte) (RuleParams, error) {
	var p RuleParams
	switch kind {
	case KindSpendingLimit:
		p = &SpendingLimitParams{}
	case KindAddressWhitelist, KindAddressBlacklist:
		p = &AddressListParams{kind: kind}
	case KindTimeRestriction:
		p = &TimeRestrictionParams{}
	case KindAmountThreshold:
		p = &AmountThresholdParams{}
	case KindDailyTxCount:
		p = &DailyTxCountParams{}
	case KindExpression:
		p = &ExpressionParams{}
	default:
		return nil, Errorf(ErrValidation, "unknown rule kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, Errorf(ErrValidation, "decode %s params: %v", kind, err)
	}
	return p, nil
}

// RiskLevel is the ordinal risk bucket of a decision.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore buckets a risk score.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 50:
		return RiskMedium
	case score < 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// FailedRule summarizes one rule whose predicate failed.
type FailedRule struct {
	RuleID int64  `json:"rule_id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Decision is the outcome of evaluating a candidate transaction.
type Decision struct {
	Action      RuleAction   `json:"action"`
	RiskScore   int          `json:"risk_score"`
	RiskLevel   RiskLevel    `json:"risk_level"`
	FailedRules []FailedRule `json:"failed_rules,omitempty"`
}

// RuleEvaluation is an append-only record of one (transaction, rule) pair.
type RuleEvaluation struct {
	ID     int64     `json:"id"`
	TxRef  string    `json:"tx_ref"` // correlation id; may predate the hash
	RuleID int64     `json:"rule_id"`
	Passed bool      `json:"passed"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
