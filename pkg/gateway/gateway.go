// Package gateway is the programmatic facade over the pipeline: typed
// entry points for submissions, rule management, approvals, wallets and
// spending summaries, with payload validation at the boundary.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainpilot/chainpilot/pkg/audit"
	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/controller"
	"github.com/chainpilot/chainpilot/pkg/ledger"
	"github.com/chainpilot/chainpilot/pkg/orchestrator"
	"github.com/chainpilot/chainpilot/pkg/rules"
	"github.com/chainpilot/chainpilot/pkg/session"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

// Gateway binds the subsystems behind one API surface.
type Gateway struct {
	store     *ledger.Store
	pipeline  *orchestrator.Orchestrator
	engine    *rules.Engine
	control   *controller.Controller
	vault     *vault.Vault
	sessions  *session.Manager
	recorder  *audit.Recorder
	logger    *slog.Logger
	validator *ruleValidator
}

// New assembles the gateway.
func New(store *ledger.Store, pipeline *orchestrator.Orchestrator, engine *rules.Engine,
	control *controller.Controller, v *vault.Vault, sessions *session.Manager,
	recorder *audit.Recorder, logger *slog.Logger) (*Gateway, error) {
	validator, err := newRuleValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:     store,
		pipeline:  pipeline,
		engine:    engine,
		control:   control,
		vault:     v,
		sessions:  sessions,
		recorder:  recorder,
		logger:    logger,
		validator: validator,
	}, nil
}

// SubmitParams is the caller-facing submission shape. Amounts are decimal
// wei strings.
type SubmitParams struct {
	From          string `json:"from"`
	To            string `json:"to"`
	ValueWei      string `json:"value_wei"`
	TokenContract string `json:"token_contract,omitempty"`
	TokenAmount   string `json:"token_amount,omitempty"`
	Note          string `json:"note,omitempty"`
	Principal     string `json:"principal"`
}

// SubmitTransaction parses and runs one submission through the pipeline.
func (g *Gateway) SubmitTransaction(ctx context.Context, p SubmitParams) (*orchestrator.SubmitResult, error) {
	req, err := parseRequest(p)
	if err != nil {
		return nil, err
	}
	return g.pipeline.Submit(ctx, req)
}

// EvaluateTransaction runs the rule engine against a candidate without
// executing it. The evaluation trail is recorded under a fresh preview ref
// that no transaction record ever shares, so dry runs stay distinguishable
// from pipeline evaluations and from each other.
func (g *Gateway) EvaluateTransaction(ctx context.Context, p SubmitParams) (*contracts.Decision, error) {
	req, err := parseRequest(p)
	if err != nil {
		return nil, err
	}
	return g.engine.Evaluate(ctx, "preview-"+uuid.New().String(), req, time.Now().UTC())
}

// GetTransaction fetches a record by correlation id or 0x-prefixed hash.
func (g *Gateway) GetTransaction(ctx context.Context, ref string) (*contracts.TransactionRecord, error) {
	if len(ref) == 66 && ref[:2] == "0x" {
		return g.store.GetTransaction(ctx, common.HexToHash(ref))
	}
	return g.store.GetTransactionByRef(ctx, ref)
}

// ListTransactions lists ledger records, newest first.
func (g *Gateway) ListTransactions(ctx context.Context, f contracts.TxFilter) ([]*contracts.TransactionRecord, error) {
	return g.store.ListTransactions(ctx, f)
}

// AuditTrail returns the event rows of one transaction plus a chain
// verification verdict.
func (g *Gateway) AuditTrail(ctx context.Context, ref string) ([]*contracts.Event, bool, string, error) {
	events, err := g.store.ListEvents(ctx, ref)
	if err != nil {
		return nil, false, "", err
	}
	ok, verdict := audit.VerifyEvents(events)
	return events, ok, verdict, nil
}

// CreateRule validates an untyped rule payload against its kind schema and
// stores it. Returns the stored rule.
func (g *Gateway) CreateRule(ctx context.Context, payload json.RawMessage) (*contracts.Rule, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, contracts.Errorf(contracts.ErrValidation, "rule payload: %v", err)
	}
	if err := g.validator.validate(doc); err != nil {
		return nil, err
	}

	var envelope struct {
		Name     string          `json:"name"`
		Kind     string          `json:"kind"`
		Action   string          `json:"action"`
		Priority int             `json:"priority"`
		Enabled  *bool           `json:"enabled"`
		Params   json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, contracts.Errorf(contracts.ErrValidation, "rule payload: %v", err)
	}
	params, err := contracts.DecodeRuleParams(contracts.RuleKind(envelope.Kind), envelope.Params)
	if err != nil {
		return nil, err
	}

	enabled := true
	if envelope.Enabled != nil {
		enabled = *envelope.Enabled
	}
	rule := &contracts.Rule{
		Name:     envelope.Name,
		Kind:     contracts.RuleKind(envelope.Kind),
		Params:   params,
		Action:   contracts.RuleAction(envelope.Action),
		Enabled:  enabled,
		Priority: envelope.Priority,
	}
	id, err := g.engine.CreateRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	return g.engine.GetRule(ctx, id)
}

// GetRule fetches one rule.
func (g *Gateway) GetRule(ctx context.Context, id int64) (*contracts.Rule, error) {
	return g.engine.GetRule(ctx, id)
}

// ListRules lists stored rules.
func (g *Gateway) ListRules(ctx context.Context, enabledOnly bool) ([]*contracts.Rule, error) {
	return g.engine.ListRules(ctx, enabledOnly)
}

// UpdateRule replaces a stored rule.
func (g *Gateway) UpdateRule(ctx context.Context, rule *contracts.Rule) error {
	return g.engine.UpdateRule(ctx, rule)
}

// DeleteRule removes a rule.
func (g *Gateway) DeleteRule(ctx context.Context, id int64) error {
	return g.engine.DeleteRule(ctx, id)
}

// SetRuleEnabled toggles a rule without touching its parameters.
func (g *Gateway) SetRuleEnabled(ctx context.Context, id int64, enabled bool) (*contracts.Rule, error) {
	rule, err := g.engine.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	if err := g.engine.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListApprovals lists approvals, optionally filtered by status.
func (g *Gateway) ListApprovals(ctx context.Context, status contracts.ApprovalStatus) ([]*contracts.ApprovalRequest, error) {
	return g.control.ListApprovals(ctx, status)
}

// GetApproval fetches one approval.
func (g *Gateway) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	return g.control.GetApproval(ctx, id)
}

// Approve marks an approval approved and resumes the held transaction.
func (g *Gateway) Approve(ctx context.Context, id, reviewer string) (*orchestrator.SubmitResult, error) {
	if _, err := g.control.Approve(ctx, id, reviewer); err != nil {
		return nil, err
	}
	return g.pipeline.Resume(ctx, id)
}

// Reject marks an approval rejected and denies the held transaction.
func (g *Gateway) Reject(ctx context.Context, id, reviewer string) (*contracts.ApprovalRequest, error) {
	approval, err := g.control.Reject(ctx, id, reviewer)
	if err != nil {
		return nil, err
	}
	rec, err := g.store.GetTransactionByRef(ctx, approval.CorrelationID)
	if err != nil {
		return approval, nil
	}
	if rec.Status == contracts.TxAwaitingApproval {
		if err := g.store.UpdateTransactionStatus(ctx, rec.ID, contracts.TxDenied,
			contracts.StatusPatch{Error: "approval_rejected"}); err != nil {
			g.logger.Warn("reject: deny transition failed",
				slog.String("tx_ref", rec.CorrelationID), slog.String("error", err.Error()))
		}
	}
	return approval, nil
}

// CreateWallet generates and stores an encrypted wallet, returning its
// address. The private key never leaves the vault.
func (g *Gateway) CreateWallet(ctx context.Context, name, password string) (common.Address, error) {
	return g.vault.Create(ctx, name, password)
}

// UnlockWallet opens a signing session and returns the session token.
func (g *Gateway) UnlockWallet(ctx context.Context, name, password string) (string, error) {
	return g.sessions.Unlock(ctx, name, password)
}

// LockWallet closes the session behind a token.
func (g *Gateway) LockWallet(token string) {
	g.sessions.Lock(token)
}

// ListWallets lists stored wallet names and addresses.
func (g *Gateway) ListWallets() ([]vault.WalletInfo, error) {
	return g.vault.List()
}

// SpendingSummary reports recent spend against the active cap vector.
type SpendingSummary struct {
	Level           controller.SecurityLevel `json:"level"`
	HourlySpentWei  *big.Int                 `json:"hourly_spent_wei"`
	DailySpentWei   *big.Int                 `json:"daily_spent_wei"`
	HourlyLimitWei  *big.Int                 `json:"hourly_limit_wei,omitempty"`
	DailyLimitWei   *big.Int                 `json:"daily_limit_wei,omitempty"`
	HourlyHeadroom  *big.Int                 `json:"hourly_headroom_wei,omitempty"`
	DailyHeadroom   *big.Int                 `json:"daily_headroom_wei,omitempty"`
	TxCountLastHour int                      `json:"tx_count_last_hour"`
	MaxTxPerHour    int                      `json:"max_tx_per_hour"`
}

// GetSpendingSummary reports a principal's rolling spend. Cap limits and
// headroom are populated only for the AI principal; the caps do not bind
// human submissions.
func (g *Gateway) GetSpendingSummary(ctx context.Context, principal contracts.Principal) (*SpendingSummary, error) {
	if principal != contracts.PrincipalHuman && principal != contracts.PrincipalAI {
		return nil, contracts.Errorf(contracts.ErrValidation, "unknown principal %q", principal)
	}
	now := time.Now().UTC()
	hourly, err := g.store.QuerySpend(ctx, principal, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	daily, err := g.store.QuerySpend(ctx, principal, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	count, err := g.store.CountTransactions(ctx, principal, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}

	s := &SpendingSummary{
		Level:           g.control.Level(),
		HourlySpentWei:  hourly,
		DailySpentWei:   daily,
		TxCountLastHour: count,
	}
	if principal == contracts.PrincipalAI {
		caps := g.control.Snapshot()
		s.HourlyLimitWei = caps.HourlyLimit
		s.DailyLimitWei = caps.DailyLimit
		s.MaxTxPerHour = caps.MaxTxPerHour
		s.HourlyHeadroom = headroom(caps.HourlyLimit, hourly)
		s.DailyHeadroom = headroom(caps.DailyLimit, daily)
	}
	return s, nil
}

// SetSecurityLevel applies a preset level change as a policy update.
func (g *Gateway) SetSecurityLevel(level controller.SecurityLevel) error {
	return g.control.SetLevel(level)
}

func headroom(limit, spent *big.Int) *big.Int {
	if limit == nil {
		return nil
	}
	h := new(big.Int).Sub(limit, spent)
	if h.Sign() < 0 {
		h.SetInt64(0)
	}
	return h
}

func parseRequest(p SubmitParams) (*contracts.TransactionRequest, error) {
	from, err := parseAddress("from", p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("to", p.To)
	if err != nil {
		return nil, err
	}
	value, err := parseWei("value_wei", p.ValueWei)
	if err != nil {
		return nil, err
	}
	req := &contracts.TransactionRequest{
		From:      from,
		To:        to,
		ValueWei:  value,
		Note:      p.Note,
		Principal: contracts.Principal(p.Principal),
	}
	if p.TokenContract != "" {
		tc, err := parseAddress("token_contract", p.TokenContract)
		if err != nil {
			return nil, err
		}
		amount, err := parseWei("token_amount", p.TokenAmount)
		if err != nil {
			return nil, err
		}
		req.TokenContract = &tc
		req.TokenAmount = amount
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, contracts.Errorf(contracts.ErrValidation, "%s: %q is not a valid address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseWei(field, s string) (*big.Int, error) {
	if s == "" {
		s = "0"
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, contracts.Errorf(contracts.ErrValidation, "%s: %q is not a non-negative wei amount", field, s)
	}
	return n, nil
}
