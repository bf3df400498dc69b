// Package orchestrator binds the rule engine, the AI spending controller,
// the wallet vault and the broadcast transport into the linear pipeline
// Evaluate -> Control -> Sign -> Broadcast -> Reconcile that every
// submission traverses.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainpilot/chainpilot/pkg/audit"
	"github.com/chainpilot/chainpilot/pkg/chain"
	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/controller"
	"github.com/chainpilot/chainpilot/pkg/ledger"
	"github.com/chainpilot/chainpilot/pkg/observability"
	"github.com/chainpilot/chainpilot/pkg/rules"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

// WalletSource resolves an unlocked wallet handle for a source address.
// The session package provides the production implementation.
type WalletSource interface {
	HandleFor(ctx context.Context, addr common.Address) (*vault.Handle, error)
}

// SubmitResult is the caller-visible outcome of one submission.
type SubmitResult struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        contracts.TxStatus     `json:"status"`
	Hash          *common.Hash           `json:"hash,omitempty"`
	ApprovalID    string                 `json:"approval_id,omitempty"`
	Reason        contracts.CapReason    `json:"reason,omitempty"`
	RiskLevel     contracts.RiskLevel    `json:"risk_level"`
	FailedRules   []contracts.FailedRule `json:"failed_rules,omitempty"`
}

// Orchestrator runs the full authorization and execution pipeline.
type Orchestrator struct {
	store     *ledger.Store
	engine    *rules.Engine
	control   *controller.Controller
	transport chain.Transport
	wallets   WalletSource
	recorder  *audit.Recorder
	metrics   *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time

	gasPriceWei *big.Int

	chainMu sync.Mutex
	chainID *big.Int

	// Per-principal serialization: the Evaluate -> Control -> record-spend
	// critical section, so two concurrent requests at a cap boundary cannot
	// both pass the check.
	principalMu map[contracts.Principal]*sync.Mutex

	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

// Config wires an orchestrator.
type Config struct {
	Store       *ledger.Store
	Engine      *rules.Engine
	Controller  *controller.Controller
	Transport   chain.Transport
	Wallets     WalletSource
	Recorder    *audit.Recorder
	Metrics     *observability.Provider // optional
	Logger      *slog.Logger
	GasPriceWei *big.Int
}

// New builds the pipeline.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gasPrice := cfg.GasPriceWei
	if gasPrice == nil {
		gasPrice = big.NewInt(1_000_000_000) // 1 gwei
	}
	return &Orchestrator{
		store:       cfg.Store,
		engine:      cfg.Engine,
		control:     cfg.Controller,
		transport:   cfg.Transport,
		wallets:     cfg.Wallets,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		logger:      logger,
		clock:       time.Now,
		gasPriceWei: gasPrice,
		principalMu: map[contracts.Principal]*sync.Mutex{
			contracts.PrincipalHuman: {},
			contracts.PrincipalAI:    {},
		},
		nonces: make(map[common.Address]uint64),
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Submit runs one request through the pipeline.
func (o *Orchestrator) Submit(ctx context.Context, req *contracts.TransactionRequest) (*SubmitResult, error) {
	start := o.clock()
	ctx, span := o.metrics.StartSpan(ctx, "pipeline.submit")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Intake: a pending record under a fresh correlation id.
	ref := uuid.New().String()
	rec := &contracts.TransactionRecord{
		CorrelationID: ref,
		From:          req.From,
		To:            req.To,
		ValueWei:      req.ValueWei,
		TokenContract: req.TokenContract,
		TokenAmount:   req.TokenAmount,
		Note:          req.Note,
		GasPriceWei:   o.gasPriceWei,
		Status:        contracts.TxPending,
		Principal:     req.Principal,
		CreatedAt:     o.clock().UTC(),
	}
	id, err := o.store.InsertTransaction(ctx, rec)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, ref, "tx.intake", map[string]any{"principal": string(req.Principal)})

	mu := o.principalMu[req.Principal]
	mu.Lock()
	defer mu.Unlock()

	now := o.clock().UTC()

	// Rule evaluation.
	decision, err := o.engine.Evaluate(ctx, ref, req, now)
	if err != nil {
		return nil, err
	}
	result := &SubmitResult{
		CorrelationID: ref,
		RiskLevel:     decision.RiskLevel,
		FailedRules:   decision.FailedRules,
	}

	if decision.Action == contracts.ActionDeny {
		if err := o.transition(ctx, id, ref, contracts.TxDenied, contracts.StatusPatch{Error: denialSummary(decision)}); err != nil {
			return nil, err
		}
		o.metrics.CountDenial(ctx, string(req.Principal))
		o.metrics.ObservePipeline(ctx, o.clock().Sub(start), string(contracts.TxDenied))
		result.Status = contracts.TxDenied
		return result, nil
	}

	// AI control: only AI-originated requests face the cap pipeline.
	holdReason := contracts.CapReason("")
	if decision.Action == contracts.ActionRequireApproval {
		holdReason = contracts.ReasonRule
	}
	if req.Principal == contracts.PrincipalAI {
		outcome, err := o.control.Check(ctx, req, now)
		if err != nil {
			return nil, err
		}
		if outcome.Action == contracts.ActionRequireApproval && holdReason == "" {
			holdReason = outcome.Reason
		}
	}

	if holdReason != "" {
		approval, err := o.control.RequestApproval(ctx, ref, req, holdReason)
		if err != nil {
			return nil, err
		}
		if err := o.transition(ctx, id, ref, contracts.TxAwaitingApproval, contracts.StatusPatch{}); err != nil {
			return nil, err
		}
		o.metrics.CountApprovalQueued(ctx, string(holdReason))
		o.metrics.ObservePipeline(ctx, o.clock().Sub(start), string(contracts.TxAwaitingApproval))
		result.Status = contracts.TxAwaitingApproval
		result.ApprovalID = approval.ID
		result.Reason = holdReason
		return result, nil
	}

	// Sign, record spend and broadcast; still inside the principal mutex so
	// the spending record lands before the next boundary check.
	if err := o.signAndBroadcast(ctx, id, ref, req, now, result); err != nil {
		return result, err
	}
	o.metrics.CountSubmission(ctx, string(req.Principal))
	o.metrics.ObservePipeline(ctx, o.clock().Sub(start), string(result.Status))
	return result, nil
}

// signAndBroadcast performs pipeline steps 4-5 for an authorized request.
func (o *Orchestrator) signAndBroadcast(ctx context.Context, id int64, ref string, req *contracts.TransactionRequest, now time.Time, result *SubmitResult) error {
	handle, err := o.wallets.HandleFor(ctx, req.From)
	if err != nil {
		return o.failBeforeSubmit(ctx, id, ref, result, err)
	}
	chainID, err := o.resolveChainID(ctx)
	if err != nil {
		return o.failBeforeSubmit(ctx, id, ref, result, err)
	}

	nonce := o.nextNonce(req.From)
	unsigned := chain.BuildUnsigned(req, nonce, 0, o.gasPriceWei)
	blob, hash, err := handle.Sign(unsigned, chainID)
	if err != nil {
		return o.failBeforeSubmit(ctx, id, ref, result, err)
	}

	// Attach the hash and record the spend atomically with the transition
	// to submitted; broadcast failures after this point are reconciled, not
	// rolled back.
	if err := o.transition(ctx, id, ref, contracts.TxSubmitted, contracts.StatusPatch{Hash: &hash}); err != nil {
		return err
	}
	if err := o.store.InsertSpendingRecord(ctx, &contracts.SpendingRecord{
		Principal: req.Principal,
		AmountWei: req.ValueWei,
		At:        now,
	}); err != nil {
		return err
	}
	result.Status = contracts.TxSubmitted
	result.Hash = &hash

	if _, err := o.transport.BroadcastRaw(ctx, blob); err != nil {
		if errors.Is(err, chain.ErrInvalidTx) {
			// Certified non-submission: the signature never left.
			if terr := o.transition(ctx, id, ref, contracts.TxFailed, contracts.StatusPatch{Error: err.Error()}); terr != nil {
				return terr
			}
			result.Status = contracts.TxFailed
			result.Hash = nil
			return err
		}
		// Retriable: the record stays submitted for the reconciler.
		o.metrics.CountBroadcastError(ctx)
		o.logger.Warn("broadcast failed, leaving for reconciler",
			slog.String("tx_ref", ref), slog.String("error", err.Error()))
		return nil
	}
	o.audit(ctx, ref, "tx.broadcast", map[string]any{"hash": hash.Hex()})
	return nil
}

// failBeforeSubmit terminalizes a record whose sign stage failed. Nothing was
// broadcast and no spend was recorded, so failed is the correct resting state;
// left pending the reconciler would never pick it up.
func (o *Orchestrator) failBeforeSubmit(ctx context.Context, id int64, ref string, result *SubmitResult, cause error) error {
	if terr := o.transition(ctx, id, ref, contracts.TxFailed, contracts.StatusPatch{Error: cause.Error()}); terr != nil {
		o.logger.Error("fail transition after sign error",
			slog.String("tx_ref", ref), slog.String("error", terr.Error()))
		return cause
	}
	result.Status = contracts.TxFailed
	return cause
}

// Resume re-runs an approved submission: rules are re-evaluated against the
// current ledger state, the controller caps are not (the human approval
// overrides them once).
func (o *Orchestrator) Resume(ctx context.Context, approvalID string) (*SubmitResult, error) {
	approval, err := o.control.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	switch approval.Status {
	case contracts.ApprovalApproved:
	case contracts.ApprovalExpired:
		return nil, contracts.Errorf(contracts.ErrExpired, "approval %s expired", approvalID)
	default:
		return nil, contracts.Errorf(contracts.ErrValidation, "approval %s is %s, not approved", approvalID, approval.Status)
	}

	rec, err := o.store.GetTransactionByRef(ctx, approval.CorrelationID)
	if err != nil {
		return nil, err
	}
	if rec.Status != contracts.TxAwaitingApproval {
		// Already resumed (or swept); report the current state.
		res := &SubmitResult{CorrelationID: rec.CorrelationID, Status: rec.Status, Hash: rec.Hash}
		return res, nil
	}

	req := approval.Request
	mu := o.principalMu[req.Principal]
	mu.Lock()
	defer mu.Unlock()

	now := o.clock().UTC()
	decision, err := o.engine.Evaluate(ctx, rec.CorrelationID, &req, now)
	if err != nil {
		return nil, err
	}
	result := &SubmitResult{
		CorrelationID: rec.CorrelationID,
		RiskLevel:     decision.RiskLevel,
		FailedRules:   decision.FailedRules,
		ApprovalID:    approvalID,
	}
	if decision.Action == contracts.ActionDeny {
		if err := o.transition(ctx, rec.ID, rec.CorrelationID, contracts.TxDenied, contracts.StatusPatch{Error: denialSummary(decision)}); err != nil {
			return nil, err
		}
		result.Status = contracts.TxDenied
		return result, nil
	}

	if err := o.signAndBroadcast(ctx, rec.ID, rec.CorrelationID, &req, now, result); err != nil {
		return result, err
	}
	o.metrics.CountSubmission(ctx, string(req.Principal))
	return result, nil
}

// transition updates the record status and emits the audit event.
func (o *Orchestrator) transition(ctx context.Context, id int64, ref string, to contracts.TxStatus, patch contracts.StatusPatch) error {
	if err := o.store.UpdateTransactionStatus(ctx, id, to, patch); err != nil {
		return err
	}
	detail := map[string]any{"status": string(to)}
	if patch.Hash != nil {
		detail["hash"] = patch.Hash.Hex()
	}
	if patch.Error != "" {
		detail["error"] = patch.Error
	}
	o.audit(ctx, ref, "tx."+string(to), detail)
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, ref, typ string, detail map[string]any) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(ctx, ref, typ, detail); err != nil {
		o.logger.Error("audit record failed", slog.String("tx_ref", ref), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) resolveChainID(ctx context.Context) (*big.Int, error) {
	o.chainMu.Lock()
	defer o.chainMu.Unlock()
	if o.chainID != nil {
		return o.chainID, nil
	}
	id, err := o.transport.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	o.chainID = id
	return id, nil
}

// nextNonce hands out per-wallet nonces. Single signer per wallet is
// assumed; cross-process nonce reconciliation is out of scope.
func (o *Orchestrator) nextNonce(addr common.Address) uint64 {
	o.nonceMu.Lock()
	defer o.nonceMu.Unlock()
	n := o.nonces[addr]
	o.nonces[addr] = n + 1
	return n
}

// SetNonce seeds the nonce counter for a wallet, e.g. from chain state.
func (o *Orchestrator) SetNonce(addr common.Address, nonce uint64) {
	o.nonceMu.Lock()
	o.nonces[addr] = nonce
	o.nonceMu.Unlock()
}

func denialSummary(d *contracts.Decision) string {
	if len(d.FailedRules) == 0 {
		return "denied"
	}
	return d.FailedRules[0].Reason
}
