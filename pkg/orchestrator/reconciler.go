package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainpilot/chainpilot/pkg/chain"
	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// PollOnce checks one submitted record against the chain and settles it if
// a receipt is available. Returns true when the record reached a terminal
// state.
func (o *Orchestrator) PollOnce(ctx context.Context, rec *contracts.TransactionRecord) (bool, error) {
	if rec.Status != contracts.TxSubmitted || rec.Hash == nil {
		return false, nil
	}
	receipt, err := o.transport.FetchReceipt(ctx, *rec.Hash)
	if errors.Is(err, chain.ErrNotYet) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	patch := contracts.StatusPatch{
		BlockNumber: &receipt.BlockNumber,
		GasUsed:     &receipt.GasUsed,
	}
	to := contracts.TxConfirmed
	if receipt.Status == chain.ReceiptReverted {
		to = contracts.TxFailed
		patch.Error = "execution reverted"
	}
	if err := o.transition(ctx, rec.ID, rec.CorrelationID, to, patch); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile sweeps every submitted record once.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	pending, err := o.store.ListTransactions(ctx, contracts.TxFilter{Status: contracts.TxSubmitted})
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if _, err := o.PollOnce(ctx, rec); err != nil {
			o.logger.Warn("reconcile poll failed",
				slog.String("tx_ref", rec.CorrelationID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// SweepApprovals expires overdue pending approvals and fails their
// transaction records.
func (o *Orchestrator) SweepApprovals(ctx context.Context) error {
	swept, err := o.control.Sweep(ctx, o.clock().UTC())
	if err != nil {
		return err
	}
	for _, a := range swept {
		rec, err := o.store.GetTransactionByRef(ctx, a.CorrelationID)
		if err != nil {
			o.logger.Warn("sweep: record lookup failed",
				slog.String("tx_ref", a.CorrelationID), slog.String("error", err.Error()))
			continue
		}
		if rec.Status != contracts.TxAwaitingApproval {
			continue
		}
		if err := o.transition(ctx, rec.ID, rec.CorrelationID, contracts.TxFailed,
			contracts.StatusPatch{Error: "approval_expired"}); err != nil {
			o.logger.Warn("sweep: transition failed",
				slog.String("tx_ref", rec.CorrelationID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Run drives the reconciler and the approval sweeper until ctx is done.
// The rate limiter paces receipt polling against the RPC endpoint.
func (o *Orchestrator) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		if err := o.Reconcile(ctx); err != nil {
			o.logger.Warn("reconcile pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-sweep.C:
			if err := o.SweepApprovals(ctx); err != nil {
				o.logger.Warn("approval sweep failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
