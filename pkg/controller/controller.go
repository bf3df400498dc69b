// Package controller enforces the non-overridable spending envelope for
// AI-originated requests and manages the approval queue. It is layered on
// top of the rule engine: the orchestrator invokes it only when the rules
// did not already deny.
package controller

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/ledger"
)

// SecurityLevel selects a preset cap vector. It is fixed at deployment
// start and may be changed only by a policy update, never per request.
type SecurityLevel string

const (
	LevelUnrestricted SecurityLevel = "unrestricted"
	LevelModerate     SecurityLevel = "moderate"
	LevelStrict       SecurityLevel = "strict"
	LevelLockdown     SecurityLevel = "lockdown"
)

// Caps is the per-level cap vector. A nil amount or negative count means
// unlimited.
type Caps struct {
	MaxSingleTx       *big.Int
	HourlyLimit       *big.Int
	DailyLimit        *big.Int
	ApprovalThreshold *big.Int
	MaxTxPerHour      int
}

// CapsForLevel returns the preset vector for a level.
func CapsForLevel(level SecurityLevel) (Caps, error) {
	switch level {
	case LevelUnrestricted:
		return Caps{MaxTxPerHour: -1}, nil
	case LevelModerate:
		return Caps{
			MaxSingleTx:       contracts.MustEther("2"),
			HourlyLimit:       contracts.MustEther("5"),
			DailyLimit:        contracts.MustEther("20"),
			ApprovalThreshold: contracts.MustEther("0.5"),
			MaxTxPerHour:      50,
		}, nil
	case LevelStrict:
		return Caps{
			MaxSingleTx:       contracts.MustEther("0.5"),
			HourlyLimit:       contracts.MustEther("2"),
			DailyLimit:        contracts.MustEther("10"),
			ApprovalThreshold: contracts.MustEther("0.1"),
			MaxTxPerHour:      20,
		}, nil
	case LevelLockdown:
		return Caps{
			MaxSingleTx:       new(big.Int),
			HourlyLimit:       new(big.Int),
			DailyLimit:        new(big.Int),
			ApprovalThreshold: new(big.Int),
			MaxTxPerHour:      0,
		}, nil
	default:
		return Caps{}, contracts.Errorf(contracts.ErrValidation, "unknown security level %q", level)
	}
}

// Outcome is the controller's verdict for one request.
type Outcome struct {
	Action contracts.RuleAction // allow or require_approval
	Reason contracts.CapReason  // set when approval is required
}

// Controller holds the active cap vector and the approval workflow.
type Controller struct {
	store       *ledger.Store
	approvalTTL time.Duration
	clock       func() time.Time

	mu    sync.RWMutex
	level SecurityLevel
	caps  Caps
}

// New creates a controller at the given level. approvalTTL is the default
// expiry window for created approvals.
func New(store *ledger.Store, level SecurityLevel, approvalTTL time.Duration) (*Controller, error) {
	caps, err := CapsForLevel(level)
	if err != nil {
		return nil, err
	}
	if approvalTTL <= 0 {
		approvalTTL = 24 * time.Hour
	}
	return &Controller{
		store:       store,
		approvalTTL: approvalTTL,
		clock:       time.Now,
		level:       level,
		caps:        caps,
	}, nil
}

// WithClock overrides the clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Level returns the active security level.
func (c *Controller) Level() SecurityLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Snapshot returns the active cap vector.
func (c *Controller) Snapshot() Caps {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// SetLevel applies a policy update to a new preset level.
func (c *Controller) SetLevel(level SecurityLevel) error {
	caps, err := CapsForLevel(level)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.level = level
	c.caps = caps
	c.mu.Unlock()
	return nil
}

// Check evaluates the cap pipeline in order and returns the first tripped
// cap as an approval requirement. The caps are never a hard deny. A spend
// landing exactly on a window limit passes; strictly above trips.
func (c *Controller) Check(ctx context.Context, req *contracts.TransactionRequest, now time.Time) (*Outcome, error) {
	c.mu.RLock()
	level, caps := c.level, c.caps
	c.mu.RUnlock()

	amount := req.ValueWei

	if caps.MaxSingleTx != nil && amount.Cmp(caps.MaxSingleTx) > 0 {
		return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonSingleTxCap}, nil
	}

	if caps.HourlyLimit != nil {
		spent, err := c.store.QuerySpend(ctx, req.Principal, now.Add(-time.Hour), now)
		if err != nil {
			return nil, err
		}
		if new(big.Int).Add(spent, amount).Cmp(caps.HourlyLimit) > 0 {
			return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonHourlyCap}, nil
		}
	}

	if caps.DailyLimit != nil {
		spent, err := c.store.QuerySpend(ctx, req.Principal, now.Add(-24*time.Hour), now)
		if err != nil {
			return nil, err
		}
		if new(big.Int).Add(spent, amount).Cmp(caps.DailyLimit) > 0 {
			return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonDailyCap}, nil
		}
	}

	if caps.MaxTxPerHour >= 0 {
		count, err := c.store.CountTransactions(ctx, req.Principal, now.Add(-time.Hour), now)
		if err != nil {
			return nil, err
		}
		if count+1 > caps.MaxTxPerHour {
			return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonFrequencyCap}, nil
		}
	}

	if caps.ApprovalThreshold != nil && amount.Cmp(caps.ApprovalThreshold) > 0 {
		return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonThreshold}, nil
	}

	if level == LevelLockdown {
		// Lockdown holds everything, including zero-amount requests that
		// slip past the zero caps.
		return &Outcome{Action: contracts.ActionRequireApproval, Reason: contracts.ReasonThreshold}, nil
	}

	return &Outcome{Action: contracts.ActionAllow}, nil
}

// RequestApproval persists a pending approval for the request and returns
// it. The caller transitions the transaction record to awaiting_approval.
func (c *Controller) RequestApproval(ctx context.Context, correlationID string, req *contracts.TransactionRequest, reason contracts.CapReason) (*contracts.ApprovalRequest, error) {
	now := c.clock().UTC()
	a := &contracts.ApprovalRequest{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Request:       *req,
		Reason:        reason,
		Status:        contracts.ApprovalPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.approvalTTL),
	}
	if err := c.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Approve moves a pending approval to approved. Approving an already
// approved request is a no-op returning the prior outcome; a pending
// approval past its expiry is lazily expired and reported as such.
func (c *Controller) Approve(ctx context.Context, id, reviewer string) (*contracts.ApprovalRequest, error) {
	return c.decide(ctx, id, reviewer, contracts.ApprovalApproved)
}

// Reject moves a pending approval to rejected.
func (c *Controller) Reject(ctx context.Context, id, reviewer string) (*contracts.ApprovalRequest, error) {
	return c.decide(ctx, id, reviewer, contracts.ApprovalRejected)
}

func (c *Controller) decide(ctx context.Context, id, reviewer string, to contracts.ApprovalStatus) (*contracts.ApprovalRequest, error) {
	now := c.clock().UTC()

	current, err := c.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == contracts.ApprovalPending && current.Expired(now) {
		// Lazy sweep: an expired approval is never usable.
		if _, err := c.store.TransitionApproval(ctx, id, contracts.ApprovalExpired, "", now); err != nil {
			return nil, err
		}
		return nil, contracts.Errorf(contracts.ErrExpired, "approval %s expired at %s", id, current.ExpiresAt.Format(time.RFC3339))
	}
	return c.store.TransitionApproval(ctx, id, to, reviewer, now)
}

// ListApprovals lists approvals, optionally by status.
func (c *Controller) ListApprovals(ctx context.Context, status contracts.ApprovalStatus) ([]*contracts.ApprovalRequest, error) {
	return c.store.ListApprovals(ctx, status)
}

// GetApproval fetches one approval.
func (c *Controller) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	return c.store.GetApproval(ctx, id)
}

// Sweep expires every pending approval past its expiry and returns the
// swept set so the caller can fail the corresponding transaction records.
func (c *Controller) Sweep(ctx context.Context, now time.Time) ([]*contracts.ApprovalRequest, error) {
	expired, err := c.store.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, err
	}
	var swept []*contracts.ApprovalRequest
	for _, a := range expired {
		moved, err := c.store.TransitionApproval(ctx, a.ID, contracts.ApprovalExpired, "", now)
		if err != nil {
			// Lost the race to a concurrent decision; skip.
			continue
		}
		swept = append(swept, moved)
	}
	return swept, nil
}
