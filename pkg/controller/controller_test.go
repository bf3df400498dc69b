package controller_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/controller"
	"github.com/chainpilot/chainpilot/pkg/ledger"
)

var noon = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newController(t *testing.T, level controller.SecurityLevel) (*controller.Controller, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(ledger.DriverSQLite, filepath.Join(t.TempDir(), "ctrl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := controller.New(store, level, 24*time.Hour)
	require.NoError(t, err)
	c.WithClock(func() time.Time { return noon })
	return c, store
}

func aiRequest(valueEth string) *contracts.TransactionRequest {
	return &contracts.TransactionRequest{
		From:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ValueWei:  contracts.MustEther(valueEth),
		Principal: contracts.PrincipalAI,
	}
}

func recordSpend(t *testing.T, store *ledger.Store, eth string, at time.Time) {
	t.Helper()
	require.NoError(t, store.InsertSpendingRecord(context.Background(), &contracts.SpendingRecord{
		Principal: contracts.PrincipalAI,
		AmountWei: contracts.MustEther(eth),
		At:        at,
	}))
}

func TestUnrestrictedAllowsEverything(t *testing.T) {
	c, _ := newController(t, controller.LevelUnrestricted)
	out, err := c.Check(context.Background(), aiRequest("1000000"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, out.Action)
}

func TestSingleTxCapBoundary(t *testing.T) {
	c, _ := newController(t, controller.LevelModerate) // max single 2 ETH

	// a transfer below the approval threshold and at most the single-tx cap
	atThreshold, err := c.Check(context.Background(), aiRequest("0.5"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, atThreshold.Action, "exactly at the threshold passes")

	overCap, err := c.Check(context.Background(), aiRequest("2.000000000000000001"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, overCap.Action)
	assert.Equal(t, contracts.ReasonSingleTxCap, overCap.Reason)
}

func TestApprovalThreshold(t *testing.T) {
	c, _ := newController(t, controller.LevelModerate) // threshold 0.5 ETH

	held, err := c.Check(context.Background(), aiRequest("0.6"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, held.Action)
	assert.Equal(t, contracts.ReasonThreshold, held.Reason)
}

func TestHourlyAndDailyCaps(t *testing.T) {
	c, store := newController(t, controller.LevelModerate) // hourly 5, daily 20
	ctx := context.Background()

	recordSpend(t, store, "4.9", noon.Add(-30*time.Minute))

	// projected 4.9 + 0.1 == 5 lands exactly on the hourly limit: passes
	exact, err := c.Check(ctx, aiRequest("0.1"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAllow, exact.Action)

	over, err := c.Check(ctx, aiRequest("0.2"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, over.Action)
	assert.Equal(t, contracts.ReasonHourlyCap, over.Reason)

	// push the day near its cap, outside the hour window
	recordSpend(t, store, "15", noon.Add(-20*time.Hour))
	daily, err := c.Check(ctx, aiRequest("0.2"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, daily.Action)
	assert.Equal(t, contracts.ReasonDailyCap, daily.Reason)
}

func TestFrequencyCap(t *testing.T) {
	c, store := newController(t, controller.LevelStrict) // 20 per hour
	ctx := context.Background()
	store.WithClock(func() time.Time { return noon })

	for i := 0; i < 20; i++ {
		rec := &contracts.TransactionRecord{
			CorrelationID: common.BigToHash(big.NewInt(int64(i + 1))).Hex(),
			From:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
			To:            common.HexToAddress("0x2222222222222222222222222222222222222222"),
			ValueWei:      big.NewInt(1),
			GasPriceWei:   big.NewInt(1),
			Status:        contracts.TxPending,
			Principal:     contracts.PrincipalAI,
		}
		id, err := store.InsertTransaction(ctx, rec)
		require.NoError(t, err)
		hash := common.BigToHash(big.NewInt(int64(1000 + i)))
		require.NoError(t, store.UpdateTransactionStatus(ctx, id, contracts.TxSubmitted,
			contracts.StatusPatch{Hash: &hash}))
	}

	out, err := c.Check(ctx, aiRequest("0.01"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, out.Action)
	assert.Equal(t, contracts.ReasonFrequencyCap, out.Reason)
}

func TestLockdownHoldsEverything(t *testing.T) {
	c, _ := newController(t, controller.LevelLockdown)

	out, err := c.Check(context.Background(), aiRequest("0"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, out.Action, "even zero-amount requests are held")

	out, err = c.Check(context.Background(), aiRequest("0.000000000000000001"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, out.Action)
	assert.Equal(t, contracts.ReasonSingleTxCap, out.Reason)
}

func TestSetLevelSwapsCaps(t *testing.T) {
	c, _ := newController(t, controller.LevelUnrestricted)
	require.NoError(t, c.SetLevel(controller.LevelStrict))
	assert.Equal(t, controller.LevelStrict, c.Level())

	out, err := c.Check(context.Background(), aiRequest("0.6"), noon)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionRequireApproval, out.Action)

	assert.Error(t, c.SetLevel("paranoid"))
	assert.Equal(t, controller.LevelStrict, c.Level(), "failed update leaves caps untouched")
}

func TestApprovalLifecycle(t *testing.T) {
	c, _ := newController(t, controller.LevelModerate)
	ctx := context.Background()

	a, err := c.RequestApproval(ctx, "corr-1", aiRequest("3"), contracts.ReasonSingleTxCap)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, a.Status)
	assert.Equal(t, noon.Add(24*time.Hour), a.ExpiresAt)

	approved, err := c.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, approved.Status)
	assert.Equal(t, "alice", approved.Reviewer)

	// idempotent re-approval keeps the original decision
	again, err := c.Approve(ctx, a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Reviewer)

	// conflicting decision is an invariant violation
	_, err = c.Reject(ctx, a.ID, "carol")
	assert.ErrorIs(t, err, contracts.ErrInvariant)
}

func TestLazyExpiryOnDecide(t *testing.T) {
	c, _ := newController(t, controller.LevelModerate)
	ctx := context.Background()

	a, err := c.RequestApproval(ctx, "corr-2", aiRequest("3"), contracts.ReasonThreshold)
	require.NoError(t, err)

	c.WithClock(func() time.Time { return noon.Add(25 * time.Hour) })
	_, err = c.Approve(ctx, a.ID, "alice")
	assert.ErrorIs(t, err, contracts.ErrExpired)

	got, err := c.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalExpired, got.Status)
}

func TestSweep(t *testing.T) {
	c, _ := newController(t, controller.LevelModerate)
	ctx := context.Background()

	stale, err := c.RequestApproval(ctx, "corr-3", aiRequest("3"), contracts.ReasonThreshold)
	require.NoError(t, err)
	c.WithClock(func() time.Time { return noon.Add(time.Hour) })
	fresh, err := c.RequestApproval(ctx, "corr-4", aiRequest("3"), contracts.ReasonThreshold)
	require.NoError(t, err)

	swept, err := c.Sweep(ctx, noon.Add(24*time.Hour+time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, stale.ID, swept[0].ID)
	assert.Equal(t, contracts.ApprovalExpired, swept[0].Status)

	got, err := c.GetApproval(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, got.Status)
}
