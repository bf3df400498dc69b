package gateway_test

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/audit"
	"github.com/chainpilot/chainpilot/pkg/chain"
	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/controller"
	"github.com/chainpilot/chainpilot/pkg/gateway"
	"github.com/chainpilot/chainpilot/pkg/ledger"
	"github.com/chainpilot/chainpilot/pkg/orchestrator"
	"github.com/chainpilot/chainpilot/pkg/rules"
	"github.com/chainpilot/chainpilot/pkg/session"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

type stubTransport struct {
	mu         sync.Mutex
	broadcasts int
}

func (s *stubTransport) BroadcastRaw(ctx context.Context, blob []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts++
	var tx types.Transaction
	if err := tx.UnmarshalBinary(blob); err != nil {
		return common.Hash{}, chain.ErrInvalidTx
	}
	return tx.Hash(), nil
}

func (s *stubTransport) FetchReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	return nil, chain.ErrNotYet
}

func (s *stubTransport) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

type env struct {
	gw      *gateway.Gateway
	store   *ledger.Store
	control *controller.Controller
	wallet  common.Address
}

func newEnv(t *testing.T, level controller.SecurityLevel) *env {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.Open(ledger.DriverSQLite, filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	addr, err := v.Create(ctx, "agent", "pw-agent-1")
	require.NoError(t, err)

	engine, err := rules.New(store)
	require.NoError(t, err)
	control, err := controller.New(store, level, 24*time.Hour)
	require.NoError(t, err)
	sessions := session.NewManager(v, []byte("gw-secret"), time.Hour)
	recorder := audit.NewRecorder(store, nil)

	pipeline := orchestrator.New(orchestrator.Config{
		Store:      store,
		Engine:     engine,
		Controller: control,
		Transport:  &stubTransport{},
		Wallets:    sessions,
		Recorder:   recorder,
	})

	gw, err := gateway.New(store, pipeline, engine, control, v, sessions, recorder, nil)
	require.NoError(t, err)

	// unlock the wallet so the pipeline can sign
	_, err = gw.UnlockWallet(ctx, "agent", "pw-agent-1")
	require.NoError(t, err)

	return &env{gw: gw, store: store, control: control, wallet: addr}
}

func (e *env) params(principal, valueWei string) gateway.SubmitParams {
	return gateway.SubmitParams{
		From:      e.wallet.Hex(),
		To:        "0x2222222222222222222222222222222222222222",
		ValueWei:  valueWei,
		Principal: principal,
	}
}

func TestSubmitAndFetch(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	res, err := e.gw.SubmitTransaction(ctx, e.params("human", "1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, contracts.TxSubmitted, res.Status)
	require.NotNil(t, res.Hash)

	byHash, err := e.gw.GetTransaction(ctx, res.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, res.CorrelationID, byHash.CorrelationID)

	byRef, err := e.gw.GetTransaction(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, byHash.ID, byRef.ID)

	list, err := e.gw.ListTransactions(ctx, contracts.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	events, ok, verdict, err := e.gw.AuditTrail(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.True(t, ok, verdict)
	assert.NotEmpty(t, events)
}

func TestSubmitParsing(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	bad := e.params("human", "1")
	bad.To = "not-an-address"
	_, err := e.gw.SubmitTransaction(ctx, bad)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	negative := e.params("human", "-5")
	_, err = e.gw.SubmitTransaction(ctx, negative)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	fractional := e.params("human", "1.5")
	_, err = e.gw.SubmitTransaction(ctx, fractional)
	assert.ErrorIs(t, err, contracts.ErrValidation, "wei amounts are integers")

	badPrincipal := e.params("overlord", "1")
	_, err = e.gw.SubmitTransaction(ctx, badPrincipal)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCreateRuleFromJSON(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	rule, err := e.gw.CreateRule(ctx, json.RawMessage(`{
		"name": "daily spend cap",
		"kind": "spending_limit",
		"action": "deny",
		"priority": 10,
		"params": {"scope": "daily", "amount_wei": "5000000000000000000"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.KindSpendingLimit, rule.Kind)
	assert.True(t, rule.Enabled, "enabled defaults to true")
	assert.Equal(t, 10, rule.Priority)

	listed, err := e.gw.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	toggled, err := e.gw.SetRuleEnabled(ctx, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	require.NoError(t, e.gw.DeleteRule(ctx, rule.ID))
}

func TestCreateRuleSchemaRejections(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	cases := []string{
		`{"kind": "spending_limit", "action": "deny", "params": {}}`,                                                    // missing name
		`{"name": "x", "kind": "mystery", "action": "deny", "params": {}}`,                                              // unknown kind
		`{"name": "x", "kind": "spending_limit", "action": "deny", "params": {"scope": "daily"}}`,                       // missing amount
		`{"name": "x", "kind": "spending_limit", "action": "deny", "params": {"scope": "daily", "amount_wei": "1.5"}}`,  // non-integer
		`{"name": "x", "kind": "address_whitelist", "action": "deny", "params": {"addresses": []}}`,                     // empty list
		`{"name": "x", "kind": "address_whitelist", "action": "deny", "params": {"addresses": ["bogus"]}}`,              // bad address
		`{"name": "x", "kind": "time_restriction", "action": "deny", "params": {"start_hour": 25, "end_hour": 3}}`,      // hour range
		`{"name": "x", "kind": "daily_tx_count", "action": "deny", "params": {"max_count": -1}}`,                        // negative count
		`{"name": "x", "kind": "spending_limit", "action": "obliterate", "params": {"scope": "daily", "amount_wei": "1"}}`, // bad action
		`not even json`,
	}
	for _, payload := range cases {
		_, err := e.gw.CreateRule(ctx, json.RawMessage(payload))
		assert.ErrorIs(t, err, contracts.ErrValidation, payload)
	}
}

func TestEvaluateTransactionDryRun(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	_, err := e.gw.CreateRule(ctx, json.RawMessage(`{
		"name": "tight cap",
		"kind": "spending_limit",
		"action": "deny",
		"params": {"scope": "per_transaction", "amount_wei": "1000"}
	}`))
	require.NoError(t, err)

	d, err := e.gw.EvaluateTransaction(ctx, e.params("ai", "2000"))
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, d.Action)

	// a dry run must not create a transaction record
	list, err := e.gw.ListTransactions(ctx, contracts.TxFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	// each dry run evaluates under its own ref, never a shared one
	_, err = e.gw.EvaluateTransaction(ctx, e.params("ai", "2000"))
	require.NoError(t, err)
	shared, err := e.store.ListRuleEvaluations(ctx, "preview")
	require.NoError(t, err)
	assert.Empty(t, shared)
}

func TestApproveResumesHeldTransaction(t *testing.T) {
	e := newEnv(t, controller.LevelModerate)
	ctx := context.Background()

	res, err := e.gw.SubmitTransaction(ctx, e.params("ai", "1000000000000000000")) // 1 ETH > 0.5 threshold
	require.NoError(t, err)
	assert.Equal(t, contracts.TxAwaitingApproval, res.Status)

	pending, err := e.gw.ListApprovals(ctx, contracts.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resumed, err := e.gw.Approve(ctx, res.ApprovalID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.TxSubmitted, resumed.Status)
	require.NotNil(t, resumed.Hash)
}

func TestRejectDeniesHeldTransaction(t *testing.T) {
	e := newEnv(t, controller.LevelModerate)
	ctx := context.Background()

	res, err := e.gw.SubmitTransaction(ctx, e.params("ai", "1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, contracts.TxAwaitingApproval, res.Status)

	rejected, err := e.gw.Reject(ctx, res.ApprovalID, "bob")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, rejected.Status)

	rec, err := e.gw.GetTransaction(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TxDenied, rec.Status)
	assert.Equal(t, "approval_rejected", rec.Error)
}

func TestSpendingSummary(t *testing.T) {
	e := newEnv(t, controller.LevelModerate)
	ctx := context.Background()

	_, err := e.gw.SubmitTransaction(ctx, e.params("ai", "400000000000000000")) // 0.4 ETH, under all caps
	require.NoError(t, err)

	s, err := e.gw.GetSpendingSummary(ctx, contracts.PrincipalAI)
	require.NoError(t, err)
	assert.Equal(t, controller.LevelModerate, s.Level)
	assert.Equal(t, contracts.MustEther("0.4"), s.HourlySpentWei)
	assert.Equal(t, contracts.MustEther("5"), s.HourlyLimitWei)
	assert.Equal(t, contracts.MustEther("4.6"), s.HourlyHeadroom)
	assert.Equal(t, contracts.MustEther("19.6"), s.DailyHeadroom)
	assert.Equal(t, 1, s.TxCountLastHour)
	assert.Equal(t, 50, s.MaxTxPerHour)

	// human spend is reported without caps
	h, err := e.gw.GetSpendingSummary(ctx, contracts.PrincipalHuman)
	require.NoError(t, err)
	assert.Nil(t, h.HourlyLimitWei)
	assert.Nil(t, h.HourlyHeadroom)
	assert.Zero(t, h.HourlySpentWei.Sign())

	_, err = e.gw.GetSpendingSummary(ctx, contracts.Principal("robot"))
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestWalletLifecycle(t *testing.T) {
	e := newEnv(t, controller.LevelUnrestricted)
	ctx := context.Background()

	addr, err := e.gw.CreateWallet(ctx, "treasury", "pw-treasury")
	require.NoError(t, err)

	wallets, err := e.gw.ListWallets()
	require.NoError(t, err)
	require.Len(t, wallets, 2)

	token, err := e.gw.UnlockWallet(ctx, "treasury", "pw-treasury")
	require.NoError(t, err)
	e.gw.LockWallet(token)

	_, err = e.gw.UnlockWallet(ctx, "treasury", "wrong")
	assert.ErrorIs(t, err, contracts.ErrBadCredentials)
	_ = addr
}
