package contracts_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "1", want: "1000000000000000000"},
		{in: "0.5", want: "500000000000000000"},
		{in: "0", want: "0"},
		{in: "2.000000000000000001", want: "2000000000000000001"},
		{in: "0.000000000000000001", want: "1"},
		{in: "1.0000000000000000001", err: true}, // 19 fractional digits
		{in: "-1", err: true},
		{in: "abc", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := contracts.ParseEther(tc.in)
		if tc.err {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got.String(), "input %q", tc.in)
	}
}

func TestFormatEtherRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.5", "1234.000000000000000567"} {
		wei, err := contracts.ParseEther(s)
		require.NoError(t, err)
		assert.Equal(t, s, contracts.FormatEther(wei))
	}
	assert.Equal(t, "0", contracts.FormatEther(new(big.Int)))
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to contracts.TxStatus }{
		{contracts.TxPending, contracts.TxSubmitted},
		{contracts.TxPending, contracts.TxDenied},
		{contracts.TxPending, contracts.TxAwaitingApproval},
		{contracts.TxPending, contracts.TxFailed},
		{contracts.TxAwaitingApproval, contracts.TxSubmitted},
		{contracts.TxAwaitingApproval, contracts.TxDenied},
		{contracts.TxAwaitingApproval, contracts.TxFailed},
		{contracts.TxSubmitted, contracts.TxConfirmed},
		{contracts.TxSubmitted, contracts.TxFailed},
	}
	for _, tr := range allowed {
		assert.True(t, contracts.CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to contracts.TxStatus }{
		{contracts.TxConfirmed, contracts.TxFailed},
		{contracts.TxDenied, contracts.TxSubmitted},
		{contracts.TxFailed, contracts.TxPending},
		{contracts.TxSubmitted, contracts.TxPending},
		{contracts.TxSubmitted, contracts.TxAwaitingApproval},
	}
	for _, tr := range denied {
		assert.False(t, contracts.CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	assert.True(t, contracts.TxConfirmed.Terminal())
	assert.True(t, contracts.TxDenied.Terminal())
	assert.True(t, contracts.TxFailed.Terminal())
	assert.False(t, contracts.TxPending.Terminal())
	assert.False(t, contracts.TxSubmitted.Terminal())
}

func TestRequestValidate(t *testing.T) {
	base := contracts.TransactionRequest{
		From:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		ValueWei:  big.NewInt(1),
		Principal: contracts.PrincipalHuman,
	}
	require.NoError(t, base.Validate())

	missing := base
	missing.ValueWei = nil
	assert.ErrorIs(t, missing.Validate(), contracts.ErrValidation)

	negative := base
	negative.ValueWei = big.NewInt(-1)
	assert.ErrorIs(t, negative.Validate(), contracts.ErrValidation)

	badPrincipal := base
	badPrincipal.Principal = "robot"
	assert.ErrorIs(t, badPrincipal.Validate(), contracts.ErrValidation)

	zero := base
	zero.ValueWei = new(big.Int)
	assert.NoError(t, zero.Validate(), "zero amount is a valid request")

	halfToken := base
	tc := common.HexToAddress("0x3333333333333333333333333333333333333333")
	halfToken.TokenContract = &tc
	assert.ErrorIs(t, halfToken.Validate(), contracts.ErrValidation)

	token := halfToken
	token.TokenAmount = big.NewInt(100)
	assert.NoError(t, token.Validate())
}

func TestMostRestrictive(t *testing.T) {
	assert.Equal(t, contracts.ActionDeny,
		contracts.MostRestrictive(contracts.ActionRequireApproval, contracts.ActionDeny))
	assert.Equal(t, contracts.ActionDeny,
		contracts.MostRestrictive(contracts.ActionDeny, contracts.ActionAllow))
	assert.Equal(t, contracts.ActionRequireApproval,
		contracts.MostRestrictive(contracts.ActionAllow, contracts.ActionRequireApproval))
	assert.Equal(t, contracts.ActionAllow,
		contracts.MostRestrictive(contracts.ActionAllow, contracts.ActionAllow))
}

func TestRuleParamsCodec(t *testing.T) {
	params := []contracts.RuleParams{
		&contracts.SpendingLimitParams{Scope: contracts.ScopeDaily, AmountWei: contracts.MustEther("5")},
		contracts.NewAddressListParams(contracts.KindAddressWhitelist,
			[]common.Address{common.HexToAddress("0x4444444444444444444444444444444444444444")}),
		&contracts.TimeRestrictionParams{StartHour: 9, EndHour: 17},
		&contracts.AmountThresholdParams{ThresholdWei: contracts.MustEther("1")},
		&contracts.DailyTxCountParams{MaxCount: 10},
		&contracts.ExpressionParams{Source: `amount_eth < 2.0`},
	}
	for _, p := range params {
		require.NoError(t, p.Validate(), "%s", p.Kind())
		data, err := contracts.EncodeRuleParams(p)
		require.NoError(t, err)
		back, err := contracts.DecodeRuleParams(p.Kind(), data)
		require.NoError(t, err, "%s", p.Kind())
		assert.Equal(t, p.Kind(), back.Kind())
		assert.NoError(t, back.Validate())
	}

	_, err := contracts.DecodeRuleParams("nonsense", []byte(`{}`))
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestRuleValidate(t *testing.T) {
	rule := &contracts.Rule{
		Name:   "daily cap",
		Kind:   contracts.KindSpendingLimit,
		Action: contracts.ActionDeny,
		Params: &contracts.SpendingLimitParams{Scope: contracts.ScopeDaily, AmountWei: big.NewInt(1)},
	}
	require.NoError(t, rule.Validate())

	mismatched := *rule
	mismatched.Kind = contracts.KindAmountThreshold
	assert.ErrorIs(t, mismatched.Validate(), contracts.ErrValidation)

	unnamed := *rule
	unnamed.Name = ""
	assert.ErrorIs(t, unnamed.Validate(), contracts.ErrValidation)

	badAction := *rule
	badAction.Action = "explode"
	assert.ErrorIs(t, badAction.Validate(), contracts.ErrValidation)
}

func TestTimeRestrictionWrapAround(t *testing.T) {
	overnight := &contracts.TimeRestrictionParams{StartHour: 22, EndHour: 6}
	require.NoError(t, overnight.Validate())

	at := func(h int) time.Time { return time.Date(2026, 3, 1, h, 30, 0, 0, time.UTC) }
	assert.True(t, overnight.Allows(at(23)))
	assert.True(t, overnight.Allows(at(2)))
	assert.False(t, overnight.Allows(at(12)))
	assert.False(t, overnight.Allows(at(6)), "end hour is exclusive")
	assert.True(t, overnight.Allows(at(22)), "start hour is inclusive")
}

func TestRiskLevelForScore(t *testing.T) {
	assert.Equal(t, contracts.RiskLow, contracts.RiskLevelForScore(0))
	assert.Equal(t, contracts.RiskLow, contracts.RiskLevelForScore(24))
	assert.Equal(t, contracts.RiskMedium, contracts.RiskLevelForScore(25))
	assert.Equal(t, contracts.RiskMedium, contracts.RiskLevelForScore(49))
	assert.Equal(t, contracts.RiskHigh, contracts.RiskLevelForScore(50))
	assert.Equal(t, contracts.RiskHigh, contracts.RiskLevelForScore(74))
	assert.Equal(t, contracts.RiskCritical, contracts.RiskLevelForScore(75))
	assert.Equal(t, contracts.RiskCritical, contracts.RiskLevelForScore(200))
}

func TestErrorKinds(t *testing.T) {
	err := contracts.Errorf(contracts.ErrDeniedByRule, "rule %d tripped", 7)
	assert.ErrorIs(t, err, contracts.ErrDeniedByRule)
	assert.Equal(t, "denied_by_rule", contracts.Kind(err))
	assert.Contains(t, err.Error(), "rule 7 tripped")

	assert.Equal(t, "not_found", contracts.Kind(contracts.ErrNotFound))
	assert.Equal(t, "conflict", contracts.Kind(contracts.ErrConflict))
}
