package vault_test

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/contracts"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

func newVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.New(dir)
	require.NoError(t, err)
	return v, dir
}

func TestCreateLoadSignRoundTrip(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	addr, err := v.Create(ctx, "trading", "correct horse battery staple")
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, addr)

	handle, err := v.Load(ctx, "trading", "correct horse battery staple")
	require.NoError(t, err)
	defer handle.Close()
	assert.Equal(t, "trading", handle.Name())
	assert.Equal(t, addr, handle.Address())

	chainID := big.NewInt(11155111)
	unsigned := types.NewTransaction(0, common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(1000), 21_000, big.NewInt(1_000_000_000), nil)
	blob, hash, err := handle.Sign(unsigned, chainID)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	require.NotEqual(t, common.Hash{}, hash)

	// the signature must recover to the wallet address under EIP-155
	var signed types.Transaction
	require.NoError(t, signed.UnmarshalBinary(blob))
	sender, err := types.Sender(types.NewEIP155Signer(chainID), &signed)
	require.NoError(t, err)
	assert.Equal(t, addr, sender)
	assert.Equal(t, hash, signed.Hash())
}

func TestLoadWrongPassword(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	_, err := v.Create(ctx, "trading", "right")
	require.NoError(t, err)

	_, err = v.Load(ctx, "trading", "wrong")
	assert.ErrorIs(t, err, contracts.ErrBadCredentials)

	_, err = v.Load(ctx, "nonexistent", "right")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCreateRejections(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	_, err := v.Create(ctx, "ops", "pw")
	require.NoError(t, err)

	_, err = v.Create(ctx, "ops", "other")
	assert.ErrorIs(t, err, contracts.ErrValidation, "duplicate name")

	_, err = v.Create(ctx, "../escape", "pw")
	assert.ErrorIs(t, err, contracts.ErrValidation, "path traversal in name")

	_, err = v.Create(ctx, "ok", "")
	assert.ErrorIs(t, err, contracts.ErrValidation, "empty password")
}

func TestWalletFileNeverHoldsPlaintext(t *testing.T) {
	v, dir := newVault(t)
	ctx := context.Background()

	addr, err := v.Create(ctx, "audit-me", "pw123456")
	require.NoError(t, err)

	path := filepath.Join(dir, "audit-me.wallet.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var wf map[string]any
	require.NoError(t, json.Unmarshal(data, &wf))
	assert.Equal(t, "aes-256-gcm", wf["cipher"])
	assert.Equal(t, addr.Hex(), wf["address"])

	kdf := wf["kdf"].(map[string]any)
	assert.GreaterOrEqual(t, kdf["iterations"].(float64), float64(100_000))
	assert.NotContains(t, strings.ToLower(string(data)), "private")
}

func TestListAndFind(t *testing.T) {
	v, dir := newVault(t)
	ctx := context.Background()

	a, err := v.Create(ctx, "alpha", "pw")
	require.NoError(t, err)
	b, err := v.Create(ctx, "beta", "pw")
	require.NoError(t, err)

	// foreign files in the keystore dir are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	infos, err := v.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, a, infos[0].Address)
	assert.Equal(t, "beta", infos[1].Name)

	name, err := v.Find(b)
	require.NoError(t, err)
	assert.Equal(t, "beta", name)

	_, err = v.Find(common.HexToAddress("0x9999999999999999999999999999999999999999"))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestSignAfterClose(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	_, err := v.Create(ctx, "closeme", "pw")
	require.NoError(t, err)
	handle, err := v.Load(ctx, "closeme", "pw")
	require.NoError(t, err)
	handle.Close()

	unsigned := types.NewTransaction(0, common.Address{}, big.NewInt(1), 21_000, big.NewInt(1), nil)
	_, _, err = handle.Sign(unsigned, big.NewInt(1))
	assert.Error(t, err, "a closed handle must not sign")
}
