package chain_test

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/chain"
	"github.com/chainpilot/chainpilot/pkg/contracts"
)

var (
	sender    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
	token     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestBuildUnsignedNativeTransfer(t *testing.T) {
	req := &contracts.TransactionRequest{
		From:      sender,
		To:        recipient,
		ValueWei:  contracts.MustEther("1"),
		Principal: contracts.PrincipalHuman,
	}
	tx := chain.BuildUnsigned(req, 7, 0, big.NewInt(2_000_000_000))

	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, recipient, *tx.To())
	assert.Equal(t, contracts.MustEther("1"), tx.Value())
	assert.Equal(t, uint64(chain.DefaultTransferGas), tx.Gas())
	assert.Equal(t, big.NewInt(2_000_000_000), tx.GasPrice())
	assert.Empty(t, tx.Data())
}

func TestBuildUnsignedTokenTransfer(t *testing.T) {
	amount := big.NewInt(123_456)
	req := &contracts.TransactionRequest{
		From:          sender,
		To:            recipient,
		ValueWei:      big.NewInt(0),
		TokenContract: &token,
		TokenAmount:   amount,
		Principal:     contracts.PrincipalAI,
	}
	tx := chain.BuildUnsigned(req, 0, 0, big.NewInt(1))

	// the wire target is the token contract, not the recipient
	assert.Equal(t, token, *tx.To())
	assert.Equal(t, uint64(chain.DefaultTokenTransferGas), tx.Gas())

	data := tx.Data()
	require.Len(t, data, 4+32+32)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(data[:4]))
	assert.Equal(t, common.LeftPadBytes(recipient.Bytes(), 32), data[4:36])
	assert.Equal(t, common.LeftPadBytes(amount.Bytes(), 32), data[36:68])
}

func TestBuildUnsignedExplicitGasLimit(t *testing.T) {
	req := &contracts.TransactionRequest{
		From:      sender,
		To:        recipient,
		ValueWei:  big.NewInt(1),
		Principal: contracts.PrincipalHuman,
	}
	tx := chain.BuildUnsigned(req, 0, 150_000, big.NewInt(1))
	assert.Equal(t, uint64(150_000), tx.Gas())
}
