package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// DefaultTransferGas is the intrinsic gas of a plain value transfer.
const DefaultTransferGas = 21_000

// DefaultTokenTransferGas is a conservative limit for an ERC-20 transfer.
const DefaultTokenTransferGas = 90_000

// BuildUnsigned assembles the unsigned legacy transaction for a request.
// A token transfer targets the token contract with transfer calldata; the
// native value still rides along if the request carries one.
func BuildUnsigned(req *contracts.TransactionRequest, nonce, gasLimit uint64, gasPrice *big.Int) *types.Transaction {
	to := req.To
	var data []byte
	if req.TokenContract != nil {
		to = *req.TokenContract
		data = transferCalldata(req.To, req.TokenAmount)
	}
	if gasLimit == 0 {
		gasLimit = DefaultTransferGas
		if data != nil {
			gasLimit = DefaultTokenTransferGas
		}
	}
	return types.NewTransaction(nonce, to, req.ValueWei, gasLimit, gasPrice, data)
}

// transferCalldata ABI-encodes transfer(recipient, amount).
func transferCalldata(recipient common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
