// Package chain defines the injected broadcast transport contract and a
// JSON-RPC implementation of it for EVM-compatible endpoints.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiptStatus is the execution outcome of a mined transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// Receipt is the minimal receipt view the pipeline needs.
type Receipt struct {
	BlockNumber uint64
	GasUsed     uint64
	Status      ReceiptStatus
}

// ErrNotYet is returned by FetchReceipt while the transaction is unmined.
var ErrNotYet = errors.New("receipt not yet available")

// ErrInvalidTx certifies that the endpoint rejected the payload and the
// transaction was never submitted. Anything else broadcast-side is a
// retriable transport failure.
var ErrInvalidTx = errors.New("transaction rejected")

// Transport is the externally supplied broadcast capability.
type Transport interface {
	// BroadcastRaw submits an RLP-encoded signed transaction.
	BroadcastRaw(ctx context.Context, blob []byte) (common.Hash, error)
	// FetchReceipt returns the receipt, or ErrNotYet while unmined.
	FetchReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	// ChainID identifies the network for EIP-155 signing.
	ChainID(ctx context.Context) (*big.Int, error)
}
