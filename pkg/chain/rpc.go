package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// RPCTransport speaks to an EVM endpoint over JSON-RPC.
type RPCTransport struct {
	client *rpc.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*RPCTransport, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrTransport, "dial %s: %v", url, err)
	}
	return &RPCTransport{client: client}, nil
}

// NewRPCTransport wraps an existing client.
func NewRPCTransport(client *rpc.Client) *RPCTransport {
	return &RPCTransport{client: client}
}

// Close shuts the underlying connection.
func (t *RPCTransport) Close() { t.client.Close() }

// BroadcastRaw submits the signed blob via eth_sendRawTransaction. A
// JSON-RPC error response certifies the endpoint refused the payload; a
// failed call is a retriable transport error.
func (t *RPCTransport) BroadcastRaw(ctx context.Context, blob []byte) (common.Hash, error) {
	var hash common.Hash
	err := t.client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(blob))
	if err != nil {
		if _, ok := err.(rpc.Error); ok {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
		return common.Hash{}, contracts.Errorf(contracts.ErrTransport, "broadcast: %v", err)
	}
	return hash, nil
}

// rpcReceipt is the wire shape of eth_getTransactionReceipt.
type rpcReceipt struct {
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	Status      hexutil.Uint64 `json:"status"`
}

// FetchReceipt polls for the receipt of hash.
func (t *RPCTransport) FetchReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *rpcReceipt
	err := t.client.CallContext(ctx, &r, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrTransport, "fetch receipt: %v", err)
	}
	if r == nil || r.BlockNumber == nil {
		return nil, ErrNotYet
	}
	status := ReceiptReverted
	if r.Status == 1 {
		status = ReceiptSuccess
	}
	return &Receipt{
		BlockNumber: r.BlockNumber.ToInt().Uint64(),
		GasUsed:     uint64(r.GasUsed),
		Status:      status,
	}, nil
}

// ChainID fetches the network id for EIP-155 signing.
func (t *RPCTransport) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := t.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, contracts.Errorf(contracts.ErrTransport, "chain id: %v", err)
	}
	return id.ToInt(), nil
}
