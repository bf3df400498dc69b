// Package contracts holds the domain types shared by every ChainPilot
// subsystem: transaction requests and records, rules, decisions, approvals,
// spending records and the error kinds surfaced by core operations.
package contracts

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Principal tags the originator of a request.
type Principal string

const (
	PrincipalHuman Principal = "human"
	PrincipalAI    Principal = "ai"
)

// Valid reports whether p is a known principal tag.
func (p Principal) Valid() bool {
	return p == PrincipalHuman || p == PrincipalAI
}

// TxStatus is the lifecycle state of a transaction record.
type TxStatus string

const (
	TxPending          TxStatus = "pending"
	TxSubmitted        TxStatus = "submitted"
	TxConfirmed        TxStatus = "confirmed"
	TxFailed           TxStatus = "failed"
	TxDenied           TxStatus = "denied"
	TxAwaitingApproval TxStatus = "awaiting_approval"
)

// statusTransitions is the permitted state machine. A transition absent here
// is an invariant violation, never a silent success.
var statusTransitions = map[TxStatus][]TxStatus{
	TxPending:          {TxSubmitted, TxDenied, TxAwaitingApproval, TxFailed},
	TxAwaitingApproval: {TxSubmitted, TxDenied, TxFailed},
	TxSubmitted:        {TxConfirmed, TxFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to TxStatus) bool {
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TxStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// TransactionRequest is the ephemeral input to the pipeline. Amounts are in
// wei (smallest native units).
type TransactionRequest struct {
	From          common.Address  `json:"from"`
	To            common.Address  `json:"to"`
	ValueWei      *big.Int        `json:"value_wei"`
	TokenContract *common.Address `json:"token_contract,omitempty"`
	TokenAmount   *big.Int        `json:"token_amount,omitempty"`
	Note          string          `json:"note,omitempty"`
	Principal     Principal       `json:"principal"`
}

// Validate checks the request shape. Amount may be zero but never negative
// or absent.
func (r *TransactionRequest) Validate() error {
	if r.ValueWei == nil || r.ValueWei.Sign() < 0 {
		return Errorf(ErrValidation, "value_wei must be a non-negative integer")
	}
	if !r.Principal.Valid() {
		return Errorf(ErrValidation, "unknown principal %q", r.Principal)
	}
	if (r.TokenContract == nil) != (r.TokenAmount == nil) {
		return Errorf(ErrValidation, "token_contract and token_amount must be set together")
	}
	if r.TokenAmount != nil && r.TokenAmount.Sign() <= 0 {
		return Errorf(ErrValidation, "token_amount must be positive")
	}
	return nil
}

// TransactionRecord is the durable ledger row for one submission.
type TransactionRecord struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Hash          *common.Hash    `json:"hash,omitempty"` // nil until signed
	From          common.Address  `json:"from"`
	To            common.Address  `json:"to"`
	ValueWei      *big.Int        `json:"value_wei"`
	TokenContract *common.Address `json:"token_contract,omitempty"`
	TokenAmount   *big.Int        `json:"token_amount,omitempty"`
	Note          string          `json:"note,omitempty"`
	GasLimit      uint64          `json:"gas_limit"`
	GasPriceWei   *big.Int        `json:"gas_price_wei"`
	GasUsed       *uint64         `json:"gas_used,omitempty"`     // set on receipt
	BlockNumber   *uint64         `json:"block_number,omitempty"` // set on receipt
	Status        TxStatus        `json:"status"`
	Principal     Principal       `json:"principal"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Request reconstructs the original request snapshot from the record.
func (t *TransactionRecord) Request() TransactionRequest {
	return TransactionRequest{
		From:          t.From,
		To:            t.To,
		ValueWei:      t.ValueWei,
		TokenContract: t.TokenContract,
		TokenAmount:   t.TokenAmount,
		Note:          t.Note,
		Principal:     t.Principal,
	}
}

// StatusPatch carries the fields updated alongside a status transition.
type StatusPatch struct {
	Hash        *common.Hash
	BlockNumber *uint64
	GasUsed     *uint64
	Error       string
}

// SpendingRecord is appended at successful submission and consulted by
// rolling-window cap checks.
type SpendingRecord struct {
	ID        int64     `json:"id"`
	Principal Principal `json:"principal"`
	AmountWei *big.Int  `json:"amount_wei"`
	At        time.Time `json:"at"`
}

// Event is an audit row emitted on every state transition.
type Event struct {
	ID     int64          `json:"id"`
	TxRef  string         `json:"tx_ref"` // correlation id
	Type   string         `json:"type"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// TxFilter narrows ListTransactions.
type TxFilter struct {
	Principal Principal // empty matches all
	Status    TxStatus  // empty matches all
	Limit     int       // 0 means store default
}
