package contracts

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// CapReason names the cap that tripped an approval requirement.
type CapReason string

const (
	ReasonSingleTxCap  CapReason = "single_tx_cap"
	ReasonHourlyCap    CapReason = "hourly_cap"
	ReasonDailyCap     CapReason = "daily_cap"
	ReasonFrequencyCap CapReason = "frequency_cap"
	ReasonThreshold    CapReason = "threshold"
	// ReasonRule marks an approval required by a require_approval rule
	// rather than a controller cap.
	ReasonRule CapReason = "rule"
)

// ApprovalRequest is a held-aside transaction awaiting human review.
type ApprovalRequest struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlation_id"`
	Request       TransactionRequest `json:"request"`
	Reason        CapReason          `json:"reason"`
	Status        ApprovalStatus     `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Reviewer      string             `json:"reviewer,omitempty"`
	DecidedAt     *time.Time         `json:"decided_at,omitempty"`
}

// Expired reports whether the approval is past its expiry at now.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
