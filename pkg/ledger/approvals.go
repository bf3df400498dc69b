package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

const approvalColumns = `id, correlation_id, request, reason, status, created_ns, expires_ns, reviewer, decided_ns`

// CreateApproval persists a new approval request.
func (s *Store) CreateApproval(ctx context.Context, a *contracts.ApprovalRequest) error {
	req, err := json.Marshal(a.Request)
	if err != nil {
		return fmt.Errorf("ledger: marshal approval request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO approvals (id, correlation_id, request, reason, status, created_ns, expires_ns, reviewer)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.CorrelationID, string(req), string(a.Reason), string(a.Status),
		a.CreatedAt.UTC().UnixNano(), a.ExpiresAt.UTC().UnixNano(), a.Reviewer)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.Errorf(contracts.ErrInvariant, "duplicate approval id %s", a.ID)
		}
		return fmt.Errorf("ledger: create approval: %w", err)
	}
	return nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`), id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Errorf(contracts.ErrNotFound, "approval %s", id)
	}
	return a, err
}

// ListApprovals returns approvals, optionally filtered by status, newest
// first.
func (s *Store) ListApprovals(ctx context.Context, status contracts.ApprovalStatus) ([]*contracts.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_ns DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListExpiredPending returns pending approvals whose expiry has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? AND expires_ns <= ?`),
		string(contracts.ApprovalPending), now.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("ledger: list expired approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionApproval moves a pending approval to a terminal status. The
// update is a single-winner compare-and-set on status; losing a race or
// re-deciding a settled approval reports the current state.
func (s *Store) TransitionApproval(ctx context.Context, id string, to contracts.ApprovalStatus, reviewer string, at time.Time) (*contracts.ApprovalRequest, error) {
	if to == contracts.ApprovalPending {
		return nil, contracts.Errorf(contracts.ErrInvariant, "approval %s: cannot transition back to pending", id)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE approvals SET status = ?, reviewer = ?, decided_ns = ? WHERE id = ? AND status = ?`),
		string(to), reviewer, at.UTC().UnixNano(), id, string(contracts.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("ledger: transition approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ledger: transition approval: %w", err)
	}
	if n == 1 {
		return s.GetApproval(ctx, id)
	}

	// CAS lost: the approval is missing or already settled.
	current, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == to {
		// Idempotent re-decision returns the prior outcome.
		return current, nil
	}
	return current, contracts.Errorf(contracts.ErrInvariant,
		"approval %s already %s, cannot mark %s", id, current.Status, to)
}

func scanApproval(row rowScanner) (*contracts.ApprovalRequest, error) {
	var (
		a                    contracts.ApprovalRequest
		request              string
		reason, status       string
		createdNs, expiresNs int64
		decidedNs            sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.CorrelationID, &request, &reason, &status,
		&createdNs, &expiresNs, &a.Reviewer, &decidedNs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &a.Request); err != nil {
		return nil, contracts.Errorf(contracts.ErrInvariant, "approval %s request snapshot: %v", a.ID, err)
	}
	a.Reason = contracts.CapReason(reason)
	a.Status = contracts.ApprovalStatus(status)
	a.CreatedAt = nsToTime(createdNs)
	a.ExpiresAt = nsToTime(expiresNs)
	if decidedNs.Valid {
		t := nsToTime(decidedNs.Int64)
		a.DecidedAt = &t
	}
	return &a, nil
}
