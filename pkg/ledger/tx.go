package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

const txColumns = `id, correlation_id, hash, from_addr, to_addr, value_wei,
	token_contract, token_amount, note, gas_limit, gas_price_wei, gas_used,
	block_number, status, principal, error, created_ns, updated_ns`

// InsertTransaction inserts a new record and returns the row id. A duplicate
// hash or correlation id is reported as a conflict; the caller retries with
// the correct state.
func (s *Store) InsertTransaction(ctx context.Context, rec *contracts.TransactionRecord) (int64, error) {
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	var hash sql.NullString
	if rec.Hash != nil {
		hash = sql.NullString{String: rec.Hash.Hex(), Valid: true}
	}
	var tokenContract, tokenAmount sql.NullString
	if rec.TokenContract != nil {
		tokenContract = sql.NullString{String: rec.TokenContract.Hex(), Valid: true}
		tokenAmount = sql.NullString{String: rec.TokenAmount.String(), Valid: true}
	}

	query := s.rebind(`INSERT INTO transactions (
		correlation_id, hash, from_addr, to_addr, value_wei, token_contract,
		token_amount, note, gas_limit, gas_price_wei, status, principal,
		error, created_ns, updated_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	if s.driver == DriverPostgres {
		query += " RETURNING id"
		var id int64
		err := s.db.QueryRowContext(ctx, query,
			rec.CorrelationID, hash, rec.From.Hex(), rec.To.Hex(),
			rec.ValueWei.String(), tokenContract, tokenAmount, rec.Note,
			int64(rec.GasLimit), rec.GasPriceWei.String(), string(rec.Status),
			string(rec.Principal), rec.Error,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		).Scan(&id)
		if err != nil {
			return 0, s.insertTxErr(err)
		}
		rec.ID = id
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.CorrelationID, hash, rec.From.Hex(), rec.To.Hex(),
		rec.ValueWei.String(), tokenContract, tokenAmount, rec.Note,
		int64(rec.GasLimit), rec.GasPriceWei.String(), string(rec.Status),
		string(rec.Principal), rec.Error,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return 0, s.insertTxErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: insert transaction id: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (s *Store) insertTxErr(err error) error {
	if isUniqueViolation(err) {
		return contracts.Errorf(contracts.ErrConflict, "duplicate transaction hash or correlation id: %v", err)
	}
	return fmt.Errorf("ledger: insert transaction: %w", err)
}

// UpdateTransactionStatus atomically transitions a record's status, applying
// the patch fields. Transitions not permitted by the state machine raise an
// invariant error and leave the row untouched.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, to contracts.TxStatus, patch contracts.StatusPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	q := `SELECT status FROM transactions WHERE id = ?`
	if s.driver == DriverPostgres {
		q += " FOR UPDATE"
	}
	err = tx.QueryRowContext(ctx, s.rebind(q), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Errorf(contracts.ErrNotFound, "transaction %d", id)
	}
	if err != nil {
		return fmt.Errorf("ledger: read status: %w", err)
	}

	from := contracts.TxStatus(current)
	if !contracts.CanTransition(from, to) {
		return contracts.Errorf(contracts.ErrInvariant, "illegal transaction transition %s -> %s (id %d)", from, to, id)
	}

	var hash sql.NullString
	if patch.Hash != nil {
		hash = sql.NullString{String: patch.Hash.Hex(), Valid: true}
	}
	var blockNumber, gasUsed sql.NullInt64
	if patch.BlockNumber != nil {
		blockNumber = sql.NullInt64{Int64: int64(*patch.BlockNumber), Valid: true}
	}
	if patch.GasUsed != nil {
		gasUsed = sql.NullInt64{Int64: int64(*patch.GasUsed), Valid: true}
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE transactions SET
			status = ?,
			hash = COALESCE(?, hash),
			block_number = COALESCE(?, block_number),
			gas_used = COALESCE(?, gas_used),
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			updated_ns = ?
		WHERE id = ? AND status = ?`),
		string(to), hash, blockNumber, gasUsed, patch.Error, patch.Error,
		s.clock().UTC().UnixNano(), id, current,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.Errorf(contracts.ErrConflict, "duplicate hash on transition of %d: %v", id, err)
		}
		return fmt.Errorf("ledger: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected: %w", err)
	}
	if n == 0 {
		return contracts.Errorf(contracts.ErrInvariant, "concurrent transition of transaction %d", id)
	}
	return tx.Commit()
}

// GetTransaction fetches a record by canonical hash.
func (s *Store) GetTransaction(ctx context.Context, hash common.Hash) (*contracts.TransactionRecord, error) {
	return s.queryTx(ctx, `WHERE hash = ?`, hash.Hex())
}

// GetTransactionByID fetches a record by row id.
func (s *Store) GetTransactionByID(ctx context.Context, id int64) (*contracts.TransactionRecord, error) {
	return s.queryTx(ctx, `WHERE id = ?`, id)
}

// GetTransactionByRef fetches a record by correlation id.
func (s *Store) GetTransactionByRef(ctx context.Context, ref string) (*contracts.TransactionRecord, error) {
	return s.queryTx(ctx, `WHERE correlation_id = ?`, ref)
}

func (s *Store) queryTx(ctx context.Context, where string, arg any) (*contracts.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+txColumns+` FROM transactions `+where), arg)
	rec, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Errorf(contracts.ErrNotFound, "transaction %v", arg)
	}
	return rec, err
}

// ListTransactions returns records matching the filter, newest first.
func (s *Store) ListTransactions(ctx context.Context, f contracts.TxFilter) ([]*contracts.TransactionRecord, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.Principal != "" {
		query += ` AND principal = ?`
		args = append(args, string(f.Principal))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TransactionRecord
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*contracts.TransactionRecord, error) {
	var (
		rec                       contracts.TransactionRecord
		hash, tokenC, tokenA      sql.NullString
		gasUsed, blockNumber      sql.NullInt64
		valueWei, gasPriceWei     string
		fromAddr, toAddr          string
		status, principal         string
		createdNs, updatedNs      int64
		gasLimit                  int64
	)
	err := row.Scan(&rec.ID, &rec.CorrelationID, &hash, &fromAddr, &toAddr,
		&valueWei, &tokenC, &tokenA, &rec.Note, &gasLimit, &gasPriceWei,
		&gasUsed, &blockNumber, &status, &principal, &rec.Error,
		&createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}

	if hash.Valid {
		h := common.HexToHash(hash.String)
		rec.Hash = &h
	}
	rec.From = common.HexToAddress(fromAddr)
	rec.To = common.HexToAddress(toAddr)
	rec.ValueWei = mustBig(valueWei)
	if tokenC.Valid {
		addr := common.HexToAddress(tokenC.String)
		rec.TokenContract = &addr
		rec.TokenAmount = mustBig(tokenA.String)
	}
	rec.GasLimit = uint64(gasLimit)
	rec.GasPriceWei = mustBig(gasPriceWei)
	if gasUsed.Valid {
		v := uint64(gasUsed.Int64)
		rec.GasUsed = &v
	}
	if blockNumber.Valid {
		v := uint64(blockNumber.Int64)
		rec.BlockNumber = &v
	}
	rec.Status = contracts.TxStatus(status)
	rec.Principal = contracts.Principal(principal)
	rec.CreatedAt = nsToTime(createdNs)
	rec.UpdatedAt = nsToTime(updatedNs)
	return &rec, nil
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// InsertRuleEvaluation appends one evaluation row. Never updated afterwards.
func (s *Store) InsertRuleEvaluation(ctx context.Context, ev *contracts.RuleEvaluation) error {
	passed := 0
	if ev.Passed {
		passed = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO rule_evaluations (tx_ref, rule_id, passed, reason, at_ns) VALUES (?, ?, ?, ?, ?)`),
		ev.TxRef, ev.RuleID, passed, ev.Reason, ev.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: insert rule evaluation: %w", err)
	}
	return nil
}

// ListRuleEvaluations returns all evaluation rows for a correlation id in
// insertion order.
func (s *Store) ListRuleEvaluations(ctx context.Context, txRef string) ([]*contracts.RuleEvaluation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, tx_ref, rule_id, passed, reason, at_ns FROM rule_evaluations WHERE tx_ref = ? ORDER BY id`), txRef)
	if err != nil {
		return nil, fmt.Errorf("ledger: list rule evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RuleEvaluation
	for rows.Next() {
		var (
			ev     contracts.RuleEvaluation
			passed int
			atNs   int64
		)
		if err := rows.Scan(&ev.ID, &ev.TxRef, &ev.RuleID, &passed, &ev.Reason, &atNs); err != nil {
			return nil, err
		}
		ev.Passed = passed != 0
		ev.At = nsToTime(atNs)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// InsertSpendingRecord appends one spending row at successful submission.
func (s *Store) InsertSpendingRecord(ctx context.Context, rec *contracts.SpendingRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO spending_records (principal, amount_wei, at_ns) VALUES (?, ?, ?)`),
		string(rec.Principal), rec.AmountWei.String(), rec.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: insert spending record: %w", err)
	}
	return nil
}

// QuerySpend sums the native spend of a principal over [start, end). The
// (principal, at_ns) index bounds the scan to the window.
func (s *Store) QuerySpend(ctx context.Context, principal contracts.Principal, start, end time.Time) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT amount_wei FROM spending_records WHERE principal = ? AND at_ns >= ? AND at_ns < ?`),
		string(principal), start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("ledger: query spend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Wei amounts overflow 64-bit SQL integers, so they live as decimal TEXT
	// and the sum happens here over the index-bounded window.
	total := new(big.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, err
		}
		total.Add(total, mustBig(amount))
	}
	return total, rows.Err()
}

// CountTransactions counts signed submissions of a principal whose creation
// falls in [start, end). Records that never reached signing do not count.
func (s *Store) CountTransactions(ctx context.Context, principal contracts.Principal, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM transactions
		 WHERE principal = ? AND created_ns >= ? AND created_ns < ? AND hash IS NOT NULL`),
		string(principal), start.UTC().UnixNano(), end.UTC().UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count transactions: %w", err)
	}
	return n, nil
}

// InsertEvent appends one event row.
func (s *Store) InsertEvent(ctx context.Context, ev *contracts.Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("ledger: marshal event detail: %w", err)
	}
	if ev.At.IsZero() {
		ev.At = s.clock().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (tx_ref, type, detail, at_ns) VALUES (?, ?, ?, ?)`),
		ev.TxRef, ev.Type, string(detail), ev.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	return nil
}

// ListEvents returns the events for a correlation id in insertion order.
func (s *Store) ListEvents(ctx context.Context, txRef string) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, tx_ref, type, detail, at_ns FROM events WHERE tx_ref = ? ORDER BY id`), txRef)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Event
	for rows.Next() {
		var (
			ev     contracts.Event
			detail string
			atNs   int64
		)
		if err := rows.Scan(&ev.ID, &ev.TxRef, &ev.Type, &detail, &atNs); err != nil {
			return nil, err
		}
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &ev.Detail)
		}
		ev.At = nsToTime(atNs)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
