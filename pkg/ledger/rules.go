package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

const ruleColumns = `id, name, kind, params, action, enabled, priority, created_ns, updated_ns`

// CreateRule validates and persists a rule, returning its id.
func (s *Store) CreateRule(ctx context.Context, rule *contracts.Rule) (int64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	params, err := contracts.EncodeRuleParams(rule.Params)
	if err != nil {
		return 0, contracts.Errorf(contracts.ErrValidation, "encode rule params: %v", err)
	}
	now := s.clock().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := s.rebind(`INSERT INTO rules (name, kind, params, action, enabled, priority, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if s.driver == DriverPostgres {
		query += " RETURNING id"
		err := s.db.QueryRowContext(ctx, query, rule.Name, string(rule.Kind), string(params),
			string(rule.Action), enabled, rule.Priority, now.UnixNano(), now.UnixNano()).Scan(&rule.ID)
		if err != nil {
			return 0, fmt.Errorf("ledger: create rule: %w", err)
		}
		return rule.ID, nil
	}

	res, err := s.db.ExecContext(ctx, query, rule.Name, string(rule.Kind), string(params),
		string(rule.Action), enabled, rule.Priority, now.UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ledger: create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: create rule id: %w", err)
	}
	rule.ID = id
	return id, nil
}

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*contracts.Rule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`), id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Errorf(contracts.ErrNotFound, "rule %d", id)
	}
	return rule, err
}

// ListRules returns rules ordered by descending priority, then ascending id.
// This is the evaluation order.
func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]*contracts.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("ledger: list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpdateRule replaces every mutable field of the rule (identifier excepted).
func (s *Store) UpdateRule(ctx context.Context, rule *contracts.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	params, err := contracts.EncodeRuleParams(rule.Params)
	if err != nil {
		return contracts.Errorf(contracts.ErrValidation, "encode rule params: %v", err)
	}
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	rule.UpdatedAt = s.clock().UTC()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE rules SET name = ?, kind = ?, params = ?, action = ?, enabled = ?, priority = ?, updated_ns = ? WHERE id = ?`),
		rule.Name, string(rule.Kind), string(params), string(rule.Action),
		enabled, rule.Priority, rule.UpdatedAt.UnixNano(), rule.ID)
	if err != nil {
		return fmt.Errorf("ledger: update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: update rule: %w", err)
	}
	if n == 0 {
		return contracts.Errorf(contracts.ErrNotFound, "rule %d", rule.ID)
	}
	return nil
}

// DeleteRule removes a rule. Historical evaluations referencing it remain.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM rules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("ledger: delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: delete rule: %w", err)
	}
	if n == 0 {
		return contracts.Errorf(contracts.ErrNotFound, "rule %d", id)
	}
	return nil
}

func scanRule(row rowScanner) (*contracts.Rule, error) {
	var (
		rule                 contracts.Rule
		kind, params, action string
		enabled              int
		createdNs, updatedNs int64
	)
	if err := row.Scan(&rule.ID, &rule.Name, &kind, &params, &action, &enabled,
		&rule.Priority, &createdNs, &updatedNs); err != nil {
		return nil, err
	}
	rule.Kind = contracts.RuleKind(kind)
	rule.Action = contracts.RuleAction(action)
	rule.Enabled = enabled != 0
	rule.CreatedAt = nsToTime(createdNs)
	rule.UpdatedAt = nsToTime(updatedNs)

	decoded, err := contracts.DecodeRuleParams(rule.Kind, []byte(params))
	if err != nil {
		// A stored row that no longer decodes is a schema invariant breach.
		return nil, contracts.Errorf(contracts.ErrInvariant, "rule %d params: %v", rule.ID, err)
	}
	rule.Params = decoded
	return &rule, nil
}
