package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

func createRule(ctx context.Context, q querier, rule *types.ReplicationRule) error {
	if rule.State == "" {
		rule.State = types.RuleWaiting
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO replication_rules
			(id, subscription_id, account, scope, name, state, rse_expression, copies, grouping, weight, locked, expires_at, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, nullString(rule.SubscriptionID), rule.Account, rule.Scope, rule.Name,
		rule.State, rule.RSEExpression, rule.Copies, rule.Grouping,
		nullString(rule.Weight), rule.Locked, rule.ExpiresAt, nullString(rule.Comment))
	if err != nil {
		return constraintError(err,
			fmt.Errorf("%w: rule %s", types.ErrDuplicate, rule.ID),
			types.ErrInvalidReplicationRule)
	}
	return nil
}

func insertRuleHints(ctx context.Context, q querier, hints []types.RuleHint) error {
	for _, h := range hints {
		_, err := q.ExecContext(ctx, `
			INSERT INTO replication_rule_hints (rule_id, scope, name, rse_id)
			VALUES (?, ?, ?, ?)
		`, h.RuleID, nullString(h.Scope), nullString(h.Name), nullString(h.RSEID))
		if err != nil {
			return wrapDBError("insert rule hint", err)
		}
	}
	return nil
}

func setRuleState(ctx context.Context, q querier, id string, state types.RuleState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE replication_rules SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, id)
	if err != nil {
		return wrapDBError("set rule state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrReplicationRuleNotFound, id)
	}
	return nil
}

const ruleColumns = `id, subscription_id, account, scope, name, state, rse_expression,
	copies, grouping, weight, locked, expires_at, comment, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*types.ReplicationRule, error) {
	var r types.ReplicationRule
	var subscription, weight, comment sql.NullString
	err := row.Scan(&r.ID, &subscription, &r.Account, &r.Scope, &r.Name, &r.State, &r.RSEExpression,
		&r.Copies, &r.Grouping, &weight, &r.Locked, &r.ExpiresAt, &comment, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.SubscriptionID = subscription.String
	r.Weight = weight.String
	r.Comment = comment.String
	return &r, nil
}

func getRule(ctx context.Context, q querier, id string) (*types.ReplicationRule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM replication_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", types.ErrReplicationRuleNotFound, id)
		}
		return nil, wrapDBError("get rule", err)
	}
	return r, nil
}

// GetReplicationRule fetches one rule by id.
func (s *Store) GetReplicationRule(ctx context.Context, id string) (*types.ReplicationRule, error) {
	return getRule(ctx, s.db, id)
}

// ListReplicationRules lists rules matching the filter's non-zero fields.
func (s *Store) ListReplicationRules(ctx context.Context, filter storage.RuleFilter) ([]*types.ReplicationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM replication_rules WHERE 1=1`
	args := []any{}
	if filter.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, filter.Scope)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	if filter.Account != "" {
		query += ` AND account = ?`
		args = append(args, filter.Account)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.SubscriptionID != "" {
		query += ` AND subscription_id = ?`
		args = append(args, filter.SubscriptionID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list rules", err)
	}
	defer rows.Close()

	var out []*types.ReplicationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, wrapDBError("scan rule", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listRulesForDID(ctx context.Context, q querier, scope, name string) ([]*types.ReplicationRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM replication_rules WHERE scope = ? AND name = ?
	`, scope, name)
	if err != nil {
		return nil, wrapDBError("list rules for did", err)
	}
	defer rows.Close()

	var out []*types.ReplicationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, wrapDBError("scan rule", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRulesForDID lists the rules rooted at one DID.
func (s *Store) ListRulesForDID(ctx context.Context, scope, name string) ([]*types.ReplicationRule, error) {
	return listRulesForDID(ctx, s.db, scope, name)
}

// datasetFilesWithLocks loads a dataset's files with their existing locks,
// the unit the rule-apply algorithm places as a group.
func datasetFilesWithLocks(ctx context.Context, q querier, scope, name string) (*storage.DatasetFiles, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT child_scope, child_name, bytes FROM did_associations
		WHERE scope = ? AND name = ? AND child_type = 'FILE'
	`, scope, name)
	if err != nil {
		return nil, wrapDBError("list dataset files", err)
	}
	defer rows.Close()

	ds := &storage.DatasetFiles{Scope: scope, Name: name}
	for rows.Next() {
		var f storage.FileWithLocks
		var bytes sql.NullInt64
		if err := rows.Scan(&f.Scope, &f.Name, &bytes); err != nil {
			return nil, wrapDBError("scan dataset file", err)
		}
		f.Bytes = bytes.Int64
		ds.Files = append(ds.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One join covers the locks of every file in the dataset.
	locks, err := scanReplicaLocks(ctx, q, `
		SELECT l.rule_id, l.rse_id, l.scope, l.name, l.account, l.state
		FROM replica_locks l
		JOIN did_associations a ON a.child_scope = l.scope AND a.child_name = l.name
		WHERE a.scope = ? AND a.name = ? AND a.child_type = 'FILE'
	`, scope, name)
	if err != nil {
		return nil, err
	}
	byFile := make(map[types.DIDRef][]types.ReplicaLock, len(ds.Files))
	for _, l := range locks {
		ref := types.DIDRef{Scope: l.Scope, Name: l.Name}
		byFile[ref] = append(byFile[ref], l)
	}
	for i := range ds.Files {
		ds.Files[i].Locks = byFile[types.DIDRef{Scope: ds.Files[i].Scope, Name: ds.Files[i].Name}]
	}
	return ds, nil
}

func fileWithLocks(ctx context.Context, q querier, scope, name string) (*storage.FileWithLocks, error) {
	d, err := getDID(ctx, q, scope, name)
	if err != nil {
		return nil, err
	}
	if d.Type != types.TypeFile {
		return nil, fmt.Errorf("%w: %s is not a file", types.ErrUnsupportedOperation, d.Ref())
	}
	f := &storage.FileWithLocks{Scope: d.Scope, Name: d.Name}
	if d.Bytes != nil {
		f.Bytes = *d.Bytes
	}
	f.Locks, err = scanReplicaLocks(ctx, q, `
		SELECT rule_id, rse_id, scope, name, account, state
		FROM replica_locks WHERE scope = ? AND name = ?
	`, scope, name)
	if err != nil {
		return nil, err
	}
	return f, nil
}
