package sqlite

import (
	"context"
	"fmt"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// insertReplicaLocks writes locks and keeps the replica rows consistent:
// each new lock bumps lock_cnt and clears the tombstone of the replica it
// pins.
func insertReplicaLocks(ctx context.Context, q querier, locks []types.ReplicaLock) error {
	for _, l := range locks {
		state := l.State
		if state == "" {
			state = types.LockWaiting
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO replica_locks (rule_id, rse_id, scope, name, account, state)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.RuleID, l.RSEID, l.Scope, l.Name, l.Account, state)
		if err != nil {
			return constraintError(err,
				fmt.Errorf("%w: lock on %s:%s for rule %s", types.ErrDuplicate, l.Scope, l.Name, l.RuleID), nil)
		}
		_, err = q.ExecContext(ctx, `
			UPDATE rse_file_associations
			SET lock_cnt = lock_cnt + 1, tombstone = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE rse_id = ? AND scope = ? AND name = ?
		`, l.RSEID, l.Scope, l.Name)
		if err != nil {
			return wrapDBError("pin replica", err)
		}
	}
	return nil
}

// deleteReplicaLocks removes locks and unpins their replicas: lock_cnt is
// decremented and a tombstone is set the moment it reaches zero.
func deleteReplicaLocks(ctx context.Context, q querier, locks []types.ReplicaLock) error {
	for _, l := range locks {
		res, err := q.ExecContext(ctx, `
			DELETE FROM replica_locks
			WHERE rule_id = ? AND rse_id = ? AND scope = ? AND name = ?
		`, l.RuleID, l.RSEID, l.Scope, l.Name)
		if err != nil {
			return wrapDBError("delete lock", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("rows affected", err)
		}
		if n == 0 {
			continue
		}
		_, err = q.ExecContext(ctx, `
			UPDATE rse_file_associations
			SET lock_cnt = lock_cnt - 1,
			    tombstone = CASE WHEN lock_cnt - 1 <= 0 THEN CURRENT_TIMESTAMP ELSE tombstone END,
			    updated_at = CURRENT_TIMESTAMP
			WHERE rse_id = ? AND scope = ? AND name = ?
		`, l.RSEID, l.Scope, l.Name)
		if err != nil {
			return wrapDBError("unpin replica", err)
		}
	}
	return nil
}

func insertDatasetLocks(ctx context.Context, q querier, locks []types.DatasetLock) error {
	for _, l := range locks {
		_, err := q.ExecContext(ctx, `
			INSERT INTO dataset_locks (rule_id, rse_id, scope, name)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (rule_id, rse_id, scope, name) DO NOTHING
		`, l.RuleID, l.RSEID, l.Scope, l.Name)
		if err != nil {
			return wrapDBError("insert dataset lock", err)
		}
	}
	return nil
}

func scanReplicaLocks(ctx context.Context, q querier, query string, args ...any) ([]types.ReplicaLock, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list locks", err)
	}
	defer rows.Close()

	var out []types.ReplicaLock
	for rows.Next() {
		var l types.ReplicaLock
		if err := rows.Scan(&l.RuleID, &l.RSEID, &l.Scope, &l.Name, &l.Account, &l.State); err != nil {
			return nil, wrapDBError("scan lock", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetReplicaLocks returns every lock held on a file, across all rules.
func (s *Store) GetReplicaLocks(ctx context.Context, scope, name string) ([]types.ReplicaLock, error) {
	return scanReplicaLocks(ctx, s.db, `
		SELECT rule_id, rse_id, scope, name, account, state
		FROM replica_locks WHERE scope = ? AND name = ?
	`, scope, name)
}

// GetReplicaLocksForRule returns every lock a rule holds.
func (s *Store) GetReplicaLocksForRule(ctx context.Context, ruleID string) ([]types.ReplicaLock, error) {
	return scanReplicaLocks(ctx, s.db, `
		SELECT rule_id, rse_id, scope, name, account, state
		FROM replica_locks WHERE rule_id = ?
	`, ruleID)
}

// AddReplicaLock inserts a single lock, pinning its replica.
func (s *Store) AddReplicaLock(ctx context.Context, lock types.ReplicaLock) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.InsertReplicaLocks(ctx, []types.ReplicaLock{lock})
	})
}

// DeleteReplicaLocks removes locks, unpinning their replicas, in one
// transaction.
func (s *Store) DeleteReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.DeleteReplicaLocks(ctx, locks)
	})
}

// SetLockState records a transfer outcome on a lock. When the last
// non-OK lock of a rule turns OK the rule itself transitions to OK and a
// rule-ok message is queued for the owner.
func (s *Store) SetLockState(ctx context.Context, ruleID, rseID, scope, name string, state types.LockState) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		res, err := t.conn.ExecContext(ctx, `
			UPDATE replica_locks SET state = ?, updated_at = CURRENT_TIMESTAMP
			WHERE rule_id = ? AND rse_id = ? AND scope = ? AND name = ?
		`, state, ruleID, rseID, scope, name)
		if err != nil {
			return constraintError(err, nil, nil)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("rows affected", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: lock on %s:%s for rule %s at %s", types.ErrDataIdentifierNotFound, scope, name, ruleID, rseID)
		}
		if state != types.LockOK {
			return nil
		}

		var pending int64
		err = t.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM replica_locks WHERE rule_id = ? AND state != 'OK'
		`, ruleID).Scan(&pending)
		if err != nil {
			return wrapDBError("count pending locks", err)
		}
		if pending > 0 {
			return nil
		}

		rule, err := getRule(ctx, t.conn, ruleID)
		if err != nil {
			return err
		}
		if rule.State == types.RuleOK {
			return nil
		}
		_, err = t.conn.ExecContext(ctx, `
			UPDATE replication_rules SET state = 'OK', updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, ruleID)
		if err != nil {
			return wrapDBError("update rule state", err)
		}
		return createMessage(ctx, t.conn, "rule.ok", map[string]any{
			"rule_id": ruleID,
			"scope":   rule.Scope,
			"name":    rule.Name,
			"account": rule.Account,
		})
	})
}

// GetDatasetLocks returns dataset-level locks on a DID.
func (s *Store) GetDatasetLocks(ctx context.Context, scope, name string) ([]types.DatasetLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, rse_id, scope, name FROM dataset_locks WHERE scope = ? AND name = ?
	`, scope, name)
	if err != nil {
		return nil, wrapDBError("list dataset locks", err)
	}
	defer rows.Close()

	var out []types.DatasetLock
	for rows.Next() {
		var l types.DatasetLock
		if err := rows.Scan(&l.RuleID, &l.RSEID, &l.Scope, &l.Name); err != nil {
			return nil, wrapDBError("scan dataset lock", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
