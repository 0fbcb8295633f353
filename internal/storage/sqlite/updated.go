package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/gridline/gridline/internal/types"
)

// addUpdatedDID appends to the re-evaluation feed, folding into an existing
// pending entry for the same DID instead of growing the backlog: an ATTACH
// landing on a pending DETACH (or vice versa) becomes BOTH.
func addUpdatedDID(ctx context.Context, q querier, scope, name string, action types.ReEvaluationAction) error {
	var id int64
	var pending types.ReEvaluationAction
	err := q.QueryRowContext(ctx, `
		SELECT id, action FROM updated_dids WHERE scope = ? AND name = ? LIMIT 1
	`, scope, name).Scan(&id, &pending)
	switch {
	case err == sql.ErrNoRows:
		_, err = q.ExecContext(ctx, `
			INSERT INTO updated_dids (scope, name, name_hash, action) VALUES (?, ?, ?, ?)
		`, scope, name, types.NameHash(name), action)
		return wrapDBError("add updated did", err)
	case err != nil:
		return wrapDBError("check updated did", err)
	}

	folded := pending.Fold(action)
	if folded == pending {
		return nil
	}
	_, err = q.ExecContext(ctx, `UPDATE updated_dids SET action = ? WHERE id = ?`, folded, id)
	return wrapDBError("fold updated did", err)
}

// AddUpdatedDID enqueues a DID for rule re-evaluation.
func (s *Store) AddUpdatedDID(ctx context.Context, scope, name string, action types.ReEvaluationAction) error {
	return addUpdatedDID(ctx, s.db, scope, name, action)
}

// ListUpdatedDIDs returns a sharded batch of the re-evaluation feed in
// arrival order.
func (s *Store) ListUpdatedDIDs(ctx context.Context, worker, totalWorkers, limit int) ([]types.UpdatedDID, error) {
	query := `SELECT id, scope, name, action, created_at FROM updated_dids`
	args := []any{}
	if totalWorkers > 1 {
		query += ` WHERE name_hash % ? = ?`
		args = append(args, totalWorkers, worker)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list updated dids", err)
	}
	defer rows.Close()

	var out []types.UpdatedDID
	for rows.Next() {
		var u types.UpdatedDID
		if err := rows.Scan(&u.ID, &u.Scope, &u.Name, &u.Action, &u.CreatedAt); err != nil {
			return nil, wrapDBError("scan updated did", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUpdatedDIDs acknowledges processed feed entries.
func (s *Store) DeleteUpdatedDIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM updated_dids WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	return wrapDBError("delete updated dids", err)
}
