package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// DeleteDIDs removes expired collections with everything hanging off them,
// in dependency order: replica locks, dataset locks, rules, the edges from
// parents, the edges to children, and finally the DID rows. Replicas whose
// locks were removed are unpinned, gaining a tombstone once their lock
// count reaches zero. The whole cascade is one transaction; the returned
// stats feed the caller's metrics.
func (s *Store) DeleteDIDs(ctx context.Context, dids []types.DIDRef) (storage.DeleteStats, error) {
	var stats storage.DeleteStats
	if len(dids) == 0 {
		return stats, nil
	}

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)

		didClause, didArgs := didPairClause(dids)

		// Locks of the rules rooted at these DIDs, remembered so the
		// replicas can be unpinned after the locks are gone.
		locks, err := scanReplicaLocks(ctx, t.conn, `
			SELECT l.rule_id, l.rse_id, l.scope, l.name, l.account, l.state
			FROM replica_locks l
			JOIN replication_rules r ON r.id = l.rule_id
			WHERE `+strings.ReplaceAll(didClause, "(scope, name)", "(r.scope, r.name)"), didArgs...)
		if err != nil {
			return err
		}

		res, err := t.conn.ExecContext(ctx, `
			DELETE FROM replica_locks WHERE rule_id IN (
				SELECT id FROM replication_rules WHERE `+didClause+`)
		`, didArgs...)
		if err != nil {
			return wrapDBError("delete locks", err)
		}
		stats.Locks, _ = res.RowsAffected()

		res, err = t.conn.ExecContext(ctx, `
			DELETE FROM dataset_locks WHERE rule_id IN (
				SELECT id FROM replication_rules WHERE `+didClause+`)
		`, didArgs...)
		if err != nil {
			return wrapDBError("delete dataset locks", err)
		}
		stats.DatasetLocks, _ = res.RowsAffected()

		_, err = t.conn.ExecContext(ctx, `
			DELETE FROM replication_rule_hints WHERE rule_id IN (
				SELECT id FROM replication_rules WHERE `+didClause+`)
		`, didArgs...)
		if err != nil {
			return wrapDBError("delete rule hints", err)
		}

		res, err = t.conn.ExecContext(ctx, `
			DELETE FROM replication_rules WHERE `+didClause, didArgs...)
		if err != nil {
			return wrapDBError("delete rules", err)
		}
		stats.Rules, _ = res.RowsAffected()

		res, err = t.conn.ExecContext(ctx,
			`DELETE FROM did_associations WHERE `+strings.ReplaceAll(didClause, "(scope, name)", "(child_scope, child_name)"),
			didArgs...)
		if err != nil {
			return wrapDBError("delete parent content", err)
		}
		stats.ParentContent, _ = res.RowsAffected()

		res, err = t.conn.ExecContext(ctx,
			`DELETE FROM did_associations WHERE `+didClause, didArgs...)
		if err != nil {
			return wrapDBError("delete content", err)
		}
		stats.Content, _ = res.RowsAffected()

		res, err = t.conn.ExecContext(ctx, `
			DELETE FROM dids WHERE did_type IN ('DATASET','CONTAINER') AND `+didClause, didArgs...)
		if err != nil {
			return wrapDBError("delete dids", err)
		}
		stats.DIDs, _ = res.RowsAffected()

		for _, l := range locks {
			res, err = t.conn.ExecContext(ctx, `
				UPDATE rse_file_associations
				SET lock_cnt = lock_cnt - 1,
				    tombstone = CASE WHEN lock_cnt - 1 <= 0 THEN CURRENT_TIMESTAMP ELSE tombstone END,
				    updated_at = CURRENT_TIMESTAMP
				WHERE rse_id = ? AND scope = ? AND name = ?
			`, l.RSEID, l.Scope, l.Name)
			if err != nil {
				return wrapDBError("unpin replica", err)
			}
			n, _ := res.RowsAffected()
			stats.Tombstones += n
		}

		if stats.DIDs == 0 {
			return fmt.Errorf("%w: none of the %d data identifiers exist", types.ErrDataIdentifierNotFound, len(dids))
		}
		return nil
	})
	if err != nil {
		return storage.DeleteStats{}, err
	}
	return stats, nil
}

// didPairClause builds "(scope, name) IN (VALUES (?,?), ...)" for a batch
// of references.
func didPairClause(dids []types.DIDRef) (string, []any) {
	pairs := make([]string, 0, len(dids))
	args := make([]any, 0, 2*len(dids))
	for _, d := range dids {
		pairs = append(pairs, "(?, ?)")
		args = append(args, d.Scope, d.Name)
	}
	return "(scope, name) IN (VALUES " + strings.Join(pairs, ", ") + ")", args
}
