package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// AddReplicas registers files at an RSE: the file DID is created if it does
// not exist yet, the replica row starts with a zero lock count and a fresh
// tombstone, and the account's usage on the RSE grows by the file size.
func (s *Store) AddReplicas(ctx context.Context, rseID string, files []types.File, account string) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		return addReplicas(ctx, t.conn, rseID, files, account)
	})
}

func addReplicas(ctx context.Context, q querier, rseID string, files []types.File, account string) error {
	var total int64
	for _, f := range files {
		res, err := q.ExecContext(ctx, `
			INSERT INTO dids (scope, name, name_hash, did_type, account, is_open, is_new, bytes, adler32, md5, guid)
			VALUES (?, ?, ?, 'FILE', ?, 0, 0, ?, ?, ?, ?)
			ON CONFLICT (scope, name) DO NOTHING
		`, f.Scope, f.Name, types.NameHash(f.Name), account,
			f.Bytes, nullString(f.Adler32), nullString(f.MD5), nullString(f.GUID))
		if err != nil {
			return constraintError(err, nil, types.ErrScopeNotFound)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("rows affected", err)
		}
		if inserted == 0 {
			// Name already taken: acceptable only if it is the same file.
			existing, err := getDID(ctx, q, f.Scope, f.Name)
			if err != nil {
				return err
			}
			if existing.Type != types.TypeFile {
				return fmt.Errorf("%w: %s:%s is a %s", types.ErrDataIdentifierAlreadyExists, f.Scope, f.Name, existing.Type)
			}
		}

		// Unlocked replicas carry a tombstone from birth; the first lock
		// clears it.
		_, err = q.ExecContext(ctx, `
			INSERT INTO rse_file_associations (rse_id, scope, name, bytes, adler32, md5, lock_cnt, tombstone)
			VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)
		`, rseID, f.Scope, f.Name, f.Bytes, nullString(f.Adler32), nullString(f.MD5))
		if err != nil {
			return constraintError(err,
				fmt.Errorf("%w: replica of %s:%s at %s", types.ErrDuplicate, f.Scope, f.Name, rseID),
				types.ErrRSENotFound)
		}
		total += f.Bytes
	}
	if total > 0 {
		if err := addAccountUsage(ctx, q, account, rseID, total); err != nil {
			return err
		}
	}
	return nil
}

// listReplicaRSEs returns the ids of the RSEs holding a replica of a file.
func listReplicaRSEs(ctx context.Context, q querier, scope, name string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rse_id FROM rse_file_associations WHERE scope = ? AND name = ?
	`, scope, name)
	if err != nil {
		return nil, wrapDBError("list replica rses", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan replica rse", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetReplica fetches one replica row.
func (s *Store) GetReplica(ctx context.Context, rseID, scope, name string) (*types.Replica, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rse_id, scope, name, bytes, adler32, md5, lock_cnt, tombstone
		FROM rse_file_associations
		WHERE rse_id = ? AND scope = ? AND name = ?
	`, rseID, scope, name)

	var r types.Replica
	var adler32, md5 sql.NullString
	err := row.Scan(&r.RSEID, &r.Scope, &r.Name, &r.Bytes, &adler32, &md5, &r.LockCnt, &r.Tombstone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: replica of %s:%s at %s", types.ErrDataIdentifierNotFound, scope, name, rseID)
		}
		return nil, wrapDBError("get replica", err)
	}
	r.Adler32 = adler32.String
	r.MD5 = md5.String
	return &r, nil
}
