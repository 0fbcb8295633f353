package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/gridline/gridline/internal/types"
)

// AddRSE registers a storage element and returns its id. Every RSE gets an
// implicit attribute keyed by its own name, so the expression "SITE_X"
// resolves like "SITE_X=true".
func (s *Store) AddRSE(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rses (id, rse) VALUES (?, ?)
	`, id, name)
	if err != nil {
		return "", constraintError(err, fmt.Errorf("%w: rse %s", types.ErrDuplicate, name), nil)
	}
	if err := s.SetRSEAttribute(ctx, id, name, "true"); err != nil {
		return "", err
	}
	return id, nil
}

func getRSEByName(ctx context.Context, q querier, name string) (*types.RSE, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, rse, deleted, created_at FROM rses WHERE rse = ? AND deleted = 0
	`, name)
	var r types.RSE
	if err := row.Scan(&r.ID, &r.Name, &r.Deleted, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", types.ErrRSENotFound, name)
		}
		return nil, wrapDBError("get rse", err)
	}
	return &r, nil
}

// GetRSE looks up a storage element by name.
func (s *Store) GetRSE(ctx context.Context, name string) (*types.RSE, error) {
	return getRSEByName(ctx, s.db, name)
}

// ListRSEs returns all non-deleted storage elements.
func (s *Store) ListRSEs(ctx context.Context) ([]types.RSE, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rse, deleted, created_at FROM rses WHERE deleted = 0 ORDER BY rse
	`)
	if err != nil {
		return nil, wrapDBError("list rses", err)
	}
	defer rows.Close()

	var out []types.RSE
	for rows.Next() {
		var r types.RSE
		if err := rows.Scan(&r.ID, &r.Name, &r.Deleted, &r.CreatedAt); err != nil {
			return nil, wrapDBError("scan rse", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRSEAttributes returns the attribute map of one RSE.
func (s *Store) ListRSEAttributes(ctx context.Context, rseID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM rse_attributes WHERE rse_id = ?
	`, rseID)
	if err != nil {
		return nil, wrapDBError("list rse attributes", err)
	}
	defer rows.Close()

	attrs := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapDBError("scan rse attribute", err)
		}
		attrs[k] = v
	}
	return attrs, rows.Err()
}

// SetRSEAttribute upserts one attribute on an RSE.
func (s *Store) SetRSEAttribute(ctx context.Context, rseID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rse_attributes (rse_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (rse_id, key) DO UPDATE SET value = excluded.value
	`, rseID, key, value)
	if err != nil {
		return constraintError(err, nil, types.ErrRSENotFound)
	}
	return nil
}

// GetAccountLimit returns the byte quota of an account on an RSE, zero when
// none is set.
func (s *Store) GetAccountLimit(ctx context.Context, account, rseID string) (int64, error) {
	var bytes int64
	err := s.db.QueryRowContext(ctx, `
		SELECT bytes FROM account_limits WHERE account = ? AND rse_id = ?
	`, account, rseID).Scan(&bytes)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDBError("get account limit", err)
	}
	return bytes, nil
}

// SetAccountLimit upserts the byte quota of an account on an RSE.
func (s *Store) SetAccountLimit(ctx context.Context, account, rseID string, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_limits (account, rse_id, bytes) VALUES (?, ?, ?)
		ON CONFLICT (account, rse_id) DO UPDATE SET bytes = excluded.bytes
	`, account, rseID, bytes)
	if err != nil {
		return wrapDBError("set account limit", err)
	}
	return nil
}

// GetAccountUsage returns the bytes an account currently occupies on an RSE.
func (s *Store) GetAccountUsage(ctx context.Context, account, rseID string) (int64, error) {
	var bytes int64
	err := s.db.QueryRowContext(ctx, `
		SELECT bytes FROM account_usage WHERE account = ? AND rse_id = ?
	`, account, rseID).Scan(&bytes)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDBError("get account usage", err)
	}
	return bytes, nil
}

func addAccountUsage(ctx context.Context, q querier, account, rseID string, bytes int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO account_usage (account, rse_id, bytes) VALUES (?, ?, ?)
		ON CONFLICT (account, rse_id) DO UPDATE SET bytes = account_usage.bytes + excluded.bytes
	`, account, rseID, bytes)
	if err != nil {
		return wrapDBError("add account usage", err)
	}
	return nil
}

// AddAccountUsage adjusts an account's usage counter by a (possibly
// negative) byte delta.
func (s *Store) AddAccountUsage(ctx context.Context, account, rseID string, bytes int64) error {
	return addAccountUsage(ctx, s.db, account, rseID, bytes)
}
