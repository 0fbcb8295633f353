package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// AddScope registers a new scope owned by an account.
func (s *Store) AddScope(ctx context.Context, scope, account string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scopes (scope, account) VALUES (?, ?)
	`, scope, account)
	if err != nil {
		return constraintError(err, types.ErrDuplicate, nil)
	}
	return nil
}

// AddDIDs bulk-registers collections. Files are not registered by this
// path; they appear via Attach with an RSE.
func (s *Store) AddDIDs(ctx context.Context, dids []types.NewDID, account string) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		for _, did := range dids {
			if err := did.Validate(); err != nil {
				return err
			}
			owner := did.Account
			if owner == "" {
				owner = account
			}
			var expiredAt *time.Time
			if did.Lifetime > 0 {
				e := time.Now().UTC().Add(did.Lifetime)
				expiredAt = &e
			}
			_, err := t.conn.ExecContext(ctx, `
				INSERT INTO dids (scope, name, name_hash, did_type, account, is_open, monotonic, is_new, expired_at)
				VALUES (?, ?, ?, ?, ?, 1, ?, 1, ?)
			`, did.Scope, did.Name, types.NameHash(did.Name), did.Type, owner, did.Monotonic, expiredAt)
			if err != nil {
				return constraintError(err, types.ErrDataIdentifierAlreadyExists, types.ErrScopeNotFound)
			}
			for key, value := range did.Meta {
				if err := setMetadata(ctx, t.conn, did.Scope, did.Name, key, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func getDID(ctx context.Context, q querier, scope, name string) (*types.DID, error) {
	row := q.QueryRowContext(ctx, `
		SELECT scope, name, did_type, account, is_open, monotonic, is_new,
		       expired_at, length, bytes, adler32, md5, guid, created_at, updated_at
		FROM dids WHERE scope = ? AND name = ?
	`, scope, name)

	var d types.DID
	var adler32, md5, guid sql.NullString
	err := row.Scan(&d.Scope, &d.Name, &d.Type, &d.Account, &d.IsOpen, &d.Monotonic, &d.IsNew,
		&d.ExpiredAt, &d.Length, &d.Bytes, &adler32, &md5, &guid, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s:%s", types.ErrDataIdentifierNotFound, scope, name)
		}
		return nil, wrapDBError("get did", err)
	}
	d.Adler32 = adler32.String
	d.MD5 = md5.String
	d.GUID = guid.String
	return &d, nil
}

// GetDID retrieves a single data identifier.
func (s *Store) GetDID(ctx context.Context, scope, name string) (*types.DID, error) {
	return getDID(ctx, s.db, scope, name)
}

// metadataColumns are the DID attributes settable through SetMetadata.
var metadataColumns = map[string]bool{
	"guid":      true,
	"adler32":   true,
	"md5":       true,
	"bytes":     true,
	"length":    true,
	"monotonic": true,
	"is_new":    true,
	"account":   true,
}

func setMetadata(ctx context.Context, q querier, scope, name, key string, value any) error {
	if key == "lifetime" {
		seconds, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("%w: lifetime must be a number of seconds", types.ErrInvalidValueForKey)
		}
		expiredAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
		res, err := q.ExecContext(ctx, `
			UPDATE dids SET expired_at = ?, updated_at = CURRENT_TIMESTAMP WHERE scope = ? AND name = ?
		`, expiredAt, scope, name)
		if err != nil {
			return wrapDBError("set lifetime", err)
		}
		return requireRows(res, scope, name)
	}
	if !metadataColumns[key] {
		return fmt.Errorf("%w: %s", types.ErrInvalidMetadata, key)
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE dids SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE scope = ? AND name = ?`, key),
		value, scope, name)
	if err != nil {
		return wrapDBError("set metadata", err)
	}
	return requireRows(res, scope, name)
}

func requireRows(res sql.Result, scope, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s:%s", types.ErrDataIdentifierNotFound, scope, name)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// SetMetadata sets a single metadata key on a DID. The key "lifetime"
// maps to expired_at = now + value seconds.
func (s *Store) SetMetadata(ctx context.Context, scope, name, key string, value any) error {
	return setMetadata(ctx, s.db, scope, name, key, value)
}

// GetMetadata returns the full attribute map of a DID.
func (s *Store) GetMetadata(ctx context.Context, scope, name string) (map[string]any, error) {
	d, err := getDID(ctx, s.db, scope, name)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"scope":      d.Scope,
		"name":       d.Name,
		"did_type":   d.Type,
		"account":    d.Account,
		"is_open":    d.IsOpen,
		"monotonic":  d.Monotonic,
		"is_new":     d.IsNew,
		"expired_at": d.ExpiredAt,
		"length":     d.Length,
		"bytes":      d.Bytes,
		"adler32":    d.Adler32,
		"md5":        d.MD5,
		"guid":       d.GUID,
		"created_at": d.CreatedAt,
		"updated_at": d.UpdatedAt,
	}
	return meta, nil
}

// SetStatus opens or closes a collection. Closing freezes length and bytes
// as COUNT(*) and SUM(bytes) over the current edges, then fires a
// dataset-OK message for every rule rooted at the DID whose locks are all
// OK, and enqueues the DID for rule re-evaluation.
func (s *Store) SetStatus(ctx context.Context, scope, name string, open bool) error {
	if open {
		return fmt.Errorf("%w: reopening a closed data identifier", types.ErrUnsupportedStatus)
	}
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		did, err := getDID(ctx, t.conn, scope, name)
		if err != nil {
			return err
		}
		if !did.Type.IsCollection() || !did.IsOpen {
			return fmt.Errorf("%w: the status of %s:%s cannot be changed", types.ErrUnsupportedOperation, scope, name)
		}

		var length int64
		var bytes sql.NullInt64
		err = t.conn.QueryRowContext(ctx, `
			SELECT COUNT(*), SUM(bytes) FROM did_associations WHERE scope = ? AND name = ?
		`, scope, name).Scan(&length, &bytes)
		if err != nil {
			return wrapDBError("freeze length/bytes", err)
		}

		_, err = t.conn.ExecContext(ctx, `
			UPDATE dids SET is_open = 0, length = ?, bytes = ?, updated_at = CURRENT_TIMESTAMP
			WHERE scope = ? AND name = ?
		`, length, bytes.Int64, scope, name)
		if err != nil {
			return wrapDBError("close did", err)
		}

		// Dataset-OK callbacks for fully satisfied rules.
		rules, err := listRulesForDID(ctx, t.conn, scope, name)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			var waiting int64
			err = t.conn.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM replica_locks WHERE rule_id = ? AND state != 'OK'
			`, rule.ID).Scan(&waiting)
			if err != nil {
				return wrapDBError("count non-ok locks", err)
			}
			if waiting == 0 {
				payload := map[string]any{
					"scope":   scope,
					"name":    name,
					"rule_id": rule.ID,
					"rse":     rule.RSEExpression,
				}
				if err := createMessage(ctx, t.conn, "dataset.ok", payload); err != nil {
					return err
				}
			}
		}

		return addUpdatedDID(ctx, t.conn, scope, name, types.ActionBoth)
	})
}

// SetNewDIDs sets or clears the is_new flag on a batch of DIDs.
func (s *Store) SetNewDIDs(ctx context.Context, dids []types.DIDRef, isNew bool) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		for _, did := range dids {
			res, err := t.conn.ExecContext(ctx, `
				UPDATE dids SET is_new = ?, updated_at = CURRENT_TIMESTAMP WHERE scope = ? AND name = ?
			`, isNew, did.Scope, did.Name)
			if err != nil {
				return fmt.Errorf("%w: cannot update %s", types.ErrDatabase, did)
			}
			if err := requireRows(res, did.Scope, did.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNewDIDs returns a sharded batch of DIDs flagged as new. The shard is
// a deterministic partition on name_hash so concurrent workers see disjoint
// rows.
func (s *Store) ListNewDIDs(ctx context.Context, didType types.DIDType, worker, totalWorkers, limit int) ([]types.ContentEntry, error) {
	query := `SELECT scope, name, did_type FROM dids WHERE is_new = 1`
	args := []any{}
	if didType != "" {
		query += ` AND did_type = ?`
		args = append(args, didType)
	}
	if totalWorkers > 1 {
		query += ` AND name_hash % ? = ?`
		args = append(args, totalWorkers, worker)
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list new dids", err)
	}
	defer rows.Close()

	var out []types.ContentEntry
	for rows.Next() {
		var e types.ContentEntry
		if err := rows.Scan(&e.Scope, &e.Name, &e.Type); err != nil {
			return nil, wrapDBError("scan new did", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExpiredDIDs returns a sharded batch of DIDs whose expired_at has
// passed, oldest first.
func (s *Store) ListExpiredDIDs(ctx context.Context, worker, totalWorkers, limit int) ([]types.DIDRef, error) {
	query := `SELECT scope, name FROM dids WHERE expired_at IS NOT NULL AND expired_at < ?`
	args := []any{time.Now().UTC()}
	if totalWorkers > 1 {
		query += ` AND name_hash % ? = ?`
		args = append(args, totalWorkers, worker)
	}
	query += ` ORDER BY expired_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list expired dids", err)
	}
	defer rows.Close()

	var out []types.DIDRef
	for rows.Next() {
		var r types.DIDRef
		if err := rows.Scan(&r.Scope, &r.Name); err != nil {
			return nil, wrapDBError("scan expired did", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// didFilterColumns are the DID attributes usable as ListDIDs filters.
var didFilterColumns = map[string]bool{
	"name": true, "account": true, "is_open": true, "monotonic": true,
	"is_new": true, "guid": true, "adler32": true, "md5": true,
}

// ListDIDs searches names within a scope. String filter values containing
// '*' or '%' match as patterns.
func (s *Store) ListDIDs(ctx context.Context, scope string, filters storage.DIDFilter, didType string, limit int) ([]string, error) {
	query := `SELECT name FROM dids WHERE scope = ?`
	args := []any{scope}

	switch didType {
	case "all", "":
	case "collection":
		query += ` AND did_type IN ('DATASET','CONTAINER')`
	case "container":
		query += ` AND did_type = 'CONTAINER'`
	case "dataset":
		query += ` AND did_type = 'DATASET'`
	case "file":
		query += ` AND did_type = 'FILE'`
	default:
		return nil, fmt.Errorf("%w: valid types are all, collection, container, dataset, file", types.ErrUnsupportedOperation)
	}

	for k, v := range filters {
		if !didFilterColumns[k] {
			return nil, fmt.Errorf("%w: %s", types.ErrKeyNotFound, k)
		}
		if str, ok := v.(string); ok && (strings.Contains(str, "*") || strings.Contains(str, "%")) {
			query += fmt.Sprintf(` AND %s LIKE ?`, k)
			args = append(args, strings.ReplaceAll(str, "*", "%"))
		} else {
			query += fmt.Sprintf(` AND %s = ?`, k)
			args = append(args, v)
		}
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list dids", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scan did name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetFiles resolves a list of references to existing file DIDs, failing if
// any is missing.
func (s *Store) GetFiles(ctx context.Context, files []types.DIDRef) ([]types.File, error) {
	return getFiles(ctx, s.db, files)
}

func getFiles(ctx context.Context, q querier, files []types.DIDRef) ([]types.File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(files))
	args := []any{}
	for _, f := range files {
		placeholders = append(placeholders, "(? , ?)")
		args = append(args, f.Scope, f.Name)
	}
	query := fmt.Sprintf(`
		SELECT scope, name, bytes, adler32, md5, guid FROM dids
		WHERE did_type = 'FILE' AND (scope, name) IN (VALUES %s)
	`, strings.Join(placeholders, ", "))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get files", err)
	}
	defer rows.Close()

	found := make(map[types.DIDRef]types.File, len(files))
	for rows.Next() {
		var f types.File
		var bytes sql.NullInt64
		var adler32, md5, guid sql.NullString
		if err := rows.Scan(&f.Scope, &f.Name, &bytes, &adler32, &md5, &guid); err != nil {
			return nil, wrapDBError("scan file", err)
		}
		f.Bytes = bytes.Int64
		f.Adler32 = adler32.String
		f.MD5 = md5.String
		f.GUID = guid.String
		found[types.DIDRef{Scope: f.Scope, Name: f.Name}] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]types.File, 0, len(files))
	for _, ref := range files {
		f, ok := found[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrDataIdentifierNotFound, ref)
		}
		out = append(out, f)
	}
	return out, nil
}
