package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// Attach hangs children under collections. Each attachment is validated
// against the parent type: datasets take files, containers take
// collections. When an attachment names an RSE its files are registered
// as new DIDs with a replica there; otherwise the children must already
// exist. The whole batch commits atomically and every touched parent is
// enqueued for rule re-evaluation.
func (s *Store) Attach(ctx context.Context, attachments []types.Attachment, account string) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		for _, att := range attachments {
			if err := attachOne(ctx, t.conn, att, account); err != nil {
				return err
			}
			if err := addUpdatedDID(ctx, t.conn, att.Scope, att.Name, types.ActionAttach); err != nil {
				return err
			}
		}
		return nil
	})
}

func attachOne(ctx context.Context, q querier, att types.Attachment, account string) error {
	parent, err := getDID(ctx, q, att.Scope, att.Name)
	if err != nil {
		return err
	}
	if !parent.Type.IsCollection() {
		return fmt.Errorf("%w: data identifier %s is a file", types.ErrUnsupportedOperation, parent.Ref())
	}
	if !parent.IsOpen {
		return fmt.Errorf("%w: data identifier %s is closed", types.ErrUnsupportedStatus, parent.Ref())
	}
	if len(att.DIDs) == 0 {
		return fmt.Errorf("%w: nothing to attach to %s", types.ErrUnsupportedOperation, parent.Ref())
	}

	if parent.Type == types.TypeDataset {
		return attachFiles(ctx, q, parent, att, account)
	}
	return attachCollections(ctx, q, parent, att)
}

// attachFiles attaches files to a dataset, registering them first when the
// attachment carries an RSE.
func attachFiles(ctx context.Context, q querier, parent *types.DID, att types.Attachment, account string) error {
	files := att.DIDs
	if att.RSE != "" {
		rse, err := getRSEByName(ctx, q, att.RSE)
		if err != nil {
			return err
		}
		if err := addReplicas(ctx, q, rse.ID, files, account); err != nil {
			return err
		}
	} else {
		refs := make([]types.DIDRef, 0, len(files))
		for _, f := range files {
			refs = append(refs, types.DIDRef{Scope: f.Scope, Name: f.Name})
		}
		existing, err := getFiles(ctx, q, refs)
		if err != nil {
			return err
		}
		files = existing
	}

	for _, f := range files {
		if f.Scope == parent.Scope && f.Name == parent.Name {
			return fmt.Errorf("%w: cannot attach %s:%s to itself", types.ErrUnsupportedOperation, f.Scope, f.Name)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO did_associations (scope, name, child_scope, child_name, did_type, child_type, bytes, adler32, md5)
			VALUES (?, ?, ?, ?, 'DATASET', 'FILE', ?, ?, ?)
		`, parent.Scope, parent.Name, f.Scope, f.Name, f.Bytes, nullString(f.Adler32), nullString(f.MD5))
		if err != nil {
			return constraintError(err,
				fmt.Errorf("%w: %s:%s in %s", types.ErrFileAlreadyExists, f.Scope, f.Name, parent.Ref()), nil)
		}
	}
	return nil
}

// attachCollections attaches datasets or containers to a container, after
// verifying the children exist, are collections of a single kind, and do
// not close a cycle. A container holds either datasets or containers,
// never a mix, across all of its attachments.
func attachCollections(ctx context.Context, q querier, parent *types.DID, att types.Attachment) error {
	ancestors, err := ancestorSet(ctx, q, parent.Scope, parent.Name)
	if err != nil {
		return err
	}

	refs := make([]types.DIDRef, 0, len(att.DIDs))
	for _, c := range att.DIDs {
		if c.Scope == parent.Scope && c.Name == parent.Name {
			return fmt.Errorf("%w: cannot attach %s:%s to itself", types.ErrUnsupportedOperation, c.Scope, c.Name)
		}
		refs = append(refs, types.DIDRef{Scope: c.Scope, Name: c.Name})
	}
	childTypes, err := getDIDTypes(ctx, q, refs)
	if err != nil {
		return err
	}
	kind, err := childKind(ctx, q, parent)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		childType, ok := childTypes[ref]
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrDataIdentifierNotFound, ref)
		}
		if !childType.IsCollection() {
			return fmt.Errorf("%w: files cannot be attached to a container", types.ErrUnsupportedOperation)
		}
		if kind == "" {
			kind = childType
		} else if childType != kind {
			return fmt.Errorf("%w: %s holds %s children, cannot mix in %s %s",
				types.ErrUnsupportedOperation, parent.Ref(), kind, childType, ref)
		}
		if ancestors[ref] {
			return fmt.Errorf("%w: attaching %s to %s would create a cycle", types.ErrUnsupportedOperation, ref, parent.Ref())
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO did_associations (scope, name, child_scope, child_name, did_type, child_type)
			VALUES (?, ?, ?, ?, 'CONTAINER', ?)
		`, parent.Scope, parent.Name, ref.Scope, ref.Name, childType)
		if err != nil {
			return constraintError(err,
				fmt.Errorf("%w: %s in %s", types.ErrDuplicate, ref, parent.Ref()), nil)
		}
	}
	return nil
}

// getDIDTypes resolves the type of every referenced DID in one query.
// References that do not exist are simply absent from the result.
func getDIDTypes(ctx context.Context, q querier, refs []types.DIDRef) (map[types.DIDRef]types.DIDType, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(refs))
	args := []any{}
	for _, ref := range refs {
		placeholders = append(placeholders, "(? , ?)")
		args = append(args, ref.Scope, ref.Name)
	}
	query := fmt.Sprintf(`
		SELECT scope, name, did_type FROM dids WHERE (scope, name) IN (VALUES %s)
	`, strings.Join(placeholders, ", "))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get did types", err)
	}
	defer rows.Close()

	out := make(map[types.DIDRef]types.DIDType, len(refs))
	for rows.Next() {
		var ref types.DIDRef
		var t types.DIDType
		if err := rows.Scan(&ref.Scope, &ref.Name, &t); err != nil {
			return nil, wrapDBError("scan did type", err)
		}
		out[ref] = t
	}
	return out, rows.Err()
}

// childKind reports which child type the container already holds, empty
// when it has no children yet. Edges are kept homogeneous, so one row
// answers for all of them.
func childKind(ctx context.Context, q querier, parent *types.DID) (types.DIDType, error) {
	var t types.DIDType
	err := q.QueryRowContext(ctx, `
		SELECT child_type FROM did_associations WHERE scope = ? AND name = ? LIMIT 1
	`, parent.Scope, parent.Name).Scan(&t)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get child kind", err)
	}
	return t, nil
}

// ancestorSet collects every DID reachable upward from (scope, name),
// including the DID itself.
func ancestorSet(ctx context.Context, q querier, scope, name string) (map[types.DIDRef]bool, error) {
	seen := map[types.DIDRef]bool{{Scope: scope, Name: name}: true}
	stack := []types.DIDRef{{Scope: scope, Name: name}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rows, err := q.QueryContext(ctx, `
			SELECT scope, name FROM did_associations WHERE child_scope = ? AND child_name = ?
		`, cur.Scope, cur.Name)
		if err != nil {
			return nil, wrapDBError("list parents", err)
		}
		for rows.Next() {
			var p types.DIDRef
			if err := rows.Scan(&p.Scope, &p.Name); err != nil {
				rows.Close()
				return nil, wrapDBError("scan parent", err)
			}
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return seen, nil
}

// Detach removes edges between a collection and some of its children and
// enqueues the parent for rule re-evaluation. Monotonic collections refuse
// detachment.
func (s *Store) Detach(ctx context.Context, scope, name string, children []types.DIDRef) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		parent, err := getDID(ctx, t.conn, scope, name)
		if err != nil {
			return err
		}
		if !parent.Type.IsCollection() {
			return fmt.Errorf("%w: data identifier %s is a file", types.ErrUnsupportedOperation, parent.Ref())
		}
		if parent.Monotonic {
			return fmt.Errorf("%w: %s is monotonic", types.ErrUnsupportedOperation, parent.Ref())
		}
		if len(children) == 0 {
			return fmt.Errorf("%w: nothing to detach from %s", types.ErrUnsupportedOperation, parent.Ref())
		}
		for _, c := range children {
			if c.Scope == scope && c.Name == name {
				return fmt.Errorf("%w: cannot detach %s from itself", types.ErrUnsupportedOperation, c)
			}
			res, err := t.conn.ExecContext(ctx, `
				DELETE FROM did_associations
				WHERE scope = ? AND name = ? AND child_scope = ? AND child_name = ?
			`, scope, name, c.Scope, c.Name)
			if err != nil {
				return wrapDBError("detach", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return wrapDBError("rows affected", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s is not in %s", types.ErrDataIdentifierNotFound, c, parent.Ref())
			}
		}
		return addUpdatedDID(ctx, t.conn, scope, name, types.ActionDetach)
	})
}

func listContent(ctx context.Context, q querier, scope, name string) ([]types.ContentEntry, error) {
	if _, err := getDID(ctx, q, scope, name); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT child_scope, child_name, child_type, bytes, adler32, md5
		FROM did_associations WHERE scope = ? AND name = ?
	`, scope, name)
	if err != nil {
		return nil, wrapDBError("list content", err)
	}
	defer rows.Close()

	var out []types.ContentEntry
	for rows.Next() {
		var e types.ContentEntry
		var adler32, md5 sql.NullString
		if err := rows.Scan(&e.Scope, &e.Name, &e.Type, &e.Bytes, &adler32, &md5); err != nil {
			return nil, wrapDBError("scan content", err)
		}
		e.Adler32 = adler32.String
		e.MD5 = md5.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListContent returns the direct children of a collection.
func (s *Store) ListContent(ctx context.Context, scope, name string) ([]types.ContentEntry, error) {
	return listContent(ctx, s.db, scope, name)
}

// ListFiles walks the graph below a DID with an explicit stack and yields
// every file exactly once. With long set, GUIDs are resolved from the file
// rows.
func (s *Store) ListFiles(ctx context.Context, scope, name string, long bool) ([]types.File, error) {
	root, err := getDID(ctx, s.db, scope, name)
	if err != nil {
		return nil, err
	}
	if root.Type == types.TypeFile {
		f := types.File{Scope: root.Scope, Name: root.Name, Adler32: root.Adler32, MD5: root.MD5}
		if root.Bytes != nil {
			f.Bytes = *root.Bytes
		}
		if long {
			f.GUID = root.GUID
		}
		return []types.File{f}, nil
	}

	var out []types.File
	seenFiles := map[types.DIDRef]bool{}
	seenCollections := map[types.DIDRef]bool{root.Ref(): true}
	stack := []types.DIDRef{root.Ref()}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := listContent(ctx, s.db, cur.Scope, cur.Name)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ref := types.DIDRef{Scope: c.Scope, Name: c.Name}
			if c.Type == types.TypeFile {
				if seenFiles[ref] {
					continue
				}
				seenFiles[ref] = true
				f := types.File{Scope: c.Scope, Name: c.Name, Adler32: c.Adler32, MD5: c.MD5}
				if c.Bytes != nil {
					f.Bytes = *c.Bytes
				}
				out = append(out, f)
			} else if !seenCollections[ref] {
				seenCollections[ref] = true
				stack = append(stack, ref)
			}
		}
	}

	if long {
		for i := range out {
			var guid sql.NullString
			err := s.db.QueryRowContext(ctx, `
				SELECT guid FROM dids WHERE scope = ? AND name = ?
			`, out[i].Scope, out[i].Name).Scan(&guid)
			if err != nil && err != sql.ErrNoRows {
				return nil, wrapDBError("resolve guid", err)
			}
			out[i].GUID = guid.String
		}
	}
	return out, nil
}

// ListParentDIDs returns the parents of a DID, walking every ancestor when
// recursive is set.
func (s *Store) ListParentDIDs(ctx context.Context, scope, name string, recursive bool) ([]types.ContentEntry, error) {
	var out []types.ContentEntry
	seen := map[types.DIDRef]bool{}
	stack := []types.DIDRef{{Scope: scope, Name: name}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rows, err := s.db.QueryContext(ctx, `
			SELECT scope, name, did_type FROM did_associations
			WHERE child_scope = ? AND child_name = ?
		`, cur.Scope, cur.Name)
		if err != nil {
			return nil, wrapDBError("list parents", err)
		}
		for rows.Next() {
			var e types.ContentEntry
			if err := rows.Scan(&e.Scope, &e.Name, &e.Type); err != nil {
				rows.Close()
				return nil, wrapDBError("scan parent", err)
			}
			ref := types.DIDRef{Scope: e.Scope, Name: e.Name}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			out = append(out, e)
			if recursive {
				stack = append(stack, ref)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// ListChildDatasets walks below a container and returns every dataset
// reachable through any chain of sub-containers.
func (s *Store) ListChildDatasets(ctx context.Context, scope, name string) ([]types.ContentEntry, error) {
	var out []types.ContentEntry
	seen := map[types.DIDRef]bool{{Scope: scope, Name: name}: true}
	stack := []types.DIDRef{{Scope: scope, Name: name}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rows, err := s.db.QueryContext(ctx, `
			SELECT child_scope, child_name, child_type FROM did_associations
			WHERE scope = ? AND name = ? AND child_type IN ('DATASET','CONTAINER')
		`, cur.Scope, cur.Name)
		if err != nil {
			return nil, wrapDBError("list child datasets", err)
		}
		for rows.Next() {
			var e types.ContentEntry
			if err := rows.Scan(&e.Scope, &e.Name, &e.Type); err != nil {
				rows.Close()
				return nil, wrapDBError("scan child dataset", err)
			}
			ref := types.DIDRef{Scope: e.Scope, Name: e.Name}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			if e.Type == types.TypeDataset {
				out = append(out, e)
			} else {
				stack = append(stack, ref)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// ScopeList walks a scope from its root collections (or from one DID when
// name is set), yielding each entry with its parent link and nesting level.
func (s *Store) ScopeList(ctx context.Context, scope, name string, recursive bool) ([]types.ScopeEntry, error) {
	type frame struct {
		ref    types.DIDRef
		typ    types.DIDType
		parent *types.DIDRef
		level  int
	}

	var roots []frame
	if name != "" {
		d, err := getDID(ctx, s.db, scope, name)
		if err != nil {
			return nil, err
		}
		roots = append(roots, frame{ref: d.Ref(), typ: d.Type})
	} else {
		rows, err := s.db.QueryContext(ctx, `
			SELECT d.scope, d.name, d.did_type FROM dids d
			WHERE d.scope = ? AND NOT EXISTS (
				SELECT 1 FROM did_associations a
				WHERE a.child_scope = d.scope AND a.child_name = d.name
			)
		`, scope)
		if err != nil {
			return nil, wrapDBError("scope list roots", err)
		}
		for rows.Next() {
			var f frame
			if err := rows.Scan(&f.ref.Scope, &f.ref.Name, &f.typ); err != nil {
				rows.Close()
				return nil, wrapDBError("scan scope root", err)
			}
			roots = append(roots, f)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	var out []types.ScopeEntry
	stack := roots
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, types.ScopeEntry{
			Scope:  cur.ref.Scope,
			Name:   cur.ref.Name,
			Type:   cur.typ,
			Parent: cur.parent,
			Level:  cur.level,
		})
		if !cur.typ.IsCollection() || (!recursive && cur.level > 0) {
			continue
		}
		children, err := listContent(ctx, s.db, cur.ref.Scope, cur.ref.Name)
		if err != nil {
			return nil, err
		}
		parentRef := cur.ref
		for _, c := range children {
			stack = append(stack, frame{
				ref:    types.DIDRef{Scope: c.Scope, Name: c.Name},
				typ:    c.Type,
				parent: &parentRef,
				level:  cur.level + 1,
			})
		}
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
