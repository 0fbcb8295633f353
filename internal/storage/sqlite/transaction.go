package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// Verify txStore implements storage.Transaction at compile time
var _ storage.Transaction = (*txStore)(nil)

// querier is the subset of database/sql shared by *sql.DB, *sql.Conn and
// *sql.Tx, so query helpers can run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore implements the storage.Transaction interface. It wraps a
// dedicated database connection with an active transaction.
type txStore struct {
	conn   *sql.Conn
	parent *Store
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with exponential backoff.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, initial time.Duration) error {
	delay := initial
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// RunInTransaction executes a function within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for the same lock.
// On error or panic the transaction is rolled back; on success it commits.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &txStore{conn: conn, parent: s}
	if err := fn(tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (t *txStore) GetDID(ctx context.Context, scope, name string) (*types.DID, error) {
	return getDID(ctx, t.conn, scope, name)
}

func (t *txStore) CreateRule(ctx context.Context, rule *types.ReplicationRule) error {
	return createRule(ctx, t.conn, rule)
}

func (t *txStore) SetRuleState(ctx context.Context, id string, state types.RuleState) error {
	return setRuleState(ctx, t.conn, id, state)
}

func (t *txStore) ListChildDIDs(ctx context.Context, scope, name string) ([]types.ContentEntry, error) {
	return listContent(ctx, t.conn, scope, name)
}

func (t *txStore) DatasetFilesWithLocks(ctx context.Context, scope, name string) (*storage.DatasetFiles, error) {
	return datasetFilesWithLocks(ctx, t.conn, scope, name)
}

func (t *txStore) FileWithLocks(ctx context.Context, scope, name string) (*storage.FileWithLocks, error) {
	return fileWithLocks(ctx, t.conn, scope, name)
}

func (t *txStore) ListReplicaRSEs(ctx context.Context, scope, name string) ([]string, error) {
	return listReplicaRSEs(ctx, t.conn, scope, name)
}

func (t *txStore) InsertReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error {
	return insertReplicaLocks(ctx, t.conn, locks)
}

func (t *txStore) InsertDatasetLocks(ctx context.Context, locks []types.DatasetLock) error {
	return insertDatasetLocks(ctx, t.conn, locks)
}

func (t *txStore) InsertRuleHints(ctx context.Context, hints []types.RuleHint) error {
	return insertRuleHints(ctx, t.conn, hints)
}

func (t *txStore) DeleteReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error {
	return deleteReplicaLocks(ctx, t.conn, locks)
}

func (t *txStore) CreateMessage(ctx context.Context, eventType string, payload map[string]any) error {
	return createMessage(ctx, t.conn, eventType, payload)
}
