// Package storage provides shared types for control-plane persistence.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the backend and its
// consumers (the DID graph, the rule engine, the daemons), so that mocks and
// alternative backends can be substituted.
package storage

import (
	"context"
	"time"

	"github.com/gridline/gridline/internal/types"
)

// RuleFilter narrows ListReplicationRules. Zero fields are ignored.
type RuleFilter struct {
	Scope          string
	Name           string
	Account        string
	State          types.RuleState
	SubscriptionID string
}

// DIDFilter narrows ListDIDs. Keys must name DID columns; string values
// containing '*' or '%' match as patterns.
type DIDFilter map[string]any

// MessageFilter narrows RetrieveMessages by event type. Zero fields match
// everything; EventType and Exclude are not meant to be combined.
type MessageFilter struct {
	EventType string
	Exclude   []string
}

// DatasetFiles groups a dataset with its files and their existing locks,
// as consumed by the rule-apply algorithm. For a bare file the dataset
// scope and name are empty.
type DatasetFiles struct {
	Scope string
	Name  string
	Files []FileWithLocks
}

// FileWithLocks is one file plus the replica locks it already holds.
type FileWithLocks struct {
	Scope string
	Name  string
	Bytes int64
	Locks []types.ReplicaLock
}

// Storage is the interface satisfied by *sqlite.Store. Every mutating
// operation runs in a single transaction; listings paginate internally
// rather than buffering unbounded results.
type Storage interface {
	// Scopes
	AddScope(ctx context.Context, scope, account string) error

	// DID graph
	AddDIDs(ctx context.Context, dids []types.NewDID, account string) error
	GetDID(ctx context.Context, scope, name string) (*types.DID, error)
	GetMetadata(ctx context.Context, scope, name string) (map[string]any, error)
	SetMetadata(ctx context.Context, scope, name, key string, value any) error
	SetStatus(ctx context.Context, scope, name string, open bool) error
	Attach(ctx context.Context, attachments []types.Attachment, account string) error
	Detach(ctx context.Context, scope, name string, children []types.DIDRef) error
	DeleteDIDs(ctx context.Context, dids []types.DIDRef) (DeleteStats, error)
	ListContent(ctx context.Context, scope, name string) ([]types.ContentEntry, error)
	ListFiles(ctx context.Context, scope, name string, long bool) ([]types.File, error)
	ListParentDIDs(ctx context.Context, scope, name string, recursive bool) ([]types.ContentEntry, error)
	ListChildDatasets(ctx context.Context, scope, name string) ([]types.ContentEntry, error)
	ScopeList(ctx context.Context, scope, name string, recursive bool) ([]types.ScopeEntry, error)
	ListDIDs(ctx context.Context, scope string, filters DIDFilter, didType string, limit int) ([]string, error)
	ListNewDIDs(ctx context.Context, didType types.DIDType, worker, totalWorkers, limit int) ([]types.ContentEntry, error)
	ListExpiredDIDs(ctx context.Context, worker, totalWorkers, limit int) ([]types.DIDRef, error)
	SetNewDIDs(ctx context.Context, dids []types.DIDRef, isNew bool) error
	GetFiles(ctx context.Context, files []types.DIDRef) ([]types.File, error)

	// RSEs
	AddRSE(ctx context.Context, name string) (string, error)
	GetRSE(ctx context.Context, name string) (*types.RSE, error)
	ListRSEs(ctx context.Context) ([]types.RSE, error)
	ListRSEAttributes(ctx context.Context, rseID string) (map[string]string, error)
	SetRSEAttribute(ctx context.Context, rseID, key, value string) error

	// Account limits and usage (bytes per (account, rse))
	GetAccountLimit(ctx context.Context, account, rseID string) (int64, error)
	SetAccountLimit(ctx context.Context, account, rseID string, bytes int64) error
	GetAccountUsage(ctx context.Context, account, rseID string) (int64, error)
	AddAccountUsage(ctx context.Context, account, rseID string, bytes int64) error

	// Replicas
	AddReplicas(ctx context.Context, rseID string, files []types.File, account string) error
	GetReplica(ctx context.Context, rseID, scope, name string) (*types.Replica, error)

	// Locks
	GetReplicaLocks(ctx context.Context, scope, name string) ([]types.ReplicaLock, error)
	GetReplicaLocksForRule(ctx context.Context, ruleID string) ([]types.ReplicaLock, error)
	AddReplicaLock(ctx context.Context, lock types.ReplicaLock) error
	DeleteReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error
	SetLockState(ctx context.Context, ruleID, rseID, scope, name string, state types.LockState) error
	GetDatasetLocks(ctx context.Context, scope, name string) ([]types.DatasetLock, error)

	// Rules
	GetReplicationRule(ctx context.Context, id string) (*types.ReplicationRule, error)
	ListReplicationRules(ctx context.Context, filter RuleFilter) ([]*types.ReplicationRule, error)
	ListRulesForDID(ctx context.Context, scope, name string) ([]*types.ReplicationRule, error)

	// Re-evaluation feed
	AddUpdatedDID(ctx context.Context, scope, name string, action types.ReEvaluationAction) error
	ListUpdatedDIDs(ctx context.Context, worker, totalWorkers, limit int) ([]types.UpdatedDID, error)
	DeleteUpdatedDIDs(ctx context.Context, ids []int64) error

	// Outbox
	CreateMessage(ctx context.Context, eventType string, payload map[string]any) error
	RetrieveMessages(ctx context.Context, bulk, thread, totalThreads int, filter MessageFilter) ([]types.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error

	// Heartbeats
	Live(ctx context.Context, hb types.Heartbeat) (types.Worker, error)
	Die(ctx context.Context, hb types.Heartbeat) error
	ExpireHeartbeats(ctx context.Context, olderThan time.Duration) (int64, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// DeleteStats reports per-category row counts from DeleteDIDs, mirroring
// the undertaker's metric categories.
type DeleteStats struct {
	Locks         int64
	DatasetLocks  int64
	Rules         int64
	ParentContent int64
	Content       int64
	DIDs          int64
	Tombstones    int64
}

// Total is the number of rows removed or updated across all categories.
func (s DeleteStats) Total() int64 {
	return s.Locks + s.DatasetLocks + s.Rules + s.ParentContent + s.Content + s.DIDs + s.Tombstones
}

// Transaction exposes the subset of operations the rule engine composes
// atomically: persisting a rule, reading the DID tree it covers, and
// materializing its locks and hints in one commit.
type Transaction interface {
	GetDID(ctx context.Context, scope, name string) (*types.DID, error)
	CreateRule(ctx context.Context, rule *types.ReplicationRule) error
	SetRuleState(ctx context.Context, id string, state types.RuleState) error
	ListChildDIDs(ctx context.Context, scope, name string) ([]types.ContentEntry, error)
	DatasetFilesWithLocks(ctx context.Context, scope, name string) (*DatasetFiles, error)
	FileWithLocks(ctx context.Context, scope, name string) (*FileWithLocks, error)
	ListReplicaRSEs(ctx context.Context, scope, name string) ([]string, error)
	InsertReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error
	InsertDatasetLocks(ctx context.Context, locks []types.DatasetLock) error
	InsertRuleHints(ctx context.Context, hints []types.RuleHint) error
	DeleteReplicaLocks(ctx context.Context, locks []types.ReplicaLock) error
	CreateMessage(ctx context.Context, eventType string, payload map[string]any) error
}
