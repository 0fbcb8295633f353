// Package gridline provides a minimal public API for embedding the
// control plane in custom tooling.
//
// Most integrations should talk to the REST API instead. This package
// exports only the essential types and the storage constructor needed by
// Go programs that want to drive the DID graph and rule engine directly.
package gridline

import (
	"context"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/types"
)

// Core types for working with data identifiers and rules
type (
	DID             = types.DID
	DIDRef          = types.DIDRef
	DIDType         = types.DIDType
	File            = types.File
	Replica         = types.Replica
	ReplicationRule = types.ReplicationRule
	ReplicaLock     = types.ReplicaLock
	Grouping        = types.Grouping
)

// DIDType constants
const (
	TypeFile      = types.TypeFile
	TypeDataset   = types.TypeDataset
	TypeContainer = types.TypeContainer
)

// Grouping constants
const (
	GroupingNone    = types.GroupingNone
	GroupingDataset = types.GroupingDataset
	GroupingAll     = types.GroupingAll
)

// Storage provides the persistence interface for embedders.
type Storage = storage.Storage

// NewSQLiteStorage opens a gridline SQLite database for programmatic
// access.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}
