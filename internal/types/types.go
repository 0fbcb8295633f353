// Package types defines core data structures for the gridline data-management core.
package types

import (
	"fmt"
	"hash/fnv"
	"time"
)

// DIDType classifies a data identifier.
type DIDType string

const (
	TypeFile      DIDType = "FILE"
	TypeDataset   DIDType = "DATASET"
	TypeContainer DIDType = "CONTAINER"
)

// IsCollection reports whether the type can carry children.
func (t DIDType) IsCollection() bool {
	return t == TypeDataset || t == TypeContainer
}

// Grouping controls how a replication rule places files.
type Grouping string

const (
	// GroupingNone spreads files over the allowed RSEs independently.
	GroupingNone Grouping = "NONE"
	// GroupingDataset keeps each dataset's files on the same RSE set.
	GroupingDataset Grouping = "DATASET"
	// GroupingAll keeps every file under the rule on the same RSE set.
	GroupingAll Grouping = "ALL"
)

// LockState is the lifecycle state of a replica lock.
type LockState string

const (
	LockWaiting LockState = "WAITING"
	LockOK      LockState = "OK"
	LockStuck   LockState = "STUCK"
)

// RuleState is the lifecycle state of a replication rule.
type RuleState string

const (
	RuleWaiting RuleState = "WAITING"
	RuleOK      RuleState = "OK"
)

// ReEvaluationAction marks why a DID needs rule re-evaluation.
type ReEvaluationAction string

const (
	ActionAttach ReEvaluationAction = "ATTACH"
	ActionDetach ReEvaluationAction = "DETACH"
	ActionBoth   ReEvaluationAction = "BOTH"
)

// Fold combines a pending action with a newly observed one.
// ATTACH folded with DETACH (in either order) becomes BOTH.
func (a ReEvaluationAction) Fold(other ReEvaluationAction) ReEvaluationAction {
	if a == "" {
		return other
	}
	if a == other {
		return a
	}
	return ActionBoth
}

// DIDRef names a data identifier: the (scope, name) pair is globally unique.
type DIDRef struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

func (r DIDRef) String() string {
	return r.Scope + ":" + r.Name
}

// DID is a tracked data identifier. Files carry physical metadata
// (Bytes, Adler32, MD5, GUID); collections carry aggregate Length/Bytes
// frozen on close.
type DID struct {
	Scope     string     `json:"scope"`
	Name      string     `json:"name"`
	Type      DIDType    `json:"type"`
	Account   string     `json:"account"`
	IsOpen    bool       `json:"open"`
	Monotonic bool       `json:"monotonic"`
	IsNew     bool       `json:"-"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
	Length    *int64     `json:"length,omitempty"`
	Bytes     *int64     `json:"bytes,omitempty"`
	Adler32   string     `json:"adler32,omitempty"`
	MD5       string     `json:"md5,omitempty"`
	GUID      string     `json:"guid,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Ref returns the DID's (scope, name) key.
func (d *DID) Ref() DIDRef {
	return DIDRef{Scope: d.Scope, Name: d.Name}
}

// NewDID is the registration request for add_did / add_dids.
type NewDID struct {
	Scope     string         `json:"scope"`
	Name      string         `json:"name"`
	Type      DIDType        `json:"type"`
	Account   string         `json:"account,omitempty"`
	Monotonic bool           `json:"monotonic,omitempty"`
	Lifetime  time.Duration  `json:"lifetime,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// File is a file-typed DID with its physical metadata, as yielded by
// list_files and consumed by attach-with-rse.
type File struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Bytes   int64  `json:"bytes"`
	Adler32 string `json:"adler32,omitempty"`
	MD5     string `json:"md5,omitempty"`
	GUID    string `json:"guid,omitempty"`
}

// ContentEntry is one row of a collection listing.
type ContentEntry struct {
	Scope   string  `json:"scope"`
	Name    string  `json:"name"`
	Type    DIDType `json:"type"`
	Bytes   *int64  `json:"bytes,omitempty"`
	Adler32 string  `json:"adler32,omitempty"`
	MD5     string  `json:"md5,omitempty"`
}

// ScopeEntry is one row of a scope_list walk, carrying the parent link and
// nesting level of the traversal.
type ScopeEntry struct {
	Scope  string  `json:"scope"`
	Name   string  `json:"name"`
	Type   DIDType `json:"type"`
	Parent *DIDRef `json:"parent"`
	Level  int     `json:"level"`
}

// Attachment is one attach request: children to hang under (Scope, Name).
// When RSE is set the children are new files registered as replicas there;
// otherwise they must already exist.
type Attachment struct {
	Scope string
	Name  string
	DIDs  []File
	RSE   string
}

// Replica is a copy of a file at one RSE. Tombstone non-nil means the
// replica is eligible for deletion at or after that instant; invariantly
// it is set exactly when LockCnt is zero.
type Replica struct {
	RSEID     string     `json:"rse_id"`
	Scope     string     `json:"scope"`
	Name      string     `json:"name"`
	Bytes     int64      `json:"bytes"`
	Adler32   string     `json:"adler32,omitempty"`
	MD5       string     `json:"md5,omitempty"`
	LockCnt   int64      `json:"lock_cnt"`
	Tombstone *time.Time `json:"tombstone,omitempty"`
}

// ReplicationRule is a declarative placement demand over a root DID.
type ReplicationRule struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Account        string     `json:"account"`
	Scope          string     `json:"scope"`
	Name           string     `json:"name"`
	State          RuleState  `json:"state"`
	RSEExpression  string     `json:"rse_expression"`
	Copies         int        `json:"copies"`
	Grouping       Grouping   `json:"grouping"`
	Weight         string     `json:"weight,omitempty"`
	Locked         bool       `json:"locked"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ReplicaLock is one (rule, replica) entitlement. A WAITING lock implies an
// outstanding or re-submittable transfer order to RSEID.
type ReplicaLock struct {
	RuleID  string    `json:"rule_id"`
	RSEID   string    `json:"rse_id"`
	Scope   string    `json:"scope"`
	Name    string    `json:"name"`
	Account string    `json:"account"`
	State   LockState `json:"state"`
}

// DatasetLock is the dataset-level analogue of a replica lock, used for
// ALL/DATASET grouping bookkeeping.
type DatasetLock struct {
	RuleID string `json:"rule_id"`
	RSEID  string `json:"rse_id"`
	Scope  string `json:"scope"`
	Name   string `json:"name"`
}

// RuleHint records which datasets and containers a rule was applied over.
type RuleHint struct {
	RuleID string `json:"rule_id"`
	Scope  string `json:"scope"`
	Name   string `json:"name"`
	RSEID  string `json:"rse_id,omitempty"`
}

// UpdatedDID is one work item of the rule re-evaluation feed.
type UpdatedDID struct {
	ID        int64              `json:"id"`
	Scope     string             `json:"scope"`
	Name      string             `json:"name"`
	Action    ReEvaluationAction `json:"action"`
	CreatedAt time.Time          `json:"created_at"`
}

// Message is one outbox row awaiting at-least-once delivery.
type Message struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// RSE is one storage endpoint at one site.
type RSE struct {
	ID        string    `json:"id"`
	Name      string    `json:"rse"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Heartbeat identifies one daemon worker. Live workers of the same
// executable share the outbox and feed scans by (assign_thread, nr_threads).
type Heartbeat struct {
	Executable string
	Hostname   string
	PID        int
	Thread     int
}

// Worker is the shard assignment returned by a heartbeat update.
type Worker struct {
	AssignThread int
	NrThreads    int
}

// TransferOrder asks the transfer subsystem to produce a replica of
// (Scope, Name) at DestRSE.
type TransferOrder struct {
	Scope   string
	Name    string
	RSEID   string
	Bytes   int64
	RuleID  string
	Account string
}

// NameHash is the portable worker-sharding hash: 64-bit FNV-1a of the DID
// name, computed in the application and stored alongside the row. Replaces
// per-dialect database hashing so that partitions are stable across
// backends and restarts.
func NameHash(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Validate checks a registration request before it reaches the database.
func (d *NewDID) Validate() error {
	if d.Scope == "" || d.Name == "" {
		return fmt.Errorf("%w: scope and name are required", ErrInvalidMetadata)
	}
	switch d.Type {
	case TypeDataset, TypeContainer:
	case TypeFile:
		return fmt.Errorf("%w: only collections (dataset/container) can be registered", ErrUnsupportedOperation)
	default:
		return fmt.Errorf("%w: unknown did type %q", ErrInvalidMetadata, d.Type)
	}
	return nil
}
