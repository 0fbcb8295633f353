package types

import "errors"

// Error taxonomy of the control plane. Business errors surface to the
// caller without retries; only transient infrastructure errors are retried
// with bounded backoff. The HTTP boundary maps these to statuses in one
// place (internal/api).
var (
	// Input errors.
	ErrKeyNotFound          = errors.New("key not found")
	ErrInvalidMetadata      = errors.New("invalid metadata")
	ErrInvalidValueForKey   = errors.New("invalid value for key")
	ErrInvalidRuleWeight    = errors.New("invalid rule weight")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnsupportedStatus    = errors.New("unsupported status")

	// Not-found errors.
	ErrDataIdentifierNotFound  = errors.New("data identifier not found")
	ErrScopeNotFound           = errors.New("scope not found")
	ErrRSENotFound             = errors.New("rse not found")
	ErrReplicationRuleNotFound = errors.New("replication rule not found")

	// Conflict errors.
	ErrDataIdentifierAlreadyExists = errors.New("data identifier already exists")
	ErrFileAlreadyExists           = errors.New("file already exists")
	ErrDuplicate                   = errors.New("duplicate")

	// Quota and placement errors.
	ErrInsufficientTargetRSEs   = errors.New("insufficient target rses")
	ErrInsufficientAccountLimit = errors.New("insufficient account limit")
	ErrInsufficientQuota        = errors.New("insufficient quota")
	ErrInvalidReplicationRule   = errors.New("invalid replication rule")

	// Auth errors.
	ErrAccessDenied       = errors.New("access denied")
	ErrCannotAuthenticate = errors.New("cannot authenticate")

	// Infrastructure errors.
	ErrDatabase           = errors.New("database error")
	ErrServiceUnavailable = errors.New("service unavailable")
)
