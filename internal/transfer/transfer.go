// Package transfer decouples the rule engine from the machinery that
// actually moves bytes between sites.
package transfer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// Submitter accepts transfer orders produced by the rule engine. Each
// order corresponds to one WAITING replica lock; completion is reported
// back through the lock-state callback.
type Submitter interface {
	Submit(ctx context.Context, orders []types.TransferOrder) error
}

// OutboxSubmitter queues transfer orders as outbox messages, letting an
// external mover consume them through the messenger.
type OutboxSubmitter struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewOutboxSubmitter(store storage.Storage, log zerolog.Logger) *OutboxSubmitter {
	return &OutboxSubmitter{store: store, log: log}
}

func (s *OutboxSubmitter) Submit(ctx context.Context, orders []types.TransferOrder) error {
	for _, o := range orders {
		err := s.store.CreateMessage(ctx, "transfer.queued", map[string]any{
			"scope":   o.Scope,
			"name":    o.Name,
			"rse_id":  o.RSEID,
			"bytes":   o.Bytes,
			"rule_id": o.RuleID,
			"account": o.Account,
		})
		if err != nil {
			return err
		}
		s.log.Debug().
			Str("scope", o.Scope).
			Str("name", o.Name).
			Str("rse_id", o.RSEID).
			Str("rule_id", o.RuleID).
			Msg("transfer queued")
	}
	return nil
}
