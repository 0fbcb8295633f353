package sqlite

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// createMessage appends one row to the outbox. The shard column is the
// hash of the message id, so concurrent messenger workers partition the
// backlog without coordination.
func createMessage(ctx context.Context, q querier, eventType string, payload map[string]any) error {
	id := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (id, event_type, payload, shard) VALUES (?, ?, ?, ?)
	`, id, eventType, string(body), types.NameHash(id))
	return wrapDBError("create message", err)
}

// CreateMessage enqueues an event for at-least-once delivery.
func (s *Store) CreateMessage(ctx context.Context, eventType string, payload map[string]any) error {
	return createMessage(ctx, s.db, eventType, payload)
}

// RetrieveMessages returns up to bulk outbox rows in arrival order for one
// worker's shard. The filter keeps the broker and email loops on disjoint
// backlogs: the email loop matches only "email" rows while the broker loop
// excludes them, so neither backlog can crowd the other out of the bulk
// window.
func (s *Store) RetrieveMessages(ctx context.Context, bulk, thread, totalThreads int, filter storage.MessageFilter) ([]types.Message, error) {
	query := `SELECT id, event_type, payload, created_at FROM messages WHERE 1=1`
	args := []any{}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	for _, et := range filter.Exclude {
		query += ` AND event_type != ?`
		args = append(args, et)
	}
	if totalThreads > 1 {
		query += ` AND shard % ? = ?`
		args = append(args, totalThreads, thread)
	}
	query += ` ORDER BY created_at`
	if bulk > 0 {
		query += ` LIMIT ?`
		args = append(args, bulk)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("retrieve messages", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var payload string
		if err := rows.Scan(&m.ID, &m.EventType, &payload, &m.CreatedAt); err != nil {
			return nil, wrapDBError("scan message", err)
		}
		// A payload that does not parse still flows through; the messenger
		// decides whether it is poison.
		_ = json.Unmarshal([]byte(payload), &m.Payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessages acknowledges delivered (or poison) messages.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	return wrapDBError("delete messages", err)
}
