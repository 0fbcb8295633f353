package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/types"
)

type fakeSender struct {
	sent      []string
	failAll   bool
	failTypes map[string]bool
}

func (f *fakeSender) Send(_ context.Context, eventType string, body []byte) error {
	if f.failAll || f.failTypes[eventType] {
		return errors.New("broker down")
	}
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if envelope.EventType != eventType {
		return errors.New("envelope event_type mismatch")
	}
	f.sent = append(f.sent, eventType)
	return nil
}

func (f *fakeSender) Close() {}

type fakeMailer struct {
	to       [][]string
	subjects []string
}

func (f *fakeMailer) Mail(_ context.Context, to []string, subject, _ string) error {
	f.to = append(f.to, to)
	f.subjects = append(f.subjects, subject)
	return nil
}

func newHermes(t *testing.T, sender Sender, mailer Mailer) (*Hermes, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, sender, mailer, 100, time.Minute, time.Hour, zerolog.Nop()), store
}

func TestBrokerDeliversAndDeletes(t *testing.T) {
	sender := &fakeSender{}
	h, store := newHermes(t, sender, &fakeMailer{})
	ctx := context.Background()

	require.NoError(t, store.CreateMessage(ctx, "rule.ok", map[string]any{"rule_id": "r1"}))
	require.NoError(t, store.CreateMessage(ctx, "transfer.queued", map[string]any{"scope": "data"}))
	require.NoError(t, store.CreateMessage(ctx, "email", map[string]any{"to": "ops@example.org"}))

	require.NoError(t, h.RunBroker(ctx, 0, true))

	require.Len(t, sender.sent, 2, "email rows are not for the broker")
	require.NotContains(t, sender.sent, "email")

	// Delivered rows are gone, the email row stays for the email worker.
	left, err := store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "email", left[0].EventType)
}

func TestBrokerDropsPoisonWithoutDelivery(t *testing.T) {
	sender := &fakeSender{}
	h, store := newHermes(t, sender, &fakeMailer{})
	ctx := context.Background()

	// A nil payload round-trips as JSON null, which no consumer can use.
	require.NoError(t, store.CreateMessage(ctx, "rule.ok", nil))

	require.NoError(t, h.RunBroker(ctx, 0, true))

	require.Empty(t, sender.sent)
	left, err := store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Empty(t, left, "poison must be deleted, not retried forever")
}

func TestBrokerFailureKeepsTail(t *testing.T) {
	sender := &fakeSender{failAll: true}
	h, store := newHermes(t, sender, &fakeMailer{})
	ctx := context.Background()

	require.NoError(t, store.CreateMessage(ctx, "rule.ok", map[string]any{"rule_id": "r1"}))
	require.NoError(t, store.CreateMessage(ctx, "rule.ok", map[string]any{"rule_id": "r2"}))

	require.NoError(t, h.RunBroker(ctx, 0, true))

	left, err := store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, left, 2, "nothing was accepted, nothing may be deleted")

	// Next tick after the broker recovers drains the backlog.
	sender.failAll = false
	require.NoError(t, h.RunBroker(ctx, 0, true))
	require.Len(t, sender.sent, 2)
	left, err = store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestBrokerFailureSkipsOnlyFailedMessage(t *testing.T) {
	sender := &fakeSender{failTypes: map[string]bool{"transfer.queued": true}}
	h, store := newHermes(t, sender, &fakeMailer{})
	ctx := context.Background()

	require.NoError(t, store.CreateMessage(ctx, "transfer.queued", map[string]any{"scope": "data"}))
	require.NoError(t, store.CreateMessage(ctx, "rule.ok", map[string]any{"rule_id": "r1"}))

	require.NoError(t, h.RunBroker(ctx, 0, true))

	// A failure affects only its own message; the rest of the batch is
	// still delivered, and the failed one stays queued for the next tick.
	require.Equal(t, []string{"rule.ok"}, sender.sent)
	left, err := store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "transfer.queued", left[0].EventType)
}

func TestEmailTick(t *testing.T) {
	mailer := &fakeMailer{}
	h, store := newHermes(t, &fakeSender{}, mailer)
	ctx := context.Background()

	require.NoError(t, store.CreateMessage(ctx, "email", map[string]any{
		"to": []any{"a@example.org", "b@example.org"}, "subject": "rule done", "body": "ok",
	}))
	// No recipients: poison.
	require.NoError(t, store.CreateMessage(ctx, "email", map[string]any{"subject": "orphan"}))
	// Not an email, must be ignored by the email worker.
	require.NoError(t, store.CreateMessage(ctx, "rule.ok", map[string]any{"rule_id": "r1"}))

	require.NoError(t, h.RunEmail(ctx, 0, true))

	require.Len(t, mailer.to, 1)
	require.Equal(t, []string{"a@example.org", "b@example.org"}, mailer.to[0])
	require.Equal(t, []string{"rule done"}, mailer.subjects)

	left, err := store.RetrieveMessages(ctx, 100, 0, 1, storage.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "rule.ok", left[0].EventType)
}

func TestEmailFields(t *testing.T) {
	to, subject, body, ok := emailFields(types.Message{Payload: map[string]any{
		"to": "ops@example.org", "subject": "s", "body": "b",
	}})
	require.True(t, ok)
	require.Equal(t, []string{"ops@example.org"}, to)
	require.Equal(t, "s", subject)
	require.Equal(t, "b", body)

	_, _, _, ok = emailFields(types.Message{Payload: map[string]any{"to": []any{"", 7}}})
	require.False(t, ok)

	_, _, _, ok = emailFields(types.Message{Payload: map[string]any{}})
	require.False(t, ok)
}
