// Package hermes implements the outbox messenger: it drains the messages
// table and delivers events to a STOMP fabric and emails to an SMTP relay.
// Delivery is at-least-once; a message is deleted only after the broker
// accepted it, while a message that can never be delivered (poison) is
// deleted without delivery so it cannot wedge the queue.
package hermes

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridline/gridline/internal/heartbeat"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/telemetry"
	"github.com/gridline/gridline/internal/types"
)

// Hermes is one messenger worker.
type Hermes struct {
	store  storage.Storage
	sender Sender
	mailer Mailer
	log    zerolog.Logger

	bulk            int
	delay           time.Duration
	heartbeatExpiry time.Duration

	delivered metric.Int64Counter
	poison    metric.Int64Counter
}

func New(store storage.Storage, sender Sender, mailer Mailer, bulk int, delay, heartbeatExpiry time.Duration, log zerolog.Logger) *Hermes {
	meter := telemetry.Meter("")
	delivered, _ := meter.Int64Counter("hermes.delivered_messages")
	poison, _ := meter.Int64Counter("hermes.poison_messages")
	return &Hermes{
		store:           store,
		sender:          sender,
		mailer:          mailer,
		bulk:            bulk,
		delay:           delay,
		heartbeatExpiry: heartbeatExpiry,
		log:             log.With().Str("daemon", "hermes").Logger(),
		delivered:       delivered,
		poison:          poison,
	}
}

// RunBroker drains non-email messages to the STOMP fabric until the
// context is cancelled, or for one tick with once set.
func (h *Hermes) RunBroker(ctx context.Context, thread int, once bool) error {
	beat := heartbeat.New(h.store, "hermes", thread)
	return h.run(ctx, beat, once, h.brokerTick)
}

// RunEmail drains email-typed messages to the SMTP relay.
func (h *Hermes) RunEmail(ctx context.Context, thread int, once bool) error {
	beat := heartbeat.New(h.store, "hermes-email", thread)
	return h.run(ctx, beat, once, h.emailTick)
}

func (h *Hermes) run(ctx context.Context, beat *heartbeat.Beat, once bool, tick func(context.Context, types.Worker) error) error {
	defer func() {
		dieCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = beat.Die(dieCtx)
	}()

	for {
		start := time.Now()
		worker, err := beat.Live(ctx)
		if err == nil {
			if _, err = h.store.ExpireHeartbeats(ctx, h.heartbeatExpiry); err == nil {
				err = tick(ctx, worker)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Error().Err(err).Msg("tick failed")
		}
		if once {
			return nil
		}
		sleep := h.delay - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (h *Hermes) brokerTick(ctx context.Context, worker types.Worker) error {
	// Email rows stay out of the broker's bulk window entirely; they belong
	// to the email loop and would otherwise crowd out deliverable events.
	msgs, err := h.store.RetrieveMessages(ctx, h.bulk, worker.AssignThread, worker.NrThreads,
		storage.MessageFilter{Exclude: []string{"email"}})
	if err != nil {
		return err
	}

	var done []string
	for _, m := range msgs {
		if m.Payload == nil {
			// Unparseable payload can never be delivered: drop it.
			h.log.Warn().Str("id", m.ID).Str("event_type", m.EventType).Msg("poison message dropped")
			h.poison.Add(ctx, 1)
			done = append(done, m.ID)
			continue
		}
		body, err := json.Marshal(map[string]any{
			"event_type": m.EventType,
			"payload":    m.Payload,
			"created_at": m.CreatedAt,
		})
		if err != nil {
			h.log.Warn().Err(err).Str("id", m.ID).Msg("poison message dropped")
			h.poison.Add(ctx, 1)
			done = append(done, m.ID)
			continue
		}
		if err := h.sender.Send(ctx, m.EventType, body); err != nil {
			// Failures are per message. The failed one stays queued for the
			// next tick; the rest of the batch still gets its chance.
			h.log.Warn().Err(err).Str("id", m.ID).Msg("delivery failed")
			continue
		}
		h.delivered.Add(ctx, 1)
		done = append(done, m.ID)
	}
	if len(done) > 0 {
		if err := h.store.DeleteMessages(ctx, done); err != nil {
			return err
		}
		h.log.Info().Int("delivered", len(done)).Int("retrieved", len(msgs)).Msg("messages delivered")
	}
	return nil
}

func (h *Hermes) emailTick(ctx context.Context, worker types.Worker) error {
	msgs, err := h.store.RetrieveMessages(ctx, h.bulk, worker.AssignThread, worker.NrThreads,
		storage.MessageFilter{EventType: "email"})
	if err != nil {
		return err
	}

	var done []string
	for _, m := range msgs {
		to, subject, body, ok := emailFields(m)
		if !ok {
			h.log.Warn().Str("id", m.ID).Msg("email without recipients dropped")
			h.poison.Add(ctx, 1)
			done = append(done, m.ID)
			continue
		}
		if err := h.mailer.Mail(ctx, to, subject, body); err != nil {
			h.log.Warn().Err(err).Str("id", m.ID).Msg("email delivery failed")
			continue
		}
		h.delivered.Add(ctx, 1)
		done = append(done, m.ID)
	}
	if len(done) > 0 {
		return h.store.DeleteMessages(ctx, done)
	}
	return nil
}
