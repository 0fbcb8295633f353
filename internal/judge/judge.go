// Package judge implements the rule re-evaluation daemon. It drains the
// updated_dids feed and replays each entry through the rule engine.
package judge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridline/gridline/internal/heartbeat"
	"github.com/gridline/gridline/internal/rule"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/telemetry"
)

const executable = "judge"

// Judge is one worker of the re-evaluation daemon.
type Judge struct {
	store  storage.Storage
	engine *rule.Engine
	beat   *heartbeat.Beat
	log    zerolog.Logger

	bulk            int
	delay           time.Duration
	heartbeatExpiry time.Duration

	evaluated metric.Int64Counter
}

func New(store storage.Storage, engine *rule.Engine, thread, bulk int, delay, heartbeatExpiry time.Duration, log zerolog.Logger) *Judge {
	evaluated, _ := telemetry.Meter("").Int64Counter("judge.evaluated_dids")
	return &Judge{
		store:           store,
		engine:          engine,
		beat:            heartbeat.New(store, executable, thread),
		log:             log.With().Str("daemon", executable).Int("thread", thread).Logger(),
		bulk:            bulk,
		delay:           delay,
		heartbeatExpiry: heartbeatExpiry,
		evaluated:       evaluated,
	}
}

// Run executes ticks until the context is cancelled, or a single tick with
// once set.
func (j *Judge) Run(ctx context.Context, once bool) error {
	defer func() {
		dieCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = j.beat.Die(dieCtx)
	}()

	for {
		start := time.Now()
		if err := j.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.log.Error().Err(err).Msg("tick failed")
		}
		if once {
			return nil
		}
		sleep := j.delay - time.Since(start)
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

func (j *Judge) tick(ctx context.Context) error {
	worker, err := j.beat.Live(ctx)
	if err != nil {
		return err
	}
	if _, err := j.store.ExpireHeartbeats(ctx, j.heartbeatExpiry); err != nil {
		return err
	}

	updated, err := j.store.ListUpdatedDIDs(ctx, worker.AssignThread, worker.NrThreads, j.bulk)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		return nil
	}

	// Evaluation is idempotent, so a failed entry is simply left in the
	// feed for the next tick.
	var done []int64
	for _, u := range updated {
		if err := j.engine.Evaluate(ctx, u); err != nil {
			j.log.Warn().Err(err).
				Str("scope", u.Scope).
				Str("name", u.Name).
				Str("action", string(u.Action)).
				Msg("evaluation failed")
			continue
		}
		done = append(done, u.ID)
	}
	if len(done) > 0 {
		if err := j.store.DeleteUpdatedDIDs(ctx, done); err != nil {
			return err
		}
		j.evaluated.Add(ctx, int64(len(done)))
		j.log.Info().Int("evaluated", len(done)).Int("backlog", len(updated)-len(done)).Msg("feed drained")
	}
	return nil
}
