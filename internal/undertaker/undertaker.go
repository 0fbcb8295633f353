// Package undertaker implements the expiry daemon: it hunts DIDs whose
// lifetime has passed and removes them with everything attached.
package undertaker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridline/gridline/internal/heartbeat"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/telemetry"
	"github.com/gridline/gridline/internal/types"
)

const executable = "undertaker"

// chunkSize bounds one DeleteDIDs transaction; a failing chunk is skipped
// and retried on a later tick.
const chunkSize = 10

// Undertaker is one worker of the expiry daemon.
type Undertaker struct {
	store storage.Storage
	beat  *heartbeat.Beat
	log   zerolog.Logger

	bulk            int
	delay           time.Duration
	heartbeatExpiry time.Duration

	deleted  metric.Int64Counter
	duration metric.Float64Histogram
}

func New(store storage.Storage, thread, bulk int, delay, heartbeatExpiry time.Duration, log zerolog.Logger) *Undertaker {
	meter := telemetry.Meter("")
	deleted, _ := meter.Int64Counter("undertaker.deleted_rows")
	duration, _ := meter.Float64Histogram("undertaker.tick_seconds")
	return &Undertaker{
		store:           store,
		beat:            heartbeat.New(store, executable, thread),
		log:             log.With().Str("daemon", executable).Int("thread", thread).Logger(),
		bulk:            bulk,
		delay:           delay,
		heartbeatExpiry: heartbeatExpiry,
		deleted:         deleted,
		duration:        duration,
	}
}

// Run executes ticks until the context is cancelled. With once set a
// single tick runs and Run returns.
func (u *Undertaker) Run(ctx context.Context, once bool) error {
	defer func() {
		dieCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = u.beat.Die(dieCtx)
	}()

	for {
		start := time.Now()
		if err := u.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.log.Error().Err(err).Msg("tick failed")
		}
		elapsed := time.Since(start)
		u.duration.Record(ctx, elapsed.Seconds())

		if once {
			return nil
		}
		sleep := u.delay - elapsed
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

func (u *Undertaker) tick(ctx context.Context) error {
	worker, err := u.beat.Live(ctx)
	if err != nil {
		return err
	}
	if _, err := u.store.ExpireHeartbeats(ctx, u.heartbeatExpiry); err != nil {
		return err
	}

	expired, err := u.store.ListExpiredDIDs(ctx, worker.AssignThread, worker.NrThreads, u.bulk)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	u.log.Info().
		Int("expired", len(expired)).
		Int("assign_thread", worker.AssignThread).
		Int("nr_threads", worker.NrThreads).
		Msg("reaping expired dids")

	for i := 0; i < len(expired); i += chunkSize {
		end := i + chunkSize
		if end > len(expired) {
			end = len(expired)
		}
		chunk := expired[i:end]
		stats, err := u.store.DeleteDIDs(ctx, chunk)
		if err != nil {
			// Skip the chunk; the DIDs stay expired and a later tick
			// picks them up again.
			u.log.Warn().Err(err).Int("chunk", len(chunk)).Msg("chunk failed, skipping")
			continue
		}
		u.record(ctx, stats)
		u.log.Debug().
			Int64("dids", stats.DIDs).
			Int64("locks", stats.Locks).
			Int64("rules", stats.Rules).
			Int64("content", stats.Content).
			Int64("tombstones", stats.Tombstones).
			Msg("chunk deleted")
	}
	return nil
}

func (u *Undertaker) record(ctx context.Context, stats storage.DeleteStats) {
	add := func(category string, n int64) {
		if n > 0 {
			u.deleted.Add(ctx, n, metric.WithAttributes(categoryAttr(category)))
		}
	}
	add("locks", stats.Locks)
	add("dataset_locks", stats.DatasetLocks)
	add("rules", stats.Rules)
	add("parent_content", stats.ParentContent)
	add("content", stats.Content)
	add("dids", stats.DIDs)
	add("tombstones", stats.Tombstones)
}

func categoryAttr(category string) attribute.KeyValue {
	return attribute.String("category", category)
}

// Expired lists this worker's current batch without deleting, used by the
// CLI to preview what a tick would reap.
func (u *Undertaker) Expired(ctx context.Context) ([]types.DIDRef, error) {
	worker, err := u.beat.Live(ctx)
	if err != nil {
		return nil, err
	}
	return u.store.ListExpiredDIDs(ctx, worker.AssignThread, worker.NrThreads, u.bulk)
}
