// Package heartbeat gives daemon workers their identity in the worker
// registry and their shard assignment.
package heartbeat

import (
	"context"
	"os"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// Beat is one worker's handle on the heartbeat table. Renew it at the top
// of every loop iteration; the returned assignment can change as workers
// join and leave.
type Beat struct {
	store storage.Storage
	hb    types.Heartbeat
}

func New(store storage.Storage, executable string, thread int) *Beat {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Beat{
		store: store,
		hb: types.Heartbeat{
			Executable: executable,
			Hostname:   hostname,
			PID:        os.Getpid(),
			Thread:     thread,
		},
	}
}

// Live renews the heartbeat and returns the current shard assignment.
func (b *Beat) Live(ctx context.Context) (types.Worker, error) {
	return b.store.Live(ctx, b.hb)
}

// Die removes the worker from the registry on shutdown.
func (b *Beat) Die(ctx context.Context) error {
	return b.store.Die(ctx, b.hb)
}
