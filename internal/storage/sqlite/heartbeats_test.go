package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/gridline/gridline/internal/types"
)

func TestLiveAssignsShards(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	hb0 := types.Heartbeat{Executable: "undertaker", Hostname: "node1", PID: 100, Thread: 0}
	hb1 := types.Heartbeat{Executable: "undertaker", Hostname: "node1", PID: 100, Thread: 1}

	w0, err := s.Live(ctx, hb0)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if w0.AssignThread != 0 || w0.NrThreads != 1 {
		t.Errorf("first worker = %+v, want (0, 1)", w0)
	}

	w1, err := s.Live(ctx, hb1)
	if err != nil {
		t.Fatal(err)
	}
	if w1.AssignThread != 1 || w1.NrThreads != 2 {
		t.Errorf("second worker = %+v, want (1, 2)", w1)
	}

	// Another executable has its own shard space.
	wj, err := s.Live(ctx, types.Heartbeat{Executable: "judge", Hostname: "node1", PID: 100, Thread: 0})
	if err != nil {
		t.Fatal(err)
	}
	if wj.AssignThread != 0 || wj.NrThreads != 1 {
		t.Errorf("judge worker = %+v, want (0, 1)", wj)
	}

	if err := s.Die(ctx, hb0); err != nil {
		t.Fatalf("Die: %v", err)
	}
	w1, err = s.Live(ctx, hb1)
	if err != nil {
		t.Fatal(err)
	}
	if w1.AssignThread != 0 || w1.NrThreads != 1 {
		t.Errorf("after die = %+v, want (0, 1)", w1)
	}
}

func TestExpireHeartbeats(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	if _, err := s.Live(ctx, types.Heartbeat{Executable: "hermes", Hostname: "node1", PID: 1, Thread: 0}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpireHeartbeats(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("fresh heartbeat expired: %d", n)
	}

	n, err = s.ExpireHeartbeats(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired heartbeats = %d, want 1", n)
	}
}
