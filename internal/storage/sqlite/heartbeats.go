package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/gridline/gridline/internal/types"
)

// Live upserts a worker's heartbeat and returns its shard assignment: the
// worker's rank among all live workers of the same executable, ordered by
// (hostname, pid, thread), plus the live worker count. Workers use the
// pair to partition sharded scans.
func (s *Store) Live(ctx context.Context, hb types.Heartbeat) (types.Worker, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (executable, hostname, pid, thread, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (executable, hostname, pid, thread) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, hb.Executable, hb.Hostname, hb.PID, hb.Thread)
	if err != nil {
		return types.Worker{}, wrapDBError("heartbeat", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, pid, thread FROM heartbeats
		WHERE executable = ?
		ORDER BY hostname, pid, thread
	`, hb.Executable)
	if err != nil {
		return types.Worker{}, wrapDBError("list heartbeats", err)
	}
	defer rows.Close()

	assign := -1
	total := 0
	for rows.Next() {
		var hostname string
		var pid, thread int
		if err := rows.Scan(&hostname, &pid, &thread); err != nil {
			return types.Worker{}, wrapDBError("scan heartbeat", err)
		}
		if hostname == hb.Hostname && pid == hb.PID && thread == hb.Thread {
			assign = total
		}
		total++
	}
	if err := rows.Err(); err != nil {
		return types.Worker{}, err
	}
	if assign < 0 {
		return types.Worker{}, fmt.Errorf("%w: heartbeat vanished during assignment", types.ErrDatabase)
	}
	return types.Worker{AssignThread: assign, NrThreads: total}, nil
}

// Die removes a worker's heartbeat on shutdown.
func (s *Store) Die(ctx context.Context, hb types.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM heartbeats WHERE executable = ? AND hostname = ? AND pid = ? AND thread = ?
	`, hb.Executable, hb.Hostname, hb.PID, hb.Thread)
	return wrapDBError("die", err)
}

// ExpireHeartbeats drops heartbeats that have not been renewed within the
// window, so crashed workers stop occupying shard slots.
func (s *Store) ExpireHeartbeats(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM heartbeats WHERE updated_at < ?
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, wrapDBError("expire heartbeats", err)
	}
	return res.RowsAffected()
}
