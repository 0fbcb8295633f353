package judge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/rse"
	"github.com/gridline/gridline/internal/rule"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/transfer"
	"github.com/gridline/gridline/internal/types"
)

func TestJudgeDrainsFeed(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	id, err := store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	require.NoError(t, store.SetAccountLimit(ctx, "root", id, 1_000_000))
	require.NoError(t, store.AddScope(ctx, "data", "root"))
	require.NoError(t, store.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "ds_1", Type: types.TypeDataset},
	}, "root"))
	require.NoError(t, store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1", RSE: "SITE_A",
		DIDs: []types.File{{Scope: "data", Name: "file_1", Bytes: 10}},
	}}, "root"))

	log := zerolog.Nop()
	engine := rule.NewEngine(store, rse.NewResolver(store), transfer.NewOutboxSubmitter(store, log), log)
	ids, err := engine.AddReplicationRule(ctx, rule.Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_A",
		Grouping:      types.GroupingDataset,
	})
	require.NoError(t, err)
	ruleID := ids[0]

	// A late attach lands in the feed; the rule does not cover it yet.
	require.NoError(t, store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1", RSE: "SITE_A",
		DIDs: []types.File{{Scope: "data", Name: "file_2", Bytes: 20}},
	}}, "root"))
	locks, err := store.GetReplicaLocksForRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 1)

	j := New(store, engine, 0, 100, time.Minute, time.Hour, log)
	require.NoError(t, j.Run(ctx, true))

	// The judge replayed the feed and the rule now covers both files.
	locks, err = store.GetReplicaLocksForRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 2)

	backlog, err := store.ListUpdatedDIDs(ctx, 0, 1, 100)
	require.NoError(t, err)
	require.Empty(t, backlog, "processed entries must leave the feed")
}
