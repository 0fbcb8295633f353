package rule

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/rse"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/transfer"
	"github.com/gridline/gridline/internal/types"
)

// engineFixture is a store with one dataset of two files replicated at
// SITE_A, plus SITE_B and SITE_C tagged tier=1, all with quota for root.
type engineFixture struct {
	store  *sqlite.Store
	engine *Engine
	rseIDs map[string]string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &engineFixture{store: store, rseIDs: map[string]string{}}
	for _, site := range []string{"SITE_A", "SITE_B", "SITE_C"} {
		id, err := store.AddRSE(ctx, site)
		require.NoError(t, err)
		f.rseIDs[site] = id
		require.NoError(t, store.SetAccountLimit(ctx, "root", id, 1_000_000))
	}
	require.NoError(t, store.SetRSEAttribute(ctx, f.rseIDs["SITE_B"], "tier", "1"))
	require.NoError(t, store.SetRSEAttribute(ctx, f.rseIDs["SITE_C"], "tier", "1"))

	require.NoError(t, store.AddScope(ctx, "data", "root"))
	require.NoError(t, store.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "ds_1", Type: types.TypeDataset},
	}, "root"))
	require.NoError(t, store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1", RSE: "SITE_A",
		DIDs: []types.File{
			{Scope: "data", Name: "file_1", Bytes: 10},
			{Scope: "data", Name: "file_2", Bytes: 20},
		},
	}}, "root"))

	log := zerolog.Nop()
	f.engine = NewEngine(store, rse.NewResolver(store), transfer.NewOutboxSubmitter(store, log), log)
	f.engine.SetRand(rand.New(rand.NewSource(11)))
	return f
}

func (f *engineFixture) transferCount(t *testing.T) int {
	t.Helper()
	msgs, err := f.store.RetrieveMessages(context.Background(), 100, 0, 1,
		storage.MessageFilter{EventType: "transfer.queued"})
	require.NoError(t, err)
	return len(msgs)
}

func TestAddRuleNoneGrouping(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ids, err := f.engine.AddReplicationRule(ctx, Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        2,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rule, err := f.store.GetReplicationRule(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, types.RuleWaiting, rule.State, "no replica exists at tier-1 sites yet")

	locks, err := f.store.GetReplicaLocksForRule(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, locks, 4, "2 copies for each of 2 files")
	for _, l := range locks {
		require.Equal(t, types.LockWaiting, l.State)
		require.NotEqual(t, f.rseIDs["SITE_A"], l.RSEID, "SITE_A is outside tier=1")
	}
	require.Equal(t, 4, f.transferCount(t))
}

func TestAddRuleAllGroupingReusesReplicas(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ids, err := f.engine.AddReplicationRule(ctx, Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_A",
		Grouping:      types.GroupingAll,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rule, err := f.store.GetReplicationRule(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, types.RuleOK, rule.State, "both files already live at SITE_A")

	locks, err := f.store.GetReplicaLocksForRule(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, l := range locks {
		require.Equal(t, types.LockOK, l.State)
		require.Equal(t, f.rseIDs["SITE_A"], l.RSEID)
	}
	require.Zero(t, f.transferCount(t), "reuse must not move bytes")

	dsLocks, err := f.store.GetDatasetLocks(ctx, "data", "ds_1")
	require.NoError(t, err)
	require.Len(t, dsLocks, 1)

	// The replicas are pinned now.
	r, err := f.store.GetReplica(ctx, f.rseIDs["SITE_A"], "data", "file_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, r.LockCnt)
	require.Nil(t, r.Tombstone)

	okMsgs, err := f.store.RetrieveMessages(ctx, 10, 0, 1, storage.MessageFilter{EventType: "rule.ok"})
	require.NoError(t, err)
	require.Len(t, okMsgs, 1)
}

func TestAddRuleReusesExistingLocks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	req := Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_B",
		Grouping:      types.GroupingNone,
	}
	first, err := f.engine.AddReplicationRule(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, f.transferCount(t), "no replica at SITE_B, one transfer per file")

	// A second rule on the same site rides the transfers the first one
	// already queued instead of ordering the bytes moved again.
	second, err := f.engine.AddReplicationRule(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, f.transferCount(t), "the pending copies serve both rules")

	locks, err := f.store.GetReplicaLocksForRule(ctx, second[0])
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, l := range locks {
		require.Equal(t, types.LockWaiting, l.State)
		require.Equal(t, f.rseIDs["SITE_B"], l.RSEID)
	}
	for _, id := range []string{first[0], second[0]} {
		r, err := f.store.GetReplicationRule(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.RuleWaiting, r.State)
	}
}

func TestAddRuleInsufficientTargets(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.AddReplicationRule(context.Background(), Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        3,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
	})
	require.ErrorIs(t, err, types.ErrInsufficientTargetRSEs)
}

func TestAddRuleMissingDID(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.AddReplicationRule(context.Background(), Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ghost"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_A",
	})
	require.ErrorIs(t, err, types.ErrDataIdentifierNotFound)
}

func TestEvaluateAttachExtendsRule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ids, err := f.engine.AddReplicationRule(ctx, Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_A",
		Grouping:      types.GroupingDataset,
	})
	require.NoError(t, err)
	ruleID := ids[0]

	// A new file lands at SITE_B and joins the dataset.
	require.NoError(t, f.store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1", RSE: "SITE_B",
		DIDs: []types.File{{Scope: "data", Name: "file_3", Bytes: 5}},
	}}, "root"))

	err = f.engine.Evaluate(ctx, types.UpdatedDID{Scope: "data", Name: "ds_1", Action: types.ActionAttach})
	require.NoError(t, err)

	locks, err := f.store.GetReplicaLocksForRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	var file3 *types.ReplicaLock
	for i := range locks {
		if locks[i].Name == "file_3" {
			file3 = &locks[i]
		}
	}
	require.NotNil(t, file3)
	require.Equal(t, f.rseIDs["SITE_A"], file3.RSEID, "rule sticks to the sites it already uses")
	require.Equal(t, types.LockWaiting, file3.State, "file_3 has no replica at SITE_A yet")

	rule, err := f.store.GetReplicationRule(ctx, ruleID)
	require.NoError(t, err)
	require.Equal(t, types.RuleWaiting, rule.State)

	// Replaying the entry changes nothing.
	err = f.engine.Evaluate(ctx, types.UpdatedDID{Scope: "data", Name: "ds_1", Action: types.ActionAttach})
	require.NoError(t, err)
	locks, err = f.store.GetReplicaLocksForRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 3)
}

func TestEvaluateDetachFreesLocks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ids, err := f.engine.AddReplicationRule(ctx, Request{
		DIDs:          []types.DIDRef{{Scope: "data", Name: "ds_1"}},
		Account:       "root",
		Copies:        1,
		RSEExpression: "SITE_A",
		Grouping:      types.GroupingDataset,
	})
	require.NoError(t, err)
	ruleID := ids[0]

	require.NoError(t, f.store.Detach(ctx, "data", "ds_1", []types.DIDRef{{Scope: "data", Name: "file_1"}}))
	err = f.engine.Evaluate(ctx, types.UpdatedDID{Scope: "data", Name: "ds_1", Action: types.ActionDetach})
	require.NoError(t, err)

	locks, err := f.store.GetReplicaLocksForRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "file_2", locks[0].Name)

	// The detached file's replica is unpinned and tombstoned again.
	r, err := f.store.GetReplica(ctx, f.rseIDs["SITE_A"], "data", "file_1")
	require.NoError(t, err)
	require.EqualValues(t, 0, r.LockCnt)
	require.NotNil(t, r.Tombstone)
}
