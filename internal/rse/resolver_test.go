package rse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/types"
)

func newResolverStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResolveVerbatimName(t *testing.T) {
	store := newResolverStore(t)
	ctx := context.Background()
	id, err := store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	_, err = store.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)

	got, err := NewResolver(store).Resolve(ctx, "SITE_A")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)
}

func TestResolveAttributeForm(t *testing.T) {
	store := newResolverStore(t)
	ctx := context.Background()
	a, err := store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	b, err := store.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	_, err = store.AddRSE(ctx, "SITE_C")
	require.NoError(t, err)
	require.NoError(t, store.SetRSEAttribute(ctx, a, "tier", "1"))
	require.NoError(t, store.SetRSEAttribute(ctx, b, "tier", "1"))

	got, err := NewResolver(store).Resolve(ctx, "tier=1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Whitespace around the key and value is tolerated.
	got, err = NewResolver(store).Resolve(ctx, " tier = 1 ")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestResolveNoMatch(t *testing.T) {
	store := newResolverStore(t)
	ctx := context.Background()
	_, err := store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)

	_, err = NewResolver(store).Resolve(ctx, "SITE_Z")
	require.ErrorIs(t, err, types.ErrRSENotFound)

	_, err = NewResolver(store).Resolve(ctx, "tier=9")
	require.ErrorIs(t, err, types.ErrRSENotFound)
}

func TestResolveMalformedExpression(t *testing.T) {
	store := newResolverStore(t)
	ctx := context.Background()

	for _, expr := range []string{"", "   ", "=1", "tier="} {
		_, err := NewResolver(store).Resolve(ctx, expr)
		require.ErrorIs(t, err, types.ErrInvalidReplicationRule, "expression %q", expr)
	}
}
