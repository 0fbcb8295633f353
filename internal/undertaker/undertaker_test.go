package undertaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/types"
)

func TestUndertakerReapsExpiredDIDs(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.AddScope(ctx, "data", "root"))
	require.NoError(t, store.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "ds_old", Type: types.TypeDataset},
		{Scope: "data", Name: "ds_live", Type: types.TypeDataset, Lifetime: 24 * time.Hour},
	}, "root"))
	_, err = store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	require.NoError(t, store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_old", RSE: "SITE_A",
		DIDs: []types.File{{Scope: "data", Name: "file_1", Bytes: 10}},
	}}, "root"))

	// Push the dataset's expiry into the past.
	require.NoError(t, store.SetMetadata(ctx, "data", "ds_old", "lifetime", -60))

	u := New(store, 0, 100, time.Minute, time.Hour, zerolog.Nop())

	expired, err := u.Expired(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.DIDRef{{Scope: "data", Name: "ds_old"}}, expired)

	require.NoError(t, u.Run(ctx, true))

	_, err = store.GetDID(ctx, "data", "ds_old")
	require.True(t, errors.Is(err, types.ErrDataIdentifierNotFound), "got %v", err)

	// The live dataset is untouched.
	_, err = store.GetDID(ctx, "data", "ds_live")
	require.NoError(t, err)

	// Nothing left for the next tick.
	expired, err = store.ListExpiredDIDs(ctx, 0, 1, 100)
	require.NoError(t, err)
	require.Empty(t, expired)
}
