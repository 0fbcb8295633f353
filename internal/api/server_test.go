package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gridline/gridline/internal/rse"
	"github.com/gridline/gridline/internal/rule"
	"github.com/gridline/gridline/internal/storage/sqlite"
	"github.com/gridline/gridline/internal/transfer"
	"github.com/gridline/gridline/internal/types"
)

func newTestRouter(t *testing.T) (*gin.Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zerolog.Nop()
	engine := rule.NewEngine(store, rse.NewResolver(store), transfer.NewOutboxSubmitter(store, log), log)
	return NewServer(store, engine, log).Router(), store
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rucio-Account", "root")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServerRuleLifecycle(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	w := do(t, r, http.MethodPost, "/rses/SITE_A", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(t, r, http.MethodPut, "/rses/SITE_A/limits/root", map[string]any{"bytes": 1000})
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/scopes/data", nil).Code)
	require.Equal(t, http.StatusCreated,
		do(t, r, http.MethodPost, "/dids/data/ds_1", map[string]any{"type": "DATASET"}).Code)
	require.Equal(t, http.StatusCreated,
		do(t, r, http.MethodPost, "/dids/data/ds_1/dids", map[string]any{
			"rse": "SITE_A",
			"dids": []map[string]any{
				{"scope": "data", "name": "file_1", "bytes": 10},
			},
		}).Code)

	w = do(t, r, http.MethodPost, "/rules", map[string]any{
		"dids":           []map[string]string{{"scope": "data", "name": "ds_1"}},
		"copies":         1,
		"rse_expression": "SITE_A",
		"grouping":       "DATASET",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))
	require.Len(t, ids, 1)

	w = do(t, r, http.MethodGet, "/rules/"+ids[0], nil)
	require.Equal(t, http.StatusOK, w.Code)
	var gotRule types.ReplicationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gotRule))
	require.Equal(t, types.RuleOK, gotRule.State, "the file already lives at SITE_A")

	w = do(t, r, http.MethodGet, "/rules/"+ids[0]+"/locks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var locks []types.ReplicaLock
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &locks))
	require.Len(t, locks, 1)
	require.Equal(t, types.LockOK, locks[0].State)

	// The replica is pinned through the rule.
	replica, err := store.GetReplica(ctx, created.ID, "data", "file_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, replica.LockCnt)
}

func TestServerLockCallback(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	aID, err := store.AddRSE(ctx, "SITE_A")
	require.NoError(t, err)
	bID, err := store.AddRSE(ctx, "SITE_B")
	require.NoError(t, err)
	for _, id := range []string{aID, bID} {
		require.NoError(t, store.SetAccountLimit(ctx, "root", id, 1000))
	}
	require.NoError(t, store.AddScope(ctx, "data", "root"))
	require.NoError(t, store.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "ds_1", Type: types.TypeDataset},
	}, "root"))
	require.NoError(t, store.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1", RSE: "SITE_A",
		DIDs: []types.File{{Scope: "data", Name: "file_1", Bytes: 10}},
	}}, "root"))

	w := do(t, r, http.MethodPost, "/rules", map[string]any{
		"dids":           []map[string]string{{"scope": "data", "name": "ds_1"}},
		"copies":         1,
		"rse_expression": "SITE_B",
		"grouping":       "DATASET",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))

	// The mover reports the transfer done.
	w = do(t, r, http.MethodPut, "/rules/"+ids[0]+"/locks", map[string]any{
		"rse_id": bID, "scope": "data", "name": "file_1", "state": "OK",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/rules/"+ids[0], nil)
	var gotRule types.ReplicationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gotRule))
	require.Equal(t, types.RuleOK, gotRule.State)
}

func TestServerErrorHeaders(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/dids/data/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "DataIdentifierNotFound", w.Header().Get("ExceptionClass"))
	require.NotEmpty(t, w.Header().Get("ExceptionMessage"))

	// Adding a FILE directly is rejected before it reaches the database.
	w = do(t, r, http.MethodPost, "/dids/data/f", map[string]any{"type": "FILE"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "UnsupportedOperation", w.Header().Get("ExceptionClass"))
}
