package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/gridline/gridline/internal/types"
)

func mustAddRSE(t *testing.T, s *Store, name string) string {
	t.Helper()
	id, err := s.AddRSE(context.Background(), name)
	if err != nil {
		t.Fatalf("AddRSE(%s): %v", name, err)
	}
	return id
}

// attachTwoFiles hangs two freshly registered files (10 and 20 bytes) under
// the dataset, creating replicas at the given RSE.
func attachTwoFiles(t *testing.T, s *Store, scope, name, rse string) {
	t.Helper()
	err := s.Attach(context.Background(), []types.Attachment{{
		Scope: scope,
		Name:  name,
		RSE:   rse,
		DIDs: []types.File{
			{Scope: scope, Name: "file_1", Bytes: 10, Adler32: "0a0a0a0a"},
			{Scope: scope, Name: "file_2", Bytes: 20, Adler32: "0b0b0b0b"},
		},
	}}, "root")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

func TestAttachWithRSECreatesFilesAndReplicas(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")
	rseID := mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_1", "SITE_A")

	f, err := s.GetDID(ctx, "data", "file_1")
	if err != nil {
		t.Fatalf("file DID not created: %v", err)
	}
	if f.Type != types.TypeFile {
		t.Errorf("type = %s, want FILE", f.Type)
	}

	r, err := s.GetReplica(ctx, rseID, "data", "file_1")
	if err != nil {
		t.Fatalf("replica not created: %v", err)
	}
	if r.LockCnt != 0 {
		t.Errorf("lock_cnt = %d, want 0", r.LockCnt)
	}
	if r.Tombstone == nil {
		t.Error("unlocked replica must carry a tombstone")
	}

	usage, err := s.GetAccountUsage(ctx, "root", rseID)
	if err != nil {
		t.Fatal(err)
	}
	if usage != 30 {
		t.Errorf("account usage = %d, want 30", usage)
	}

	content, err := s.ListContent(ctx, "data", "ds_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 2 {
		t.Fatalf("content rows = %d, want 2", len(content))
	}
}

func TestAttachDuplicateFile(t *testing.T) {
	s := newTestStore(t, "")
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_1", "SITE_A")

	err := s.Attach(context.Background(), []types.Attachment{{
		Scope: "data", Name: "ds_1",
		DIDs: []types.File{{Scope: "data", Name: "file_1"}},
	}}, "root")
	if !errors.Is(err, types.ErrFileAlreadyExists) {
		t.Errorf("duplicate attach: got %v", err)
	}
}

func TestAttachMissingFile(t *testing.T) {
	s := newTestStore(t, "")
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")

	err := s.Attach(context.Background(), []types.Attachment{{
		Scope: "data", Name: "ds_1",
		DIDs: []types.File{{Scope: "data", Name: "ghost"}},
	}}, "root")
	if !errors.Is(err, types.ErrDataIdentifierNotFound) {
		t.Errorf("missing file: got %v", err)
	}
}

func TestAttachContainerCycle(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	err := s.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "outer", Type: types.TypeContainer},
		{Scope: "data", Name: "inner", Type: types.TypeContainer},
	}, "root")
	if err != nil {
		t.Fatal(err)
	}

	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "outer",
		DIDs: []types.File{{Scope: "data", Name: "inner"}},
	}}, "root")
	if err != nil {
		t.Fatalf("attach inner to outer: %v", err)
	}

	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "inner",
		DIDs: []types.File{{Scope: "data", Name: "outer"}},
	}}, "root")
	if !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("cycle attach: got %v", err)
	}

	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "outer",
		DIDs: []types.File{{Scope: "data", Name: "outer"}},
	}}, "root")
	if !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("self attach: got %v", err)
	}
}

func TestAttachMixedCollectionChildren(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	err := s.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "cont", Type: types.TypeContainer},
		{Scope: "data", Name: "sub", Type: types.TypeContainer},
		{Scope: "data", Name: "ds_1", Type: types.TypeDataset},
	}, "root")
	if err != nil {
		t.Fatal(err)
	}

	// A dataset and a container in one batch.
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "cont",
		DIDs: []types.File{{Scope: "data", Name: "ds_1"}, {Scope: "data", Name: "sub"}},
	}}, "root")
	if !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("mixed attach: got %v", err)
	}

	// The same mix spread over two attachments.
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "cont",
		DIDs: []types.File{{Scope: "data", Name: "ds_1"}},
	}}, "root")
	if err != nil {
		t.Fatalf("attach dataset child: %v", err)
	}
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "cont",
		DIDs: []types.File{{Scope: "data", Name: "sub"}},
	}}, "root")
	if !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("container child after dataset child: got %v", err)
	}

	// The rejected batch must leave no edge behind.
	content, err := s.ListContent(ctx, "data", "cont")
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 1 || content[0].Name != "ds_1" {
		t.Errorf("content = %v, want only ds_1", content)
	}
}

func TestSetStatusFreezesLengthAndBytes(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_1", "SITE_A")

	if err := s.SetStatus(ctx, "data", "ds_1", false); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	d, err := s.GetDID(ctx, "data", "ds_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.IsOpen {
		t.Error("dataset still open")
	}
	if d.Length == nil || *d.Length != 2 {
		t.Errorf("length = %v, want 2", d.Length)
	}
	if d.Bytes == nil || *d.Bytes != 30 {
		t.Errorf("bytes = %v, want 30", d.Bytes)
	}

	// Closing twice is rejected, as is attaching to a closed collection.
	if err := s.SetStatus(ctx, "data", "ds_1", false); !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("double close: got %v", err)
	}
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_1",
		DIDs: []types.File{{Scope: "data", Name: "file_1"}},
	}}, "root")
	if !errors.Is(err, types.ErrUnsupportedStatus) {
		t.Errorf("attach to closed: got %v", err)
	}
	if err := s.SetStatus(ctx, "data", "ds_1", true); !errors.Is(err, types.ErrUnsupportedStatus) {
		t.Errorf("reopen: got %v", err)
	}
}

func TestDetach(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_1", "SITE_A")

	err := s.Detach(ctx, "data", "ds_1", []types.DIDRef{{Scope: "data", Name: "file_1"}})
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	content, err := s.ListContent(ctx, "data", "ds_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 1 || content[0].Name != "file_2" {
		t.Errorf("content after detach = %v", content)
	}

	err = s.Detach(ctx, "data", "ds_1", []types.DIDRef{{Scope: "data", Name: "file_1"}})
	if !errors.Is(err, types.ErrDataIdentifierNotFound) {
		t.Errorf("detach absent child: got %v", err)
	}
}

func TestDetachMonotonic(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	err := s.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "mono", Type: types.TypeDataset, Monotonic: true},
	}, "root")
	if err != nil {
		t.Fatal(err)
	}
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "mono", "SITE_A")

	err = s.Detach(ctx, "data", "mono", []types.DIDRef{{Scope: "data", Name: "file_1"}})
	if !errors.Is(err, types.ErrUnsupportedOperation) {
		t.Errorf("monotonic detach: got %v", err)
	}
}

func TestUpdatedDIDFeedFolding(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	mustAddDataset(t, s, "data", "ds_1")
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_1", "SITE_A")

	// Attach already queued one ATTACH entry; a detach folds it to BOTH.
	if err := s.Detach(ctx, "data", "ds_1", []types.DIDRef{{Scope: "data", Name: "file_1"}}); err != nil {
		t.Fatal(err)
	}

	feed, err := s.ListUpdatedDIDs(ctx, 0, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(feed) != 1 {
		t.Fatalf("feed entries = %d, want 1 (folded)", len(feed))
	}
	if feed[0].Action != types.ActionBoth {
		t.Errorf("action = %s, want BOTH", feed[0].Action)
	}

	if err := s.DeleteUpdatedDIDs(ctx, []int64{feed[0].ID}); err != nil {
		t.Fatal(err)
	}
	feed, err = s.ListUpdatedDIDs(ctx, 0, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(feed) != 0 {
		t.Errorf("feed after ack = %v", feed)
	}
}

func TestListFilesWalksContainers(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	mustAddScope(t, s, "data")
	err := s.AddDIDs(ctx, []types.NewDID{
		{Scope: "data", Name: "cont", Type: types.TypeContainer},
		{Scope: "data", Name: "ds_a", Type: types.TypeDataset},
		{Scope: "data", Name: "ds_b", Type: types.TypeDataset},
	}, "root")
	if err != nil {
		t.Fatal(err)
	}
	mustAddRSE(t, s, "SITE_A")
	attachTwoFiles(t, s, "data", "ds_a", "SITE_A")

	// ds_b shares file_2 with ds_a; the walk must still yield it once.
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "ds_b",
		DIDs: []types.File{{Scope: "data", Name: "file_2"}},
	}}, "root")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Attach(ctx, []types.Attachment{{
		Scope: "data", Name: "cont",
		DIDs: []types.File{{Scope: "data", Name: "ds_a"}, {Scope: "data", Name: "ds_b"}},
	}}, "root")
	if err != nil {
		t.Fatal(err)
	}

	files, err := s.ListFiles(ctx, "data", "cont", false)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("files = %d, want 2 (deduplicated): %v", len(files), files)
	}

	datasets, err := s.ListChildDatasets(ctx, "data", "cont")
	if err != nil {
		t.Fatal(err)
	}
	if len(datasets) != 2 {
		t.Errorf("child datasets = %d, want 2", len(datasets))
	}

	parents, err := s.ListParentDIDs(ctx, "data", "file_2", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 3 {
		t.Errorf("recursive parents of file_2 = %d, want 3 (ds_a, ds_b, cont)", len(parents))
	}
}
