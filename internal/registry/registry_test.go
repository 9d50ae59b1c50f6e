package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loresync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r, err := New(s, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, s
}

func mustKey(t *testing.T, raw string) docid.ProjectKey {
	t.Helper()
	key, err := docid.ParseProjectKey(raw)
	if err != nil {
		t.Fatalf("ParseProjectKey(%q) error = %v", raw, err)
	}
	return key
}

func TestGetCreatesOfflineOnly(t *testing.T) {
	r, _ := testRegistry(t)
	key := mustKey(t, "alice/novel")

	state, err := r.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Status != StatusOfflineOnly {
		t.Errorf("Status = %q, want %q", state.Status, StatusOfflineOnly)
	}
	if state.LastSync != nil {
		t.Errorf("LastSync = %v, want nil", state.LastSync)
	}
	if len(state.PendingUploads) != 0 {
		t.Errorf("PendingUploads = %v, want empty", state.PendingUploads)
	}
}

func TestMarkPendingUploadIdempotent(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	key := mustKey(t, "alice/novel")

	for range 3 {
		if err := r.MarkPendingUpload(ctx, key, "map-01"); err != nil {
			t.Fatalf("MarkPendingUpload() error = %v", err)
		}
	}
	state, err := r.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(state.PendingUploads) != 1 || state.PendingUploads[0] != "map-01" {
		t.Errorf("PendingUploads = %v, want [map-01]", state.PendingUploads)
	}
	if state.Status != StatusPending {
		t.Errorf("Status = %q, want %q", state.Status, StatusPending)
	}
}

func TestClearPendingUploadSettlesStatusOnEmpty(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	key := mustKey(t, "alice/novel")

	if err := r.MarkPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkPendingUpload(ctx, key, "portrait-02"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}

	if err := r.ClearPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("ClearPendingUpload() error = %v", err)
	}
	state, _ := r.Get(ctx, key)
	if state.Status != StatusPending {
		t.Errorf("Status after partial clear = %q, want %q", state.Status, StatusPending)
	}

	if err := r.ClearPendingUpload(ctx, key, "portrait-02"); err != nil {
		t.Fatalf("ClearPendingUpload() error = %v", err)
	}
	state, _ = r.Get(ctx, key)
	if state.Status != StatusSynced {
		t.Errorf("Status after final clear = %q, want %q", state.Status, StatusSynced)
	}
	if len(state.PendingUploads) != 0 {
		t.Errorf("PendingUploads = %v, want empty", state.PendingUploads)
	}

	// Clearing an unknown id is a no-op, not an error.
	if err := r.ClearPendingUpload(ctx, key, "ghost"); err != nil {
		t.Fatalf("ClearPendingUpload(unknown) error = %v", err)
	}
}

func TestMarkSyncedClearsEverything(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	key := mustKey(t, "alice/novel")

	if err := r.MarkPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkSyncError(ctx, key, context.DeadlineExceeded); err != nil {
		t.Fatalf("MarkSyncError() error = %v", err)
	}
	if err := r.MarkSynced(ctx, key); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	state, _ := r.Get(ctx, key)
	if state.Status != StatusSynced {
		t.Errorf("Status = %q, want %q", state.Status, StatusSynced)
	}
	if state.LastSync == nil {
		t.Error("LastSync = nil, want timestamp")
	}
	if state.LastError != "" {
		t.Errorf("LastError = %q, want empty", state.LastError)
	}
	if len(state.PendingUploads) != 0 {
		t.Errorf("PendingUploads = %v, want empty", state.PendingUploads)
	}
}

func TestMarkSyncingIsNotPersisted(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()
	key := mustKey(t, "alice/novel")

	if err := r.MarkPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkSyncing(ctx, key); err != nil {
		t.Fatalf("MarkSyncing() error = %v", err)
	}

	state, _ := r.Get(ctx, key)
	if state.Status != StatusSyncing {
		t.Errorf("in-memory Status = %q, want %q", state.Status, StatusSyncing)
	}

	// A fresh registry over the same store sees the last persisted status.
	r2, err := New(s, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	state, err = r2.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Status != StatusPending {
		t.Errorf("persisted Status = %q, want %q", state.Status, StatusPending)
	}
}

func TestClearPendingUploadNeverPersistsSyncing(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()
	key := mustKey(t, "alice/novel")

	if err := r.MarkPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkPendingUpload(ctx, key, "portrait-02"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkSyncing(ctx, key); err != nil {
		t.Fatalf("MarkSyncing() error = %v", err)
	}

	// Clearing one of two items re-persists the record mid-sync. The raw
	// bytes on disk must carry the durable status, not the transient one.
	if err := r.ClearPendingUpload(ctx, key, "map-01"); err != nil {
		t.Fatalf("ClearPendingUpload() error = %v", err)
	}
	data, err := s.LoadProjectState(ctx, key)
	if err != nil {
		t.Fatalf("LoadProjectState() error = %v", err)
	}
	var raw ProjectSyncState
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if raw.Status != StatusPending {
		t.Errorf("persisted Status = %q, want %q", raw.Status, StatusPending)
	}

	// The in-memory record still reflects the run in flight.
	state, _ := r.Get(ctx, key)
	if state.Status != StatusSyncing {
		t.Errorf("in-memory Status = %q, want %q", state.Status, StatusSyncing)
	}
}

func TestProjectsWithPendingChanges(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	novel := mustKey(t, "alice/novel")
	atlas := mustKey(t, "alice/atlas")
	zine := mustKey(t, "bob/zine")

	if err := r.MarkPendingUpload(ctx, novel, "map-01"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkPendingUpload(ctx, zine, "cover"); err != nil {
		t.Fatalf("MarkPendingUpload() error = %v", err)
	}
	if err := r.MarkSynced(ctx, atlas); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}

	pending, err := r.ProjectsWithPendingChanges(ctx)
	if err != nil {
		t.Fatalf("ProjectsWithPendingChanges() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2; got %v", len(pending), pending)
	}
	got := map[string]bool{}
	for _, key := range pending {
		got[key.String()] = true
	}
	if !got["alice/novel"] || !got["bob/zine"] {
		t.Errorf("pending = %v, want alice/novel and bob/zine", pending)
	}

	has, err := r.HasPendingChanges(ctx, atlas)
	if err != nil {
		t.Fatalf("HasPendingChanges() error = %v", err)
	}
	if has {
		t.Error("HasPendingChanges(atlas) = true, want false")
	}
}
