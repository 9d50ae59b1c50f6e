// Package registry tracks per-project sync state durably.
//
// The registry is the crash-recovery record for binary assets: which media
// items still need uploading, when the last full sync finished, and whether
// the project is healthy. Every mutating operation except MarkSyncing
// re-persists the full record through the local store, so a restarted
// process can resume interrupted uploads without re-scanning every
// project's media set.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/store"
)

// ProjectStatus is the aggregate sync health of one project.
type ProjectStatus string

const (
	// StatusSynced means everything known is on the server.
	StatusSynced ProjectStatus = "synced"

	// StatusPending means local changes await upload.
	StatusPending ProjectStatus = "pending"

	// StatusSyncing means a sync run is in flight (transient, never
	// persisted).
	StatusSyncing ProjectStatus = "syncing"

	// StatusError means the last sync run failed.
	StatusError ProjectStatus = "error"

	// StatusOfflineOnly is the lazily-created initial state: the project
	// has never talked to a server.
	StatusOfflineOnly ProjectStatus = "offline-only"
)

// ProjectSyncState is the durable per-project record.
//
// Invariant: an empty PendingUploads set implies Status is synced or
// offline-only.
type ProjectSyncState struct {
	LastSync       *time.Time    `json:"lastSync"`
	PendingUploads []string      `json:"pendingUploads"`
	Status         ProjectStatus `json:"status"`
	LastError      string        `json:"lastError,omitempty"`
}

// Registry is the project sync registry. Construct one per process and pass
// it by reference.
type Registry struct {
	store  *store.Store
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]*ProjectSyncState
}

// New creates a Registry backed by s. If logger is nil, a default stderr
// logger is used.
func New(s *store.Store, logger *log.Logger) (*Registry, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}
	return &Registry{
		store:  s,
		logger: logger,
		cache:  make(map[string]*ProjectSyncState),
	}, nil
}

// Get returns a copy of the project's sync state, creating it lazily with
// status offline-only on first access.
func (r *Registry) Get(ctx context.Context, key docid.ProjectKey) (ProjectSyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, err := r.load(ctx, key)
	if err != nil {
		return ProjectSyncState{}, err
	}
	return copyState(state), nil
}

// load returns the cached record for key, reading it from the store or
// creating it lazily. Caller holds r.mu.
func (r *Registry) load(ctx context.Context, key docid.ProjectKey) (*ProjectSyncState, error) {
	if state, ok := r.cache[key.String()]; ok {
		return state, nil
	}

	data, err := r.store.LoadProjectState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		state := &ProjectSyncState{Status: StatusOfflineOnly}
		r.cache[key.String()] = state
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ProjectSyncState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("corrupt sync state for %s: %w", key, err)
	}
	// A crash mid-sync leaves the transient status behind semantically;
	// normalize so a restart never resumes in "syncing".
	if state.Status == StatusSyncing {
		if len(state.PendingUploads) > 0 {
			state.Status = StatusPending
		} else {
			state.Status = StatusSynced
		}
	}
	r.cache[key.String()] = state
	return state, nil
}

// persist writes the record through to the store. Caller holds r.mu.
//
// The transient syncing status never reaches disk: a snapshot written while
// a sync run is in flight carries the durable status implied by the pending
// set instead.
func (r *Registry) persist(ctx context.Context, key docid.ProjectKey, state *ProjectSyncState) error {
	snap := copyState(state)
	if snap.Status == StatusSyncing {
		if len(snap.PendingUploads) > 0 {
			snap.Status = StatusPending
		} else {
			snap.Status = StatusSynced
		}
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode sync state for %s: %w", key, err)
	}
	return r.store.SaveProjectState(ctx, key, data)
}

// MarkPendingUpload records a media item awaiting upload. Idempotent.
func (r *Registry) MarkPendingUpload(ctx context.Context, key docid.ProjectKey, mediaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if slices.Contains(state.PendingUploads, mediaID) {
		return nil
	}
	state.PendingUploads = append(state.PendingUploads, mediaID)
	state.Status = StatusPending
	return r.persist(ctx, key, state)
}

// ClearPendingUpload removes a media item from the pending set. The status
// flips to synced only when this specific removal empties the set; a batch
// clearing many items therefore settles status once, not per item.
func (r *Registry) ClearPendingUpload(ctx context.Context, key docid.ProjectKey, mediaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	i := slices.Index(state.PendingUploads, mediaID)
	if i < 0 {
		return nil
	}
	state.PendingUploads = slices.Delete(state.PendingUploads, i, i+1)
	if len(state.PendingUploads) == 0 {
		state.Status = StatusSynced
	}
	return r.persist(ctx, key, state)
}

// MarkSynced is the terminal "all good" transition: pending uploads are
// cleared, lastSync is stamped, any prior error is dropped.
func (r *Registry) MarkSynced(ctx context.Context, key docid.ProjectKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state.LastSync = &now
	state.PendingUploads = nil
	state.Status = StatusSynced
	state.LastError = ""
	return r.persist(ctx, key, state)
}

// MarkSyncError records a failed sync run.
func (r *Registry) MarkSyncError(ctx context.Context, key docid.ProjectKey, syncErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	state.Status = StatusError
	if syncErr != nil {
		state.LastError = syncErr.Error()
	}
	return r.persist(ctx, key, state)
}

// MarkSyncing flags a sync run in flight. Transient: the status is cache
// only and never persisted, so a crash mid-sync cannot wedge a project in
// "syncing".
func (r *Registry) MarkSyncing(ctx context.Context, key docid.ProjectKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	state.Status = StatusSyncing
	return nil
}

// HasPendingChanges reports whether the project has media awaiting upload.
func (r *Registry) HasPendingChanges(ctx context.Context, key docid.ProjectKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, key)
	if err != nil {
		return false, err
	}
	return len(state.PendingUploads) > 0, nil
}

// ProjectsWithPendingChanges returns every known project key with a
// non-empty pending set. This is what the daemon consults at startup to
// resume interrupted uploads.
func (r *Registry) ProjectsWithPendingChanges(ctx context.Context) ([]docid.ProjectKey, error) {
	keys, err := r.store.ListProjectKeys(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []docid.ProjectKey
	for _, key := range keys {
		state, err := r.load(ctx, key)
		if err != nil {
			r.logger.Printf("Warning: skipping project %s: %v", key, err)
			continue
		}
		if len(state.PendingUploads) > 0 {
			pending = append(pending, key)
		}
	}
	return pending, nil
}

func copyState(state *ProjectSyncState) ProjectSyncState {
	out := *state
	out.PendingUploads = slices.Clone(state.PendingUploads)
	return out
}
