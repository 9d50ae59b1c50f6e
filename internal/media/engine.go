// Package media reconciles a project's local binary assets with the sync
// server's media manifest.
//
// Media lives outside the replicated-document stream: images, audio, and
// other binaries are content-addressed by a media id (the filename with
// its extension stripped) and moved whole over HTTP. The engine diffs the
// local store against the server manifest, classifies each id as synced,
// local-only, or server-only, and drives per-item transfers with exact
// status rollback on failure.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/registry"
	"github.com/loreweave/loresync/internal/store"
)

// Status is the sync classification of one media item.
type Status string

const (
	StatusLocalOnly   Status = "local-only"
	StatusServerOnly  Status = "server-only"
	StatusSynced      Status = "synced"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
)

// Item is one media asset's reconciliation record. Size and mime type
// prefer the server's values, falling back to local values for items not
// yet uploaded.
type Item struct {
	ID        string
	Filename  string
	Size      int64
	MimeType  string
	Status    Status
	LastError string
}

// SyncStatus is a point-in-time snapshot of one project's media diff.
type SyncStatus struct {
	NeedsDownload int
	NeedsUpload   int
	Items         []Item
}

// Phase identifies which batch direction a progress report covers.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// ProgressFunc receives batch progress as an integer percentage of
// completed transfers. It always ends at 100, including when there was
// nothing to transfer.
type ProgressFunc func(key docid.ProjectKey, phase Phase, percent int)

// Config holds the dependencies for an Engine.
type Config struct {
	// APIBase is the HTTP base URL of the sync server, e.g.
	// "https://sync.example.com/api".
	APIBase string

	// Token supplies the bearer token for API calls.
	Token TokenFunc

	// HTTPClient is used for all requests. Defaults to a client with a
	// 60s timeout.
	HTTPClient *http.Client

	// Store is the local persistence layer.
	Store *store.Store

	// Registry tracks pending uploads across restarts.
	Registry *registry.Registry

	// OnProgress, if set, receives batch progress updates.
	OnProgress ProgressFunc

	// Logger for warnings. Defaults to stderr.
	Logger *log.Logger
}

// projectState is the cached reconciliation state for one project.
// Recomputed wholesale by CheckSyncStatus; mutated in place by transfers.
type projectState struct {
	items         map[string]*Item
	needsDownload int
	needsUpload   int

	downloadProgress int
	uploadProgress   int
}

// Engine is the media reconciliation engine. Safe for concurrent use.
type Engine struct {
	client   *apiClient
	store    *store.Store
	registry *registry.Registry
	progress ProgressFunc
	logger   *log.Logger

	mu       sync.Mutex
	projects map[string]*projectState
}

// NewEngine creates a media engine from cfg. APIBase, Token, Store, and
// Registry are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("api base URL cannot be empty")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token func cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	return &Engine{
		client:   &apiClient{apiBase: cfg.APIBase, token: cfg.Token, http: httpClient},
		store:    cfg.Store,
		registry: cfg.Registry,
		progress: cfg.OnProgress,
		logger:   logger,
		projects: make(map[string]*projectState),
	}, nil
}

// CheckSyncStatus fetches the server manifest and the local listing and
// recomputes the project's item classification wholesale. The returned
// snapshot is a copy; in-flight transfer statuses from before the call are
// discarded.
func (e *Engine) CheckSyncStatus(ctx context.Context, key docid.ProjectKey) (*SyncStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	serverItems, err := e.client.manifest(ctx, key)
	if err != nil {
		return nil, err
	}
	localItems, err := e.store.ListMedia(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list local media for %s: %w", key, err)
	}

	items := make(map[string]*Item)
	for _, li := range localItems {
		items[li.ID] = &Item{
			ID:       li.ID,
			Filename: li.Filename,
			Size:     li.Size,
			MimeType: li.MimeType,
			Status:   StatusLocalOnly,
		}
	}
	for _, si := range serverItems {
		id := NormalizeID(si.Filename)
		if it, ok := items[id]; ok {
			it.Status = StatusSynced
			it.Filename = si.Filename
			if si.Size > 0 {
				it.Size = si.Size
			}
			if si.MimeType != "" {
				it.MimeType = si.MimeType
			}
			continue
		}
		items[id] = &Item{
			ID:       id,
			Filename: si.Filename,
			Size:     si.Size,
			MimeType: si.MimeType,
			Status:   StatusServerOnly,
		}
	}

	state := &projectState{items: items}
	for _, it := range items {
		switch it.Status {
		case StatusServerOnly:
			state.needsDownload++
		case StatusLocalOnly:
			state.needsUpload++
		}
	}

	e.mu.Lock()
	e.projects[key.String()] = state
	snapshot := e.snapshotLocked(state)
	e.mu.Unlock()
	return snapshot, nil
}

// snapshotLocked copies state into a caller-owned SyncStatus. Caller holds
// e.mu.
func (e *Engine) snapshotLocked(state *projectState) *SyncStatus {
	out := &SyncStatus{
		NeedsDownload: state.needsDownload,
		NeedsUpload:   state.needsUpload,
		Items:         make([]Item, 0, len(state.items)),
	}
	for _, it := range state.items {
		out.Items = append(out.Items, *it)
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
	return out
}

// project returns the cached state for key, running a status check first
// if none exists.
func (e *Engine) project(ctx context.Context, key docid.ProjectKey) (*projectState, error) {
	e.mu.Lock()
	state, ok := e.projects[key.String()]
	e.mu.Unlock()
	if ok {
		return state, nil
	}
	if _, err := e.CheckSyncStatus(ctx, key); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projects[key.String()], nil
}

// item looks up one cached item by id. A miss triggers one fresh status
// check: media added since the last check (a drop-dir import, a concurrent
// writer) must still be transferable.
func (e *Engine) item(ctx context.Context, key docid.ProjectKey, state *projectState, mediaID string) (*projectState, *Item, error) {
	e.mu.Lock()
	it, ok := state.items[mediaID]
	e.mu.Unlock()
	if ok {
		return state, it, nil
	}

	if _, err := e.CheckSyncStatus(ctx, key); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state = e.projects[key.String()]
	it, ok = state.items[mediaID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown media id %q in %s", mediaID, key)
	}
	return state, it, nil
}

// DownloadOne transfers a single server-side item into the local store.
// On failure the item's status is restored to exactly its pre-transfer
// value and the error is recorded on the item and returned.
func (e *Engine) DownloadOne(ctx context.Context, key docid.ProjectKey, mediaID string) error {
	state, err := e.project(ctx, key)
	if err != nil {
		return err
	}
	state, it, err := e.item(ctx, key, state, mediaID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	prev := it.Status
	filename := it.Filename
	it.Status = StatusDownloading
	e.mu.Unlock()

	data, mimeType, err := e.client.download(ctx, key, filename)
	if err != nil {
		e.mu.Lock()
		it.Status = prev
		it.LastError = fmt.Sprintf("download failed: %v", err)
		e.mu.Unlock()
		return err
	}
	if mimeType == "" {
		mimeType = it.MimeType
	}

	obj := store.MediaObject{
		ID:       mediaID,
		Filename: filename,
		Size:     int64(len(data)),
		MimeType: mimeType,
		Data:     data,
	}
	if err := e.store.PutMedia(ctx, key, obj); err != nil {
		e.mu.Lock()
		it.Status = prev
		it.LastError = fmt.Sprintf("download failed: %v", err)
		e.mu.Unlock()
		return fmt.Errorf("failed to store %s locally: %w", filename, err)
	}

	e.mu.Lock()
	it.Status = StatusSynced
	it.LastError = ""
	if state.needsDownload > 0 {
		state.needsDownload--
	}
	e.mu.Unlock()
	return nil
}

// UploadOne transfers a single local item to the server. The upload
// filename is synthesized as {mediaId}.{ext} from the item's mime type.
// On success the item is cleared from the project's pending-upload set.
func (e *Engine) UploadOne(ctx context.Context, key docid.ProjectKey, mediaID string) error {
	state, err := e.project(ctx, key)
	if err != nil {
		return err
	}
	state, it, err := e.item(ctx, key, state, mediaID)
	if err != nil {
		return err
	}

	obj, err := e.store.GetMedia(ctx, key, mediaID)
	if err != nil {
		return fmt.Errorf("failed to read %s from local store: %w", mediaID, err)
	}

	e.mu.Lock()
	prev := it.Status
	it.Status = StatusUploading
	e.mu.Unlock()

	filename := mediaID + "." + ExtensionForMime(obj.MimeType)
	if err := e.client.upload(ctx, key, filename, obj.MimeType, obj.Data); err != nil {
		e.mu.Lock()
		it.Status = prev
		it.LastError = fmt.Sprintf("upload failed: %v", err)
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	it.Status = StatusSynced
	it.LastError = ""
	if state.needsUpload > 0 {
		state.needsUpload--
	}
	e.mu.Unlock()

	if err := e.registry.ClearPendingUpload(ctx, key, mediaID); err != nil {
		e.logger.Printf("Warning: failed to clear pending upload %s/%s: %v", key, mediaID, err)
	}
	return nil
}

// DownloadAll transfers every server-only item. Items lacking a filename
// are silently skipped. Individual failures do not abort the batch; they
// are joined into the returned error.
func (e *Engine) DownloadAll(ctx context.Context, key docid.ProjectKey) error {
	state, err := e.project(ctx, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var targets []string
	for id, it := range state.items {
		if it.Status != StatusServerOnly {
			continue
		}
		if it.Filename == "" {
			continue
		}
		targets = append(targets, id)
	}
	sort.Strings(targets)
	e.mu.Unlock()

	return e.runBatch(ctx, key, PhaseDownload, targets, e.DownloadOne)
}

// UploadAll transfers every local-only item.
func (e *Engine) UploadAll(ctx context.Context, key docid.ProjectKey) error {
	state, err := e.project(ctx, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var targets []string
	for id, it := range state.items {
		if it.Status == StatusLocalOnly {
			targets = append(targets, id)
		}
	}
	sort.Strings(targets)
	e.mu.Unlock()

	return e.runBatch(ctx, key, PhaseUpload, targets, e.UploadOne)
}

// runBatch drives one transfer direction, reporting integer progress from
// completed/total count. Progress ends at 100 even when targets is empty.
func (e *Engine) runBatch(ctx context.Context, key docid.ProjectKey, phase Phase, targets []string, transfer func(context.Context, docid.ProjectKey, string) error) error {
	if len(targets) == 0 {
		e.setProgress(key, phase, 100)
		return nil
	}

	e.setProgress(key, phase, 0)
	var errs []error
	for i, id := range targets {
		if err := transfer(ctx, key, id); err != nil {
			e.logger.Printf("Warning: %s of %s/%s failed: %v", phase, key, id, err)
			errs = append(errs, fmt.Errorf("%s %s: %w", phase, id, err))
		}
		e.setProgress(key, phase, (i+1)*100/len(targets))
	}
	e.setProgress(key, phase, 100)
	return errors.Join(errs...)
}

func (e *Engine) setProgress(key docid.ProjectKey, phase Phase, percent int) {
	e.mu.Lock()
	if state, ok := e.projects[key.String()]; ok {
		switch phase {
		case PhaseDownload:
			state.downloadProgress = percent
		case PhaseUpload:
			state.uploadProgress = percent
		}
	}
	e.mu.Unlock()
	if e.progress != nil {
		e.progress(key, phase, percent)
	}
}

// Progress returns the last reported batch percentages for a project.
func (e *Engine) Progress(key docid.ProjectKey) (download, upload int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.projects[key.String()]
	if !ok {
		return 0, 0
	}
	return state.downloadProgress, state.uploadProgress
}

// FullSync reconciles a project in fixed order: status check, then
// downloads, then uploads, then the registry is marked synced. Downloading
// first means a stale local copy can never clobber a remote one when both
// somehow exist for the same id. Any transfer failure marks the project's
// registry record with the error and returns it.
func (e *Engine) FullSync(ctx context.Context, key docid.ProjectKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := e.registry.MarkSyncing(ctx, key); err != nil {
		return err
	}

	if _, err := e.CheckSyncStatus(ctx, key); err != nil {
		if regErr := e.registry.MarkSyncError(ctx, key, err); regErr != nil {
			e.logger.Printf("Warning: failed to record sync error for %s: %v", key, regErr)
		}
		return err
	}

	var errs []error
	if err := e.DownloadAll(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if err := e.UploadAll(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		if regErr := e.registry.MarkSyncError(ctx, key, err); regErr != nil {
			e.logger.Printf("Warning: failed to record sync error for %s: %v", key, regErr)
		}
		return err
	}

	return e.registry.MarkSynced(ctx, key)
}
