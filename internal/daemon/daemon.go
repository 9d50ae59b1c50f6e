// Package daemon runs the background sync loop.
//
// Two jobs: periodically resume media uploads the registry recorded as
// pending (surviving crashes and offline stretches), and watch an optional
// drop directory where files named {owner}__{project}__{filename} are
// imported as project media and queued for upload.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/media"
	"github.com/loreweave/loresync/internal/registry"
	"github.com/loreweave/loresync/internal/store"
)

// Config holds daemon dependencies. Store, Registry, and Engine are
// required.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Engine   *media.Engine

	// DropDir, when non-empty, is watched for files to import.
	DropDir string

	// ResumeInterval is how often pending uploads are retried. Defaults
	// to 5 minutes.
	ResumeInterval time.Duration

	Logger *log.Logger
}

// Daemon is the background sync worker.
type Daemon struct {
	store    *store.Store
	registry *registry.Registry
	engine   *media.Engine
	dropDir  string
	interval time.Duration
	logger   *log.Logger
}

// New creates a Daemon from cfg.
func New(cfg Config) (*Daemon, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("media engine cannot be nil")
	}
	interval := cfg.ResumeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		store:    cfg.Store,
		registry: cfg.Registry,
		engine:   cfg.Engine,
		dropDir:  cfg.DropDir,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled. Pending uploads are resumed once at
// startup and then on every tick; drop-dir files are imported as they
// appear.
func (d *Daemon) Run(ctx context.Context) error {
	var watcher *fsnotify.Watcher
	if d.dropDir != "" {
		if err := os.MkdirAll(d.dropDir, 0o755); err != nil {
			return fmt.Errorf("failed to create drop directory: %w", err)
		}
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create drop watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(d.dropDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d.dropDir, err)
		}
		// Files dropped while the daemon was down.
		d.sweepDropDir(ctx)
	}

	d.resumePending(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.resumePending(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			d.tryImport(ctx, ev.Name)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Printf("Warning: drop watcher error: %v", err)
		}
	}
}

// resumePending retries every upload the registry still records as
// pending. Failures stay pending for the next tick.
func (d *Daemon) resumePending(ctx context.Context) {
	keys, err := d.registry.ProjectsWithPendingChanges(ctx)
	if err != nil {
		d.logger.Printf("Warning: failed to list pending projects: %v", err)
		return
	}
	for _, key := range keys {
		state, err := d.registry.Get(ctx, key)
		if err != nil {
			d.logger.Printf("Warning: failed to read sync state for %s: %v", key, err)
			continue
		}
		for _, mediaID := range state.PendingUploads {
			if ctx.Err() != nil {
				return
			}
			if err := d.engine.UploadOne(ctx, key, mediaID); err != nil {
				d.logger.Printf("Warning: resume upload %s/%s failed: %v", key, mediaID, err)
				continue
			}
			d.logger.Printf("Resumed upload of %s/%s", key, mediaID)
		}
	}
}

// sweepDropDir imports any files already sitting in the drop directory.
func (d *Daemon) sweepDropDir(ctx context.Context) {
	entries, err := os.ReadDir(d.dropDir)
	if err != nil {
		d.logger.Printf("Warning: failed to read drop directory: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d.tryImport(ctx, filepath.Join(d.dropDir, entry.Name()))
	}
}

func (d *Daemon) tryImport(ctx context.Context, path string) {
	if err := d.importDropFile(ctx, path); err != nil {
		d.logger.Printf("Warning: import of %s failed: %v", filepath.Base(path), err)
	}
}

// importDropFile stores one dropped file as project media, queues it for
// upload, and consumes the file. The filename encodes the target project:
// {owner}__{project}__{filename.ext}.
//
// Partially written files surface as read errors or later Write events;
// the import is idempotent per media id, so re-processing is harmless.
func (d *Daemon) importDropFile(ctx context.Context, path string) error {
	base := filepath.Base(path)
	parts := strings.SplitN(base, "__", 3)
	if len(parts) != 3 {
		return fmt.Errorf("drop file %q does not match owner__project__name", base)
	}
	key := docid.ProjectKey{Owner: parts[0], Project: parts[1]}
	if err := key.Validate(); err != nil {
		return err
	}
	filename := parts[2]
	mediaID := media.NormalizeID(filename)
	if mediaID == "" {
		return fmt.Errorf("drop file %q has no usable media name", base)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read drop file: %w", err)
	}

	obj := store.MediaObject{
		ID:       mediaID,
		Filename: filename,
		Size:     int64(len(data)),
		MimeType: media.MimeForExtension(filepath.Ext(filename)),
		Data:     data,
	}
	if err := d.store.PutMedia(ctx, key, obj); err != nil {
		return fmt.Errorf("failed to store %s: %w", mediaID, err)
	}
	if err := d.registry.MarkPendingUpload(ctx, key, mediaID); err != nil {
		return fmt.Errorf("failed to queue %s for upload: %w", mediaID, err)
	}

	// Imported and durably queued; consume the drop file.
	if err := os.Remove(path); err != nil {
		d.logger.Printf("Warning: failed to remove drop file %s: %v", base, err)
	}

	// Best effort immediate upload; failures stay queued for the resume
	// loop.
	if err := d.engine.UploadOne(ctx, key, mediaID); err != nil {
		d.logger.Printf("Upload of %s/%s deferred: %v", key, mediaID, err)
	}
	return nil
}
