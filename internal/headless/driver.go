// Package headless forces documents to the server without any UI attached.
//
// The typical use is right after a bulk import: the server should hold a
// copy before the user walks away. The driver opens a document through the
// connection manager, waits for the transport to report fully synced (or a
// timeout), flushes persistence, and tears everything down again. Being
// offline is a valid terminal state, not an error.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loreweave/loresync/internal/conn"
	"github.com/loreweave/loresync/internal/docid"
)

// ErrSyncTimeout is returned when a document does not reach the synced
// state within the driver's timeout.
var ErrSyncTimeout = errors.New("timed out waiting for document to sync")

const (
	// DefaultTimeout bounds how long SyncDocument waits for the synced
	// signal.
	DefaultTimeout = 30 * time.Second

	// DefaultWindow is the batch concurrency window.
	DefaultWindow = 3
)

// Config tunes a Driver. The zero value is usable; New fills defaults.
type Config struct {
	// Timeout bounds the wait for the synced signal. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// Window is how many documents a batch syncs concurrently. Defaults
	// to DefaultWindow.
	Window int

	// Logger for warnings. Defaults to stderr.
	Logger *log.Logger
}

// Driver runs one-shot headless syncs on top of a connection manager.
type Driver struct {
	mgr     *conn.Manager
	timeout time.Duration
	window  int
	logger  *log.Logger
}

// New creates a Driver. cfg may be nil for defaults.
func New(mgr *conn.Manager, cfg *Config) (*Driver, error) {
	if mgr == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	d := &Driver{
		mgr:     mgr,
		timeout: DefaultTimeout,
		window:  DefaultWindow,
		logger:  log.New(os.Stderr, "[headless] ", log.LstdFlags),
	}
	if cfg != nil {
		if cfg.Timeout > 0 {
			d.timeout = cfg.Timeout
		}
		if cfg.Window > 0 {
			d.window = cfg.Window
		}
		if cfg.Logger != nil {
			d.logger = cfg.Logger
		}
	}
	return d, nil
}

// SyncDocument pushes one document to the server and returns once the
// transport reports fully synced, an unrecoverable failure occurs, or the
// timeout elapses. The connection is always torn down afterwards, which
// includes a durable flush of local persistence.
//
// With no endpoint configured or no token available this returns nil
// immediately: offline is a valid terminal state.
func (d *Driver) SyncDocument(ctx context.Context, id docid.DocumentID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if !d.mgr.CanConnect(ctx) {
		d.logger.Printf("No sync endpoint for %s, staying local", id)
		return nil
	}

	c, err := d.mgr.Open(ctx, id)
	if err != nil {
		return err
	}
	defer d.mgr.Disconnect(id)

	states := make(chan conn.SyncState, 8)
	c.OnState(func(state conn.SyncState) {
		select {
		case states <- state:
		default:
		}
	})
	// The observer may have been registered after the transition of
	// interest already happened.
	switch c.State() {
	case conn.StateSynced:
		return nil
	case conn.StateUnavailable:
		return fmt.Errorf("sync unavailable for %s: authentication failed", id)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case state := <-states:
			switch state {
			case conn.StateSynced:
				return nil
			case conn.StateUnavailable:
				return fmt.Errorf("sync unavailable for %s: authentication failed", id)
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s after %s", ErrSyncTimeout, id, d.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BatchFailure records one document's outcome in a failed batch slot.
type BatchFailure struct {
	ID  docid.DocumentID
	Err error
}

// BatchResult is the fail-soft outcome of SyncBatch.
type BatchResult struct {
	Success []docid.DocumentID
	Failed  []BatchFailure
}

// SyncBatch syncs documents with bounded concurrency. One document failing
// never aborts the batch; every outcome is recorded independently.
func (d *Driver) SyncBatch(ctx context.Context, ids []docid.DocumentID) *BatchResult {
	result := &BatchResult{}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(d.window)
	for _, id := range ids {
		g.Go(func() error {
			err := d.SyncDocument(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Printf("Warning: sync of %s failed: %v", id, err)
				result.Failed = append(result.Failed, BatchFailure{ID: id, Err: err})
			} else {
				result.Success = append(result.Success, id)
			}
			return nil
		})
	}
	g.Wait()
	return result
}
