package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/loreweave/loresync/internal/crdt"
	"github.com/loreweave/loresync/internal/docid"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("persistence session closed")

// SessionConfig configures a persistence Session.
type SessionConfig struct {
	// DebounceInterval is how long to wait after a document update before
	// writing the serialized state to disk. Rapid edit bursts collapse
	// into one write.
	DebounceInterval time.Duration

	// Logger for session activity.
	Logger *log.Logger
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Session binds one replicated document to its durable record.
//
// Creating a session bootstraps the document from the store, then watches it
// for updates and persists the serialized state with debouncing. Writes are
// buffered: callers that need durability at a specific point (teardown,
// headless sync) MUST call Flush explicitly. Close alone does not flush:
// closing without a prior Flush drops whatever the debounce window was still
// holding, which is exactly the data-loss window the connection manager's
// teardown order exists to close.
type Session struct {
	store *Store
	id    docid.DocumentID
	doc   crdt.Doc
	cfg   *SessionConfig

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool
	unsub  func()
}

// NewSession bootstraps doc from the store and starts watching it.
//
// The bootstrap is synchronous: when NewSession returns, the document holds
// every locally persisted edit and is safe to hand to consumers before any
// network activity.
func NewSession(ctx context.Context, s *Store, id docid.DocumentID, doc crdt.Doc, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	state, err := s.LoadDocument(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to bootstrap document %s: %w", id, err)
	}
	if len(state) > 0 {
		if err := doc.Load(state); err != nil {
			return nil, fmt.Errorf("failed to load persisted state for %s: %w", id, err)
		}
	}

	sess := &Session{
		store: s,
		id:    id,
		doc:   doc,
		cfg:   cfg,
	}

	// Remote updates must persist just like local ones: the store is the
	// source of truth across restarts regardless of where an edit came
	// from.
	sess.unsub = doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		sess.markDirty()
	})

	return sess, nil
}

// DocumentID returns the id this session persists.
func (sess *Session) DocumentID() docid.DocumentID {
	return sess.id
}

func (sess *Session) markDirty() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.dirty = true
	if sess.timer == nil {
		sess.timer = time.AfterFunc(sess.cfg.DebounceInterval, sess.debouncedWrite)
	}
}

// debouncedWrite runs on the timer goroutine when the debounce window ends.
func (sess *Session) debouncedWrite() {
	sess.mu.Lock()
	sess.timer = nil
	if sess.closed || !sess.dirty {
		sess.mu.Unlock()
		return
	}
	sess.dirty = false
	sess.mu.Unlock()

	if err := sess.write(context.Background()); err != nil {
		// Local I/O errors are non-fatal: log, re-mark dirty so the
		// next update or an explicit Flush retries.
		sess.cfg.Logger.Printf("Warning: failed to persist %s: %v", sess.id, err)
		sess.markDirty()
	}
}

// Flush synchronously writes any buffered state to durable storage.
//
// Safe to call when nothing is pending. Returns ErrSessionClosed after
// Close.
func (sess *Session) Flush(ctx context.Context) error {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return ErrSessionClosed
	}
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	wasDirty := sess.dirty
	sess.dirty = false
	sess.mu.Unlock()

	if !wasDirty {
		return nil
	}
	if err := sess.write(ctx); err != nil {
		sess.mu.Lock()
		sess.dirty = true
		sess.mu.Unlock()
		return err
	}
	return nil
}

func (sess *Session) write(ctx context.Context) error {
	state, err := sess.doc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", sess.id, err)
	}
	return sess.store.SaveDocument(ctx, sess.id, state)
}

// Close stops watching the document and releases the session. It does NOT
// flush; callers must Flush first if they care about buffered writes.
// Idempotent.
func (sess *Session) Close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	if sess.unsub != nil {
		sess.unsub()
		sess.unsub = nil
	}
}
