// Package conn owns the lifecycle of live document sessions.
//
// The Manager keeps a registry of one DocumentConnection per open document.
// Opening a document bootstraps it from local persistence and hands the live
// replicated document to the caller immediately; a background task then
// tries to bring a transport up with bounded exponential backoff. Editing
// never waits on the network.
//
// The registry invariant that makes the asynchronous parts safe: a
// connection exists in the registry if and only if it has been opened and
// not yet disconnected, and Disconnect removes the registry entry before
// releasing any resource. Every asynchronous callback (retry timers,
// transport events) re-checks the registry first and becomes a no-op once
// its connection is gone.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/loreweave/loresync/internal/crdt"
	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/store"
	"github.com/loreweave/loresync/internal/transport"
)

// TokenFunc supplies the current bearer token. Returning an empty token
// (with nil error) means "no credentials": the document stays local-only.
type TokenFunc func(ctx context.Context) (string, error)

// StateFunc observes sync-state changes for one document.
type StateFunc func(state SyncState)

// Config holds Manager configuration.
type Config struct {
	// Store is the local persistence layer. Required.
	Store *store.Store

	// WSBase is the sync endpoint base URL. Empty means offline mode:
	// documents open normally but never attempt a transport.
	WSBase string

	// Token supplies the bearer token. Nil or empty-returning means
	// offline mode.
	Token TokenFunc

	// NewDoc creates the replicated document container for a newly
	// opened document. Defaults to crdt.NewMergeMap.
	NewDoc func() crdt.Doc

	// InitialRetryDelay is the first reconnect delay (default 1s).
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps the exponential backoff (default 30s).
	MaxRetryDelay time.Duration

	// MaxRetryAttempts is how many reconnect attempts are made after the
	// initial one before giving up (default 5).
	MaxRetryAttempts int

	// SendTimeout bounds individual transport writes (default 10s).
	SendTimeout time.Duration

	// Session tunes the persistence sessions created per document.
	Session *store.SessionConfig

	// Logger for manager activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. Store, WSBase and Token must
// still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		NewDoc:            func() crdt.Doc { return crdt.NewMergeMap() },
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     30 * time.Second,
		MaxRetryAttempts:  5,
		SendTimeout:       10 * time.Second,
		Logger:            log.New(os.Stderr, "[conn] ", log.LstdFlags),
	}
}

// RetryDelay returns the backoff delay before reconnect attempt n (0-based):
// min(initial × 2ⁿ, max).
func RetryDelay(initial, max time.Duration, n int) time.Duration {
	d := initial << uint(n)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Manager owns the document connection registry. Construct one per process
// and pass it by reference; there is no package-level instance.
type Manager struct {
	cfg    *Config
	logger *log.Logger

	mu    sync.Mutex
	conns map[string]*DocumentConnection
}

// NewManager creates a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("config.Store cannot be nil")
	}
	if cfg.NewDoc == nil {
		cfg.NewDoc = func() crdt.Doc { return crdt.NewMergeMap() }
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[conn] ", log.LstdFlags)
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[string]*DocumentConnection),
	}, nil
}

// DocumentConnection is one live document session. It owns exactly one
// replicated document and one persistence session, plus (once connected) a
// transport provider. All three are destroyed together on Disconnect.
type DocumentConnection struct {
	id  docid.DocumentID
	mgr *Manager

	mu         sync.Mutex
	doc        crdt.Doc
	session    *store.Session
	provider   *transport.Provider
	state      SyncState
	unsynced   bool
	retries    int
	retryTimer *time.Timer
	onState    StateFunc
	unsubDoc   func()
}

// ID returns the document id.
func (c *DocumentConnection) ID() docid.DocumentID {
	return c.id
}

// Doc returns the live replicated document. Valid until Disconnect.
func (c *DocumentConnection) Doc() crdt.Doc {
	return c.doc
}

// State returns the current sync state.
func (c *DocumentConnection) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasUnsyncedChanges reports whether local edits exist that the server has
// not yet confirmed.
func (c *DocumentConnection) HasUnsyncedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsynced
}

// OnState registers a state observer. Replaces any previous observer.
func (c *DocumentConnection) OnState(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Open returns the live connection for id, creating it if necessary.
//
// Opening an already-open document is idempotent: the existing session is
// returned and no second transport or persistence session is created.
//
// Opening a new document:
//  1. bootstraps the replicated document from local persistence (awaited:
//     this wait is bounded by disk latency, never network latency)
//  2. applies any staged import payload if the document is still empty,
//     flushes the result durably, then clears the staging record
//  3. registers the connection and returns it; editing works immediately
//  4. kicks off a background transport connect that never blocks the caller
func (m *Manager) Open(ctx context.Context, id docid.DocumentID) (*DocumentConnection, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.conns[id.String()]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	doc := m.cfg.NewDoc()
	session, err := store.NewSession(ctx, m.cfg.Store, id, doc, m.cfg.Session)
	if err != nil {
		doc.Destroy()
		return nil, err
	}

	if err := m.applyStagedImport(ctx, id, doc, session); err != nil {
		// Import problems must not block opening: the payload stays
		// staged and the next open retries.
		m.logger.Printf("Warning: staged import for %s failed: %v", id, err)
	}

	c := &DocumentConnection{
		id:      id,
		mgr:     m,
		doc:     doc,
		session: session,
		state:   StateLocal,
	}

	m.mu.Lock()
	if existing, ok := m.conns[id.String()]; ok {
		// Lost the race against a concurrent Open. Keep the winner.
		m.mu.Unlock()
		session.Close()
		doc.Destroy()
		return existing, nil
	}
	m.conns[id.String()] = c
	m.mu.Unlock()

	c.unsubDoc = doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		c.handleDocUpdate(update, origin)
	})

	go c.connect()

	return c, nil
}

// applyStagedImport converts a staged import payload into document
// mutations, applied as one transaction, then clears the staging record.
// A non-empty document makes this a no-op, which is what makes re-running
// after a partial failure safe.
//
// The applied content is flushed through session before the staging record
// is cleared. Ordering matters: clearing first would open a crash window in
// which the import exists only in the session's debounce buffer, with
// nothing left to retry from.
func (m *Manager) applyStagedImport(ctx context.Context, id docid.DocumentID, doc crdt.Doc, session *store.Session) error {
	payload, err := m.cfg.Store.StagedImport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !doc.IsEmpty() {
		return nil
	}

	if mm, ok := doc.(*crdt.MergeMap); ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("malformed staged import: %w", err)
		}
		if err := mm.SetAll(fields); err != nil {
			return err
		}
	} else {
		if err := doc.ApplyLocal(payload); err != nil {
			return err
		}
	}

	if err := session.Flush(ctx); err != nil {
		return err
	}
	return m.cfg.Store.ClearStagedImport(ctx, id)
}

// Get returns the live connection for id, or nil.
func (m *Manager) Get(id docid.DocumentID) *DocumentConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id.String()]
}

// lookup reports whether c is still the registered connection for its id.
// Stale callbacks use this as their cancellation check.
func (m *Manager) lookup(c *DocumentConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[c.id.String()] == c
}

// Disconnect tears down the connection for id. The registry entry is
// removed first so in-flight retry timers and transport callbacks observe
// "no such connection" and abort; only then are resources released, in the
// order that keeps presence and persistence consistent.
func (m *Manager) Disconnect(id docid.DocumentID) {
	m.mu.Lock()
	c, ok := m.conns[id.String()]
	if ok {
		delete(m.conns, id.String())
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.teardown()
}

// DisconnectAll tears down every live connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*DocumentConnection, 0, len(m.conns))
	for key, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

// NotifyOnline should be called when the network reports connectivity is
// back. Every connection not currently synced gets its backoff counter
// reset and an immediate reconnect attempt, independent of any pending
// timer.
func (m *Manager) NotifyOnline() {
	m.mu.Lock()
	conns := make([]*DocumentConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		state := c.state
		c.retries = 0
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		c.mu.Unlock()

		if state == StateSynced || state == StateUnavailable {
			continue
		}
		go c.connect()
	}
}

// Reauthenticate refreshes the bearer token for id and re-handshakes on the
// live transport without touching the replicated document.
func (m *Manager) Reauthenticate(ctx context.Context, id docid.DocumentID) error {
	c := m.Get(id)
	if c == nil {
		return fmt.Errorf("document %s is not open", id)
	}

	token, err := m.token(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	if provider == nil {
		return transport.ErrNotConnected
	}
	return provider.Reauthenticate(ctx, token)
}

func (m *Manager) token(ctx context.Context) (string, error) {
	if m.cfg.Token == nil {
		return "", nil
	}
	return m.cfg.Token(ctx)
}

// CanConnect reports whether a transport endpoint is configured and an auth
// token is available. When false, documents stay local-only.
func (m *Manager) CanConnect(ctx context.Context) bool {
	if m.cfg.WSBase == "" {
		return false
	}
	token, err := m.token(ctx)
	return err == nil && token != ""
}

// handleDocUpdate reacts to document changes. Only updates whose origin is
// not the transport mark the document as having unsynced local changes;
// this is what distinguishes genuine local edits from remote echoes.
func (c *DocumentConnection) handleDocUpdate(update []byte, origin crdt.Origin) {
	if origin != crdt.OriginLocal {
		return
	}

	c.mu.Lock()
	c.unsynced = true
	provider := c.provider
	c.mu.Unlock()

	if provider == nil || !provider.Connected() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.mgr.cfg.SendTimeout)
		defer cancel()
		if err := provider.SendUpdate(ctx, update); err != nil {
			c.mgr.logger.Printf("Warning: failed to send update for %s: %v", c.id, err)
		}
	}()
}

// connect is the fire-and-forget background transport task. Its outcome is
// only ever observed through the state machine.
func (c *DocumentConnection) connect() {
	if !c.mgr.lookup(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := c.mgr.token(ctx)
	if err != nil {
		c.mgr.logger.Printf("Warning: token lookup for %s failed: %v", c.id, err)
		c.applyEvent(EventAttemptStarted)
		c.failAttempt(EventAttemptFailed)
		return
	}
	if c.mgr.cfg.WSBase == "" || token == "" {
		// Offline mode: a perfectly fine terminal arrangement. The
		// document stays local-only, no retries.
		return
	}

	c.applyEvent(EventAttemptStarted)

	tcfg := transport.DefaultConfig()
	tcfg.WSBase = c.mgr.cfg.WSBase
	tcfg.Token = token
	tcfg.Logger = c.mgr.logger

	provider := transport.New(c.id, tcfg)
	provider.OnUpdate(func(update []byte) {
		if !c.mgr.lookup(c) {
			return
		}
		if err := c.doc.ApplyRemote(update); err != nil {
			c.mgr.logger.Printf("Warning: failed to apply remote update for %s: %v", c.id, err)
		}
	})
	provider.OnStatus(func(status transport.Status, err error) {
		c.handleTransportStatus(provider, status, err)
	})

	if err := provider.Connect(ctx); err != nil {
		provider.Close()
		if errors.Is(err, transport.ErrAuthFailed) {
			// Status callback already moved the machine to
			// Unavailable; nothing more to do.
			return
		}
		c.mgr.logger.Printf("Connect attempt for %s failed: %v", c.id, err)
		c.failAttempt(EventAttemptFailed)
		return
	}

	c.mu.Lock()
	c.provider = provider
	c.mu.Unlock()

	if !c.mgr.lookup(c) {
		// Disconnected while the dial was in flight.
		c.mu.Lock()
		c.provider = nil
		c.mu.Unlock()
		provider.Close()
		return
	}

	// Push everything the server may have missed while we were offline.
	// Serialized state doubles as an update, and merges are idempotent,
	// so over-sending is harmless.
	state, err := c.doc.Serialize()
	if err == nil && len(state) > 0 {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), c.mgr.cfg.SendTimeout)
		if err := provider.SendUpdate(sendCtx, state); err != nil {
			c.mgr.logger.Printf("Warning: catch-up push for %s failed: %v", c.id, err)
		}
		sendCancel()
	}
}

// handleTransportStatus maps transport events onto the state machine.
func (c *DocumentConnection) handleTransportStatus(provider *transport.Provider, status transport.Status, err error) {
	if !c.mgr.lookup(c) {
		return
	}

	switch status {
	case transport.StatusConnected:
		// A successful handshake resets the backoff counter.
		c.mu.Lock()
		c.retries = 0
		c.mu.Unlock()

	case transport.StatusSynced:
		c.applyEvent(EventSynced)

	case transport.StatusDisconnected:
		c.mgr.logger.Printf("Transport for %s dropped: %v", c.id, err)
		c.mu.Lock()
		if c.provider == provider {
			c.provider = nil
		}
		c.mu.Unlock()
		provider.Close()
		c.failAttempt(EventConnectionLost)

	case transport.StatusAuthFailed:
		c.mgr.logger.Printf("Authentication failed for %s: %v", c.id, err)
		c.mu.Lock()
		if c.provider == provider {
			c.provider = nil
		}
		c.mu.Unlock()
		provider.Close()
		c.applyEvent(EventAuthFailed)
	}
}

// failAttempt drives the bounded backoff after a failed dial
// (EventAttemptFailed) or a dropped connection (EventConnectionLost):
// the delay doubles per consecutive failure and an exhausted budget is
// terminal.
func (c *DocumentConnection) failAttempt(event Event) {
	c.mu.Lock()
	n := c.retries
	c.retries++
	c.mu.Unlock()

	effect := c.applyEvent(event)

	if n >= c.mgr.cfg.MaxRetryAttempts {
		c.applyEvent(EventRetriesExhausted)
		return
	}
	if effect == EffectScheduleRetry {
		c.scheduleRetry(RetryDelay(c.mgr.cfg.InitialRetryDelay, c.mgr.cfg.MaxRetryDelay, n))
	}
}

func (c *DocumentConnection) scheduleRetry(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		// The registry check inside connect() makes a timer that fires
		// after Disconnect a no-op.
		c.connect()
	})
}

// applyEvent runs the pure transition, executes the synchronous effects,
// and returns the effect so callers can act on EffectScheduleRetry.
func (c *DocumentConnection) applyEvent(event Event) Effect {
	c.mu.Lock()
	oldState := c.state
	newState, effect := Transition(oldState, event)
	c.state = newState

	switch effect {
	case EffectClearUnsynced:
		c.unsynced = false
	case EffectAbandonRetry:
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
	}
	onState := c.onState
	c.mu.Unlock()

	if newState != oldState && onState != nil {
		onState(newState)
	}
	return effect
}

// teardown releases everything in the one order that is safe:
// clear awareness → disconnect/destroy transport → flush persistence →
// destroy persistence session → destroy document. The caller has already
// removed the connection from the registry.
func (c *DocumentConnection) teardown() {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	provider := c.provider
	c.provider = nil
	unsub := c.unsubDoc
	c.unsubDoc = nil
	c.mu.Unlock()

	if provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		provider.ClearAwareness(ctx)
		cancel()
		provider.Close()
	}

	if unsub != nil {
		unsub()
	}

	// The persistence session debounces writes; without this flush the
	// last burst of edits would be dropped on the floor.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.session.Flush(ctx); err != nil {
		c.mgr.logger.Printf("Warning: final flush for %s failed: %v", c.id, err)
	}
	cancel()
	c.session.Close()

	c.doc.Destroy()
}
