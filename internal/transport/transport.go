// Package transport provides the reconnect-capable sync channel for one
// document.
//
// A Provider wraps a single WebSocket connection to the sync endpoint
// ({wsBase}/ws/sync?documentId=owner:project:element). CRDT update bytes
// flow both ways inside JSON envelope frames; a secondary awareness frame
// type carries ephemeral presence data. Authentication is a bearer token
// presented on dial and in an explicit auth frame; the server answers
// auth_ok or auth_error before any document traffic.
//
// The Provider itself does not reconnect: the connection manager owns the
// backoff policy and creates a fresh Provider per attempt. What the Provider
// does own is the handshake, the read loop, and translating connection
// events into Status callbacks.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loreweave/loresync/internal/docid"
)

// ErrAuthFailed indicates the server rejected the bearer token. This is
// terminal for the session: retrying with the same credentials is pointless.
var ErrAuthFailed = errors.New("authentication failed")

// ErrNotConnected is returned when sending on a provider with no live
// connection.
var ErrNotConnected = errors.New("transport not connected")

// Status is a transport-level connection event.
type Status int

const (
	// StatusConnecting is emitted when a dial attempt begins.
	StatusConnecting Status = iota

	// StatusConnected is emitted after a successful handshake.
	StatusConnected

	// StatusDisconnected is emitted when an established connection drops.
	StatusDisconnected

	// StatusAuthFailed is emitted when the server rejects credentials.
	StatusAuthFailed

	// StatusSynced is emitted when the server signals the client has
	// caught up with all known updates.
	StatusSynced
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusAuthFailed:
		return "auth-failed"
	case StatusSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// StatusFunc observes transport status events. err is non-nil for
// StatusDisconnected and StatusAuthFailed.
type StatusFunc func(status Status, err error)

// UpdateFunc observes CRDT update bytes received from the server.
type UpdateFunc func(update []byte)

// FrameType identifies a wire frame.
type FrameType string

const (
	FrameAuth      FrameType = "auth"
	FrameAuthOK    FrameType = "auth_ok"
	FrameAuthError FrameType = "auth_error"
	FrameUpdate    FrameType = "update"
	FrameAwareness FrameType = "awareness"
	FrameSynced    FrameType = "synced"
)

// Frame is the JSON envelope exchanged over the WebSocket.
type Frame struct {
	Type   FrameType       `json:"type"`
	Token  string          `json:"token,omitempty"`
	Client string          `json:"client,omitempty"`
	Data   []byte          `json:"data,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Config holds provider configuration.
type Config struct {
	// WSBase is the WebSocket base URL, e.g. "wss://sync.loreweave.app".
	WSBase string

	// Token is the bearer token presented on dial and in the auth frame.
	Token string

	// HandshakeTimeout bounds dial plus auth exchange (default 10s).
	HandshakeTimeout time.Duration

	// Logger for transport activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. WSBase and Token must still be
// set by the caller.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		Logger:           log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// Provider is the bidirectional sync channel for one document.
type Provider struct {
	docID    docid.DocumentID
	cfg      *Config
	clientID string

	onStatus StatusFunc
	onUpdate UpdateFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	awareness json.RawMessage
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Provider for the given document. Register callbacks with
// OnStatus/OnUpdate before calling Connect.
func New(id docid.DocumentID, cfg *Config) *Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		docID:    id,
		cfg:      cfg,
		clientID: uuid.NewString(),
		token:    cfg.Token,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ClientID returns the ephemeral client id used on the awareness channel.
func (p *Provider) ClientID() string {
	return p.clientID
}

// OnStatus registers the status callback.
func (p *Provider) OnStatus(fn StatusFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStatus = fn
}

// OnUpdate registers the remote-update callback.
func (p *Provider) OnUpdate(fn UpdateFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Endpoint returns the full sync URL for the document.
func (p *Provider) Endpoint() string {
	return fmt.Sprintf("%s/ws/sync?documentId=%s", p.cfg.WSBase, url.QueryEscape(p.docID.String()))
}

// Connect dials the sync endpoint and performs the auth handshake.
//
// On success the read loop is started and StatusConnected has been emitted.
// An HTTP 401 on upgrade or an auth_error frame returns ErrAuthFailed (and
// emits StatusAuthFailed); any other failure is a recoverable network error.
func (p *Provider) Connect(ctx context.Context) error {
	p.emit(StatusConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(dialCtx, p.Endpoint(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			p.emit(StatusAuthFailed, ErrAuthFailed)
			return fmt.Errorf("%w: server returned %d", ErrAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial %s: %w", p.Endpoint(), err)
	}
	// Document updates can be large; the default read limit is 32KB.
	conn.SetReadLimit(16 << 20)

	if err := p.authenticate(dialCtx, conn, token); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		if errors.Is(err, ErrAuthFailed) {
			p.emit(StatusAuthFailed, err)
		}
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return ErrNotConnected
	}
	p.conn = conn
	p.mu.Unlock()

	p.emit(StatusConnected, nil)

	go p.readLoop(conn)

	return nil
}

// authenticate sends the auth frame and waits for the server's verdict.
func (p *Provider) authenticate(ctx context.Context, conn *websocket.Conn, token string) error {
	if err := writeFrame(ctx, conn, Frame{Type: FrameAuth, Token: token, Client: p.clientID}); err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	frame, err := readFrame(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch frame.Type {
	case FrameAuthOK:
		return nil
	case FrameAuthError:
		return fmt.Errorf("%w: %s", ErrAuthFailed, frame.Reason)
	default:
		return fmt.Errorf("unexpected frame %q during handshake", frame.Type)
	}
}

// Reauthenticate refreshes the bearer token and re-handshakes on the live
// connection without tearing down any document state. If the provider is not
// currently connected, the token is stored for the next Connect.
func (p *Provider) Reauthenticate(ctx context.Context, token string) error {
	p.mu.Lock()
	p.token = token
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := writeFrame(ctx, conn, Frame{Type: FrameAuth, Token: token, Client: p.clientID}); err != nil {
		return fmt.Errorf("failed to re-authenticate: %w", err)
	}
	// The verdict arrives on the read loop as auth_ok or auth_error.
	return nil
}

// readLoop receives frames until the connection drops or Close is called.
// It must never be waited on from a status callback: callbacks are invoked
// from this goroutine, so Close stays non-blocking.
func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		frame, err := readFrame(p.ctx, conn)
		if err != nil {
			p.mu.Lock()
			deliberate := p.closed || p.conn != conn
			if p.conn == conn {
				p.conn = nil
			}
			p.mu.Unlock()

			if !deliberate {
				p.emit(StatusDisconnected, err)
			}
			return
		}

		switch frame.Type {
		case FrameUpdate:
			p.mu.Lock()
			fn := p.onUpdate
			p.mu.Unlock()
			if fn != nil {
				fn(frame.Data)
			}
		case FrameSynced:
			p.emit(StatusSynced, nil)
		case FrameAuthOK:
			// Re-auth verdict; nothing to do.
		case FrameAuthError:
			p.emit(StatusAuthFailed, fmt.Errorf("%w: %s", ErrAuthFailed, frame.Reason))
			return
		case FrameAwareness:
			// Peer presence; consumers that care subscribe UI-side.
		default:
			p.cfg.Logger.Printf("Ignoring unknown frame type %q", frame.Type)
		}
	}
}

// SendUpdate streams a local CRDT update to the server.
func (p *Provider) SendUpdate(ctx context.Context, update []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeFrame(ctx, conn, Frame{Type: FrameUpdate, Client: p.clientID, Data: update})
}

// SetAwareness publishes the local presence state.
func (p *Provider) SetAwareness(ctx context.Context, state json.RawMessage) error {
	p.mu.Lock()
	p.awareness = state
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeFrame(ctx, conn, Frame{Type: FrameAwareness, Client: p.clientID, State: state})
}

// ClearAwareness removes the local presence state so other users stop seeing
// a ghost cursor. Best effort: a dead connection is not an error here, the
// server expires presence on disconnect anyway.
func (p *Provider) ClearAwareness(ctx context.Context) {
	p.mu.Lock()
	p.awareness = nil
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := writeFrame(ctx, conn, Frame{Type: FrameAwareness, Client: p.clientID, State: json.RawMessage("null")}); err != nil {
		p.cfg.Logger.Printf("Warning: failed to clear awareness for %s: %v", p.docID, err)
	}
}

// Connected reports whether a live connection exists.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Close tears down the connection and stops the read loop. No
// StatusDisconnected event is emitted for a deliberate close. Idempotent.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (p *Provider) emit(status Status, err error) {
	p.mu.Lock()
	fn := p.onStatus
	p.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	var frame Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return frame, nil
}
