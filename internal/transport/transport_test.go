package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loreweave/loresync/internal/docid"
)

// fakeSyncServer accepts one sync connection at a time and speaks the frame
// protocol. Tokens other than "good-token" are rejected with auth_error.
type fakeSyncServer struct {
	t      *testing.T
	srv    *httptest.Server
	reject401 bool

	mu       sync.Mutex
	received []Frame
}

func newFakeSyncServer(t *testing.T) *fakeSyncServer {
	t.Helper()
	f := &fakeSyncServer{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSyncServer) wsBase() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSyncServer) handle(w http.ResponseWriter, r *http.Request) {
	if f.reject401 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.t.Errorf("server got bad frame: %v", err)
			return
		}

		f.mu.Lock()
		f.received = append(f.received, frame)
		f.mu.Unlock()

		switch frame.Type {
		case FrameAuth:
			var reply Frame
			if frame.Token == "good-token" {
				reply = Frame{Type: FrameAuthOK}
			} else {
				reply = Frame{Type: FrameAuthError, Reason: "invalid session"}
			}
			out, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
			if frame.Token == "good-token" {
				// Nothing pending server-side: caught up immediately.
				synced, _ := json.Marshal(Frame{Type: FrameSynced})
				if err := conn.Write(ctx, websocket.MessageText, synced); err != nil {
					return
				}
			}
		case FrameUpdate:
			// Echo back so clients can observe the remote path.
			echo, _ := json.Marshal(Frame{Type: FrameUpdate, Data: frame.Data})
			if err := conn.Write(ctx, websocket.MessageText, echo); err != nil {
				return
			}
		}
	}
}

func (f *fakeSyncServer) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.received))
	copy(out, f.received)
	return out
}

func testProvider(t *testing.T, f *fakeSyncServer, token string) (*Provider, chan Status) {
	t.Helper()
	id, _ := docid.Parse("alice:middle-earth:ch1")
	cfg := DefaultConfig()
	cfg.WSBase = f.wsBase()
	cfg.Token = token

	p := New(id, cfg)
	t.Cleanup(p.Close)

	statuses := make(chan Status, 16)
	p.OnStatus(func(s Status, err error) { statuses <- s })
	return p, statuses
}

func waitStatus(t *testing.T, ch chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func TestProvider_ConnectAndSync(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if !p.Connected() {
		t.Error("Connected() = false after successful Connect()")
	}

	waitStatus(t, statuses, StatusSynced)
}

func TestProvider_StatusSequence(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	// Connecting must precede Connected.
	first := <-statuses
	if first != StatusConnecting {
		t.Errorf("first status = %v, want StatusConnecting", first)
	}
	second := <-statuses
	if second != StatusConnected {
		t.Errorf("second status = %v, want StatusConnected", second)
	}
}

func TestProvider_AuthErrorFrame(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "bad-token")

	err := p.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect() with bad token = %v, want ErrAuthFailed", err)
	}

	waitStatus(t, statuses, StatusAuthFailed)
	if p.Connected() {
		t.Error("Connected() = true after auth failure")
	}
}

func TestProvider_HTTP401(t *testing.T) {
	f := newFakeSyncServer(t)
	f.reject401 = true
	p, _ := testProvider(t, f, "good-token")

	err := p.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect() against 401 = %v, want ErrAuthFailed", err)
	}
}

func TestProvider_SendReceiveUpdate(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	got := make(chan []byte, 1)
	p.OnUpdate(func(update []byte) { got <- update })

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitStatus(t, statuses, StatusConnected)

	update := []byte(`{"title":{"value":"x","clock":1,"actor":"a"}}`)
	if err := p.SendUpdate(context.Background(), update); err != nil {
		t.Fatalf("SendUpdate() failed: %v", err)
	}

	select {
	case echoed := <-got:
		if string(echoed) != string(update) {
			t.Errorf("echoed update = %s, want %s", echoed, update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed update")
	}
}

func TestProvider_SendWithoutConnect(t *testing.T) {
	f := newFakeSyncServer(t)
	p, _ := testProvider(t, f, "good-token")

	if err := p.SendUpdate(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendUpdate() without connection = %v, want ErrNotConnected", err)
	}
}

func TestProvider_AwarenessLifecycle(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitStatus(t, statuses, StatusConnected)

	if err := p.SetAwareness(context.Background(), json.RawMessage(`{"user":"alice"}`)); err != nil {
		t.Fatalf("SetAwareness() failed: %v", err)
	}
	p.ClearAwareness(context.Background())

	// Wait for both awareness frames to arrive server-side.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var aware []Frame
		for _, fr := range f.frames() {
			if fr.Type == FrameAwareness {
				aware = append(aware, fr)
			}
		}
		if len(aware) >= 2 {
			if string(aware[len(aware)-1].State) != "null" {
				t.Errorf("last awareness state = %s, want null", aware[len(aware)-1].State)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("awareness frames never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProvider_CloseEmitsNoDisconnect(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitStatus(t, statuses, StatusConnected)

	p.Close()

	// Drain any buffered statuses; StatusDisconnected must not appear.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case s := <-statuses:
			if s == StatusDisconnected {
				t.Error("deliberate Close() emitted StatusDisconnected")
			}
		default:
			return
		}
	}
}

func TestProvider_Reauthenticate(t *testing.T) {
	f := newFakeSyncServer(t)
	p, statuses := testProvider(t, f, "good-token")

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitStatus(t, statuses, StatusConnected)

	if err := p.Reauthenticate(context.Background(), "good-token"); err != nil {
		t.Fatalf("Reauthenticate() failed: %v", err)
	}

	// Two auth frames must have reached the server.
	deadline := time.Now().Add(5 * time.Second)
	for {
		n := 0
		for _, fr := range f.frames() {
			if fr.Type == FrameAuth {
				n++
			}
		}
		if n >= 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d auth frames, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProvider_Endpoint(t *testing.T) {
	id, _ := docid.Parse("alice:middle-earth:ch1")
	cfg := DefaultConfig()
	cfg.WSBase = "wss://sync.loreweave.app"

	p := New(id, cfg)
	defer p.Close()

	want := "wss://sync.loreweave.app/ws/sync?documentId=alice%3Amiddle-earth%3Ach1"
	if p.Endpoint() != want {
		t.Errorf("Endpoint() = %q, want %q", p.Endpoint(), want)
	}
}
