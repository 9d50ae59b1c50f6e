package headless

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loreweave/loresync/internal/conn"
	"github.com/loreweave/loresync/internal/docid"
	"github.com/loreweave/loresync/internal/store"
	"github.com/loreweave/loresync/internal/transport"
)

// fakeServer speaks the sync frame protocol. With neverSynced set it
// authenticates but withholds the synced signal, which is how timeout
// behavior gets exercised.
type fakeServer struct {
	srv         *httptest.Server
	neverSynced bool

	mtx     sync.Mutex
	updates [][]byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) wsBase() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) receivedUpdates() [][]byte {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([][]byte(nil), f.updates...)
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		switch frame.Type {
		case transport.FrameAuth:
			if frame.Token != "good-token" {
				out, _ := json.Marshal(transport.Frame{Type: transport.FrameAuthError, Reason: "invalid session"})
				_ = c.Write(ctx, websocket.MessageText, out)
				return
			}
			ok, _ := json.Marshal(transport.Frame{Type: transport.FrameAuthOK})
			if err := c.Write(ctx, websocket.MessageText, ok); err != nil {
				return
			}
			if f.neverSynced {
				continue
			}
			synced, _ := json.Marshal(transport.Frame{Type: transport.FrameSynced})
			if err := c.Write(ctx, websocket.MessageText, synced); err != nil {
				return
			}
		case transport.FrameUpdate:
			f.mtx.Lock()
			f.updates = append(f.updates, frame.Data)
			f.mtx.Unlock()
		}
	}
}

func testDriver(t *testing.T, wsBase, token string, cfg *Config) (*Driver, *conn.Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loresync.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mcfg := conn.DefaultConfig()
	mcfg.Store = s
	mcfg.WSBase = wsBase
	if token != "" {
		mcfg.Token = func(ctx context.Context) (string, error) { return token, nil }
	}
	m, err := conn.NewManager(mcfg)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(m.DisconnectAll)

	d, err := New(m, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d, m, s
}

func mustParse(t *testing.T, s string) docid.DocumentID {
	t.Helper()
	id, err := docid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSyncDocument_InvalidID(t *testing.T) {
	d, _, _ := testDriver(t, "", "", nil)

	bad := docid.DocumentID{Owner: "alice", Project: "", Element: "ch1"}
	if err := d.SyncDocument(context.Background(), bad); !errors.Is(err, docid.ErrInvalidDocumentID) {
		t.Errorf("SyncDocument() with malformed id = %v, want ErrInvalidDocumentID", err)
	}
}

func TestSyncDocument_OfflineIsSuccess(t *testing.T) {
	// No endpoint and no token: immediate success, nothing opened.
	d, m, _ := testDriver(t, "", "", nil)
	id := mustParse(t, "alice:middle-earth:ch1")

	if err := d.SyncDocument(context.Background(), id); err != nil {
		t.Fatalf("SyncDocument() offline = %v, want nil", err)
	}
	if m.Get(id) != nil {
		t.Error("offline sync left a connection open")
	}
}

func TestSyncDocument_SyncsAndTearsDown(t *testing.T) {
	f := newFakeServer(t)
	d, m, _ := testDriver(t, f.wsBase(), "good-token", nil)
	id := mustParse(t, "alice:middle-earth:ch1")

	if err := d.SyncDocument(context.Background(), id); err != nil {
		t.Fatalf("SyncDocument() failed: %v", err)
	}
	if m.Get(id) != nil {
		t.Error("connection still registered after headless sync")
	}
}

func TestSyncDocument_PushesStagedImport(t *testing.T) {
	f := newFakeServer(t)
	d, _, s := testDriver(t, f.wsBase(), "good-token", nil)
	id := mustParse(t, "alice:middle-earth:rivendell")

	stagedJSON, _ := json.Marshal(map[string]json.RawMessage{
		"name": json.RawMessage(`"Rivendell"`),
	})
	if err := s.StageImport(context.Background(), id, stagedJSON); err != nil {
		t.Fatal(err)
	}

	if err := d.SyncDocument(context.Background(), id); err != nil {
		t.Fatalf("SyncDocument() failed: %v", err)
	}

	// The imported content reaches the server as a catch-up update.
	var saw bool
	for _, u := range f.receivedUpdates() {
		if strings.Contains(string(u), "Rivendell") {
			saw = true
		}
	}
	if !saw {
		t.Errorf("server never received imported content; updates = %d", len(f.receivedUpdates()))
	}

	// The document survives teardown durably.
	state, err := s.LoadDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadDocument() after sync failed: %v", err)
	}
	if !strings.Contains(string(state), "Rivendell") {
		t.Error("persisted state missing imported content")
	}
}

func TestSyncDocument_Timeout(t *testing.T) {
	f := newFakeServer(t)
	f.neverSynced = true
	d, m, _ := testDriver(t, f.wsBase(), "good-token", &Config{Timeout: 100 * time.Millisecond})
	id := mustParse(t, "alice:middle-earth:ch1")

	err := d.SyncDocument(context.Background(), id)
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("SyncDocument() = %v, want ErrSyncTimeout", err)
	}
	if m.Get(id) != nil {
		t.Error("connection still registered after timeout")
	}
}

func TestSyncDocument_AuthFailure(t *testing.T) {
	f := newFakeServer(t)
	d, _, _ := testDriver(t, f.wsBase(), "bad-token", &Config{Timeout: 5 * time.Second})
	id := mustParse(t, "alice:middle-earth:ch1")

	err := d.SyncDocument(context.Background(), id)
	if err == nil {
		t.Fatal("SyncDocument() = nil, want error on auth failure")
	}
	if errors.Is(err, ErrSyncTimeout) {
		t.Errorf("auth failure reported as timeout: %v", err)
	}
}

func TestSyncBatch_FailSoft(t *testing.T) {
	f := newFakeServer(t)
	d, _, _ := testDriver(t, f.wsBase(), "good-token", nil)

	good1 := mustParse(t, "alice:middle-earth:ch1")
	good2 := mustParse(t, "alice:middle-earth:ch2")
	bad := docid.DocumentID{Owner: "alice", Project: "", Element: "broken"}

	result := d.SyncBatch(context.Background(), []docid.DocumentID{good1, bad, good2})

	if len(result.Success) != 2 {
		t.Errorf("Success = %v, want 2 entries", result.Success)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %v, want 1 entry", result.Failed)
	}
	if result.Failed[0].ID != bad {
		t.Errorf("Failed[0].ID = %v, want the malformed id", result.Failed[0].ID)
	}
	if !errors.Is(result.Failed[0].Err, docid.ErrInvalidDocumentID) {
		t.Errorf("Failed[0].Err = %v, want ErrInvalidDocumentID", result.Failed[0].Err)
	}
}
