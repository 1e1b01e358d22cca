package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/dashboard"
	"github.com/shelfsync/shelfsync/internal/entity"
	"github.com/shelfsync/shelfsync/internal/pull"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/store"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

func setupTestDaemon(t *testing.T, handler http.Handler) (*Daemon, *store.Store, string) {
	t.Helper()

	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	client := api.New(srv.URL, "")
	q := queue.New(st, logger)
	puller := pull.New(st, client, 100, logger)

	manager, err := syncer.New(context.Background(), st, client, syncer.Config{
		WorkspaceID: "ws_1",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	editsDir := filepath.Join(tmpDir, "edits")
	if err := os.MkdirAll(editsDir, 0o755); err != nil {
		t.Fatalf("failed to create edits dir: %v", err)
	}

	config := DefaultConfig()
	config.Logger = logger

	d, err := New(st, q, puller, manager, client, "ws_1", editsDir, config)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	t.Cleanup(func() { d.cancel() })

	return d, st, editsDir
}

func dropEdit(t *testing.T, dir, name string, edit editFile) string {
	t.Helper()

	data, err := json.Marshal(edit)
	if err != nil {
		t.Fatalf("failed to encode edit: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write edit file: %v", err)
	}
	return path
}

func TestIngestEditFileEnqueuesAndRemoves(t *testing.T) {
	d, st, editsDir := setupTestDaemon(t, http.NotFoundHandler())

	path := dropEdit(t, editsDir, "edit1.json", editFile{
		Operation: "create",
		Entity:    "items",
		Payload:   map[string]any{"name": "Drill"},
	})

	if err := d.ingestEditFile(path); err != nil {
		t.Fatalf("ingestEditFile failed: %v", err)
	}

	pending, err := st.MutationsByStatus(context.Background(), store.StatusPending)
	if err != nil {
		t.Fatalf("MutationsByStatus failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Entity != entity.KindItems {
		t.Errorf("queue after ingest = %+v", pending)
	}

	// The consumed file is gone.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("edit file not removed: %v", err)
	}
}

func TestIngestQuarantinesMalformedFiles(t *testing.T) {
	d, st, editsDir := setupTestDaemon(t, http.NotFoundHandler())

	path := filepath.Join(editsDir, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if err := d.ingestEditFile(path); err == nil {
		t.Fatal("malformed edit file ingested without error")
	}

	// The file is renamed aside, not retried forever.
	if _, err := os.Stat(path + ".rejected"); err != nil {
		t.Errorf("malformed file not quarantined: %v", err)
	}

	pending, _ := st.MutationsByStatus(context.Background(), store.StatusPending)
	if len(pending) != 0 {
		t.Errorf("malformed edit reached the queue: %+v", pending)
	}
}

func TestIngestQuarantinesInvalidMutations(t *testing.T) {
	d, _, editsDir := setupTestDaemon(t, http.NotFoundHandler())

	// Valid JSON, invalid mutation: item create without a name.
	path := dropEdit(t, editsDir, "invalid.json", editFile{
		Operation: "create",
		Entity:    "items",
		Payload:   map[string]any{"notes": "x"},
	})

	if err := d.ingestEditFile(path); err == nil {
		t.Fatal("invalid mutation ingested without error")
	}
	if _, err := os.Stat(path + ".rejected"); err != nil {
		t.Errorf("invalid file not quarantined: %v", err)
	}
}

func TestIngestExistingPicksUpBacklog(t *testing.T) {
	d, st, editsDir := setupTestDaemon(t, http.NotFoundHandler())

	dropEdit(t, editsDir, "a.json", editFile{Operation: "create", Entity: "items", Payload: map[string]any{"name": "A"}})
	dropEdit(t, editsDir, "b.json", editFile{Operation: "create", Entity: "borrowers", Payload: map[string]any{"name": "B"}})

	if err := d.ingestExisting(); err != nil {
		t.Fatalf("ingestExisting failed: %v", err)
	}

	pending, _ := st.MutationsByStatus(context.Background(), store.StatusPending)
	if len(pending) != 2 {
		t.Errorf("queue after backlog ingest = %d entries, want 2", len(pending))
	}
}

func TestProbeTracksConnectivity(t *testing.T) {
	healthy := false
	d, _, _ := setupTestDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	d.probe()
	if d.Online() {
		t.Error("daemon reports online against a 503 health endpoint")
	}

	healthy = true
	d.probe()
	if !d.Online() {
		t.Error("daemon reports offline against a healthy endpoint")
	}
}

func TestProbeBroadcastsToDashboard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Empty page for every collection pull.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[],"total":0,"page":1,"total_pages":1}`))
	}))
	defer srv.Close()

	tmpDir := t.TempDir()
	st, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(io.Discard, "", 0)
	client := api.New(srv.URL, "")

	dash := dashboard.NewServer(&dashboard.Config{Port: 0, Logger: logger})
	if err := dash.Start(); err != nil {
		t.Fatalf("failed to start dashboard: %v", err)
	}
	t.Cleanup(func() { _ = dash.Stop() })

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()
	conn, _, err := websocket.Dial(wsCtx, fmt.Sprintf("ws://%s/ws", dash.GetAddr()), nil)
	if err != nil {
		t.Fatalf("failed to dial dashboard: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	deadline := time.Now().Add(5 * time.Second)
	for dash.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with the dashboard")
		}
		time.Sleep(10 * time.Millisecond)
	}

	manager, err := syncer.New(context.Background(), st, client, syncer.Config{
		WorkspaceID: "ws_1",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	config := DefaultConfig()
	config.Logger = logger
	config.Dashboard = dash

	d, err := New(st, queue.New(st, logger), pull.New(st, client, 100, logger), manager, client, "ws_1",
		filepath.Join(tmpDir, "edits"), config)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	t.Cleanup(func() { d.cancel() })

	// Offline to online: connectivity, then queue stats from the drain,
	// then the stale-mirror pull completion.
	d.probe()

	readMessage := func() dashboard.Message {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read broadcast: %v", err)
		}
		var msg dashboard.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to decode broadcast: %v", err)
		}
		return msg
	}

	msg := readMessage()
	if msg.Type != dashboard.MessageTypeConnectivity {
		t.Fatalf("first message type = %q, want %q", msg.Type, dashboard.MessageTypeConnectivity)
	}
	var conn2 dashboard.ConnectivityData
	if err := json.Unmarshal(msg.Data, &conn2); err != nil || !conn2.Online {
		t.Errorf("connectivity payload = %+v (err %v), want online", conn2, err)
	}

	msg = readMessage()
	if msg.Type != dashboard.MessageTypeQueueStats {
		t.Fatalf("second message type = %q, want %q", msg.Type, dashboard.MessageTypeQueueStats)
	}

	msg = readMessage()
	if msg.Type != dashboard.MessageTypePullComplete {
		t.Fatalf("third message type = %q, want %q", msg.Type, dashboard.MessageTypePullComplete)
	}
	var pc dashboard.PullCompleteData
	if err := json.Unmarshal(msg.Data, &pc); err != nil {
		t.Fatalf("failed to decode pull payload: %v", err)
	}
	if pc.WorkspaceID != "ws_1" || len(pc.Counts) != len(entity.Kinds()) {
		t.Errorf("pull payload = %+v", pc)
	}
}

func TestRefreshIfStaleSkipsFreshMirror(t *testing.T) {
	var pullRequests int
	d, st, _ := setupTestDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pullRequests++
		w.WriteHeader(http.StatusOK)
	}))

	// A pull moments ago means no refresh.
	if err := st.SetSyncMeta(context.Background(), store.MetaLastSync, time.Now().Format(time.RFC3339)); err != nil {
		t.Fatalf("SetSyncMeta failed: %v", err)
	}

	d.refreshIfStale()
	if pullRequests != 0 {
		t.Errorf("fresh mirror was re-pulled (%d requests)", pullRequests)
	}
}
