package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

func run(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	return runWithInput(t, opts, "", args...)
}

func runWithInput(t *testing.T, opts *RootOptions, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type env struct {
	dataDir    string
	configPath string
	opts       *RootOptions
}

func newEnv(t *testing.T, baseURL string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dataDir:    filepath.Join(dir, "data"),
		configPath: filepath.Join(dir, "config.yaml"),
		opts:       &RootOptions{Keyring: keyring.NewArrayKeyring(nil)},
	}

	cfg := fmt.Sprintf(`enable_ping: false
storage:
  data_dir: %s
log:
  level: error
api:
  base_url: %q
  token_key: api-token
`, e.dataDir, baseURL)
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o600))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return run(t, e.opts, append(args, "--config", e.configPath)...)
}

// seed enqueues requests straight into the database.
func (e *env) seed(t *testing.T, reqs ...*models.QueuedRequest) []string {
	t.Helper()
	database, err := db.Open(e.dataDir)
	require.NoError(t, err)
	defer database.Close()

	store := queue.NewStore(db.NewQueueRepository(database), queue.DefaultConfig(),
		queue.WithLogger(logging.New(io.Discard, logging.LevelError)))
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))

	var ids []string
	for _, r := range reqs {
		id, err := store.Enqueue(ctx, r)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func post(endpoint string) *models.QueuedRequest {
	return &models.QueuedRequest{Method: http.MethodPost, Endpoint: endpoint, Body: json.RawMessage(`{"title":"milk"}`)}
}

type apiStub struct {
	mu    sync.Mutex
	calls []string
	auth  []string
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

// =====================================================
// Commands
// =====================================================

func TestStatus_emptyQueue(t *testing.T) {
	e := newEnv(t, "")

	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued:    0")
}

func TestStatus_json(t *testing.T) {
	e := newEnv(t, "")
	e.seed(t, post("/a"), post("/b"))

	out, err := e.run(t, "status", "--format", "json")
	require.NoError(t, err)

	var stats models.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByOperation.Create)
}

func TestQueueList(t *testing.T) {
	e := newEnv(t, "")
	ids := e.seed(t, post("/a"), post("/b"))

	out, err := e.run(t, "queue", "list", "--format", "json")
	require.NoError(t, err)
	var listed []models.QueuedRequest
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, ids[0], listed[0].ID)
	assert.Equal(t, "/b", listed[1].Endpoint)

	out, err = e.run(t, "queue", "list", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "endpoint: /a")

	out, err = e.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ENDPOINT")
	assert.Contains(t, out, ids[1])
}

func TestQueueList_empty(t *testing.T) {
	e := newEnv(t, "")

	out, err := e.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty.\n", out)

	out, err = e.run(t, "queue", "list", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestQueueRemove(t *testing.T) {
	e := newEnv(t, "")
	ids := e.seed(t, post("/a"), post("/b"))

	out, err := e.run(t, "queue", "remove", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+ids[0])

	out, err = e.run(t, "queue", "list", "--format", "json")
	require.NoError(t, err)
	var listed []models.QueuedRequest
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, ids[1], listed[0].ID)

	_, err = e.run(t, "queue", "remove", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestQueueClear(t *testing.T) {
	e := newEnv(t, "")
	e.seed(t, post("/a"), post("/b"))

	_, err := e.run(t, "queue", "clear")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := e.run(t, "queue", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2")

	out, err = e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued:    0")
}

func TestSync_replaysQueueWithToken(t *testing.T) {
	api := &apiStub{}
	ts := httptest.NewServer(api)
	defer ts.Close()

	e := newEnv(t, ts.URL)
	e.seed(t, post("/a"), post("/b"))

	_, err := e.run(t, "login", "--token", "secret")
	require.NoError(t, err)

	out, err := e.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 2, failed 0, 0 still queued")

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"POST /a", "POST /b"}, api.calls)
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, api.auth)
}

func TestSync_requiresBaseURL(t *testing.T) {
	e := newEnv(t, "")

	_, err := e.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestLoginLogout(t *testing.T) {
	e := newEnv(t, "")

	out, err := runWithInput(t, e.opts, "from-stdin\n", "login", "--config", e.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"api-token"`)

	item, err := e.opts.Keyring.Get("api-token")
	require.NoError(t, err)
	assert.Equal(t, "from-stdin", string(item.Data))

	_, err = e.run(t, "logout")
	require.NoError(t, err)
	_, err = e.opts.Keyring.Get("api-token")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}

func TestLogin_emptyToken(t *testing.T) {
	e := newEnv(t, "")

	_, err := runWithInput(t, e.opts, "\n", "login", "--config", e.configPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigShow(t *testing.T) {
	e := newEnv(t, "https://api.example.com")

	out, err := e.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "sync_interval: 30s")
	assert.Contains(t, out, "base_url: https://api.example.com")
	assert.Contains(t, out, "data_dir: "+e.dataDir)
}

func TestServe_stopsOnCancel(t *testing.T) {
	ts := httptest.NewServer(&apiStub{})
	defer ts.Close()
	e := newEnv(t, ts.URL)

	cmd := newRootCommand(e.opts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--listen", "127.0.0.1:0", "--config", e.configPath})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
