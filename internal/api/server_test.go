package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/reportsync/internal/models"
	syncpkg "github.com/kimhsiao/reportsync/internal/sync"
	"github.com/kimhsiao/reportsync/internal/sync/store"
)

// stubUploader answers every item with status.
type stubUploader struct {
	mu     sync.Mutex
	calls  int
	status models.ResultStatus
}

func (u *stubUploader) PostBatch(_ context.Context, req *models.BatchRequest) (*models.BatchResponse, error) {
	u.mu.Lock()
	u.calls++
	status := u.status
	u.mu.Unlock()

	if status == "" {
		status = models.ResultOK
	}
	resp := &models.BatchResponse{ServerTime: "2026-10-18T09:00:00Z"}
	for _, item := range req.Items {
		resp.Results = append(resp.Results, models.BatchResult{ID: item.ID, Status: status})
	}
	return resp, nil
}

func (u *stubUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type testEnv struct {
	engine   *syncpkg.Engine
	store    *store.Memory
	uploader *stubUploader
	server   *httptest.Server
}

// newTestEnv starts an offline engine over a memory store behind the API.
func newTestEnv(t *testing.T, status models.ResultStatus) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	uploader := &stubUploader{status: status}
	engine, err := syncpkg.NewEngine(context.Background(), syncpkg.Deps{
		Store:  mem,
		Meta:   mem,
		Audit:  mem,
		Remote: uploader,
	}, nil)
	require.NoError(t, err)
	engine.SetOnline(false)

	api := NewServer(engine)
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		srv.Close()
		api.Close()
		engine.Close()
	})

	return &testEnv{engine: engine, store: mem, uploader: uploader, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) state(t *testing.T) models.SyncState {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state models.SyncState
	decode(t, resp, &state)
	return state
}

func (e *testEnv) enqueueReport(t *testing.T, id string) {
	t.Helper()
	body := `{"id":"` + id + `","teacherId":"t-1","title":"Week 1"}`
	resp := e.do(t, http.MethodPost, "/api/items/report", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (e *testEnv) markConflict(t *testing.T, id string) {
	t.Helper()
	item, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	item.Status = models.StatusConflict
	item.Error = "server has newer version"
	require.NoError(t, e.store.Put(context.Background(), item))
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =====================================================
// Health & State Tests
// =====================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, env.engine.DeviceID(), body["device_id"])
}

func TestState_initial(t *testing.T) {
	env := newTestEnv(t, "")

	state := env.state(t)
	assert.False(t, state.IsOnline)
	assert.False(t, state.IsSyncing)
	assert.Zero(t, state.PendingCount)
	assert.Nil(t, state.LastSyncAt)
	assert.Nil(t, state.LastError)
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/items/report", `{"id":"r-1","teacherId":"t-1","title":"Week 1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var item models.SyncItem
	decode(t, resp, &item)
	assert.Equal(t, "r-1", item.ID)
	assert.Equal(t, models.ItemTypeReport, item.Type)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)

	assert.Equal(t, 1, env.state(t).PendingCount)
	assert.Zero(t, env.uploader.Calls(), "offline enqueue must not upload")
}

func TestEnqueue_generatedID(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/items/log", `{"action":"login","level":"info"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var item models.SyncItem
	decode(t, resp, &item)
	assert.Len(t, item.ID, 36)
	assert.Equal(t, item.ID, item.Payload.Identifier())
}

func TestEnqueue_rejected(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		code string
	}{
		{"unknown type", "/api/items/memo", `{"title":"x"}`, "INVALID_INPUT"},
		{"malformed body", "/api/items/report", `{"title":`, "INVALID_INPUT"},
		{"empty body", "/api/items/report", ``, "INVALID_INPUT"},
		{"missing title", "/api/items/report", `{"teacherId":"t-1"}`, "VALIDATION_ERROR"},
		{"bad email", "/api/items/user", `{"email":"nope","displayName":"A","role":"teacher"}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")

			resp := env.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body apiError
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Zero(t, env.store.Len())
		})
	}
}

// =====================================================
// Listing Tests
// =====================================================

func TestPendingAndConflicts(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")
	env.enqueueReport(t, "r-2")
	env.markConflict(t, "r-2")

	var pending itemsResponse
	decode(t, env.do(t, http.MethodGet, "/api/items/pending", ""), &pending)
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, "r-1", pending.Items[0].ID)

	var conflicts itemsResponse
	decode(t, env.do(t, http.MethodGet, "/api/items/conflicts", ""), &conflicts)
	require.Equal(t, 1, conflicts.Count)
	assert.Equal(t, "r-2", conflicts.Items[0].ID)
	assert.Equal(t, "server has newer version", conflicts.Items[0].Error)
}

func TestPending_emptyIsArray(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/items/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	decode(t, resp, &raw)
	assert.Equal(t, "[]", string(raw["items"]))
}

// =====================================================
// Conflict Resolution Tests
// =====================================================

func TestResolve_keepLocal(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")
	env.markConflict(t, "r-1")

	resp := env.do(t, http.MethodPost, "/api/items/r-1/resolve", `{"resolution":"keep_local"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state models.SyncState
	decode(t, resp, &state)
	assert.Equal(t, 1, state.PendingCount)
	assert.Zero(t, state.ConflictCount)

	item, err := env.store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.True(t, item.Payload.ForceOverwrite())
}

func TestResolve_keepServer(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")
	env.markConflict(t, "r-1")

	resp := env.do(t, http.MethodPost, "/api/items/r-1/resolve", `{"resolution":"keep_server"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := env.store.Get(context.Background(), "r-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolve_unknownItemIsNoop(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/items/ghost/resolve", `{"resolution":"keep_local"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolve_badResolution(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")
	env.markConflict(t, "r-1")

	resp := env.do(t, http.MethodPost, "/api/items/r-1/resolve", `{"resolution":"merge"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body apiError
	decode(t, resp, &body)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)

	item, err := env.store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, item.Status)
}

// =====================================================
// Sync, Retry & Network Tests
// =====================================================

func TestSync_offlineSkipped(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")

	resp := env.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncpkg.SyncResult
	decode(t, resp, &result)
	assert.Equal(t, syncpkg.SkipOffline, result.Skipped)
	assert.Zero(t, env.uploader.Calls())
}

func TestNetwork_reconnectDrains(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")
	env.enqueueReport(t, "r-2")

	resp := env.do(t, http.MethodPut, "/api/network", `{"online":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.engine.Wait()

	assert.Equal(t, 1, env.uploader.Calls())
	state := env.state(t)
	assert.True(t, state.IsOnline)
	assert.Zero(t, state.PendingCount)
	assert.NotNil(t, state.LastSyncAt)
}

func TestNetwork_requiresFlag(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPut, "/api/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/network", `{"online":true,"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync_online(t *testing.T) {
	env := newTestEnv(t, models.ResultConflict)
	env.enqueueReport(t, "r-1")
	env.do(t, http.MethodPut, "/api/network", `{"online":true}`)
	env.engine.Wait()

	resp := env.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncpkg.SyncResult
	decode(t, resp, &result)
	assert.Empty(t, result.Skipped)
	assert.Zero(t, result.Batches, "conflicted items are not re-sent")
	assert.Equal(t, 1, env.state(t).ConflictCount)
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t, "")
	env.enqueueReport(t, "r-1")

	item, err := env.store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	item.Status = models.StatusFailed
	item.RetryCount = 5
	item.Error = "max retries exceeded"
	require.NoError(t, env.store.Put(context.Background(), item))

	resp := env.do(t, http.MethodPost, "/api/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decode(t, resp, &body)
	assert.Equal(t, 1, body["requeued"])

	item, err = env.store.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Empty(t, item.Error)
}

// =====================================================
// WebSocket Tests
// =====================================================

func readState(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocket_streamsState(t *testing.T) {
	env := newTestEnv(t, "")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readState(t, conn)
	assert.Equal(t, EventSyncState, first.Type)
	assert.Zero(t, first.Data.PendingCount)

	env.enqueueReport(t, "r-1")

	for {
		msg := readState(t, conn)
		if msg.Data.PendingCount == 1 {
			break
		}
	}
}

func TestWebSocket_rejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, "")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://127.0.0.1":      true,
		"https://example.com":   false,
		"::bad::":               false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, checkOrigin(r), "origin %q", origin)
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	states := make(chan models.SyncState)
	done := make(chan struct{})
	go func() {
		hub.Forward(states)
		close(done)
	}()

	hub.Close()
	hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after Close")
	}
	assert.Zero(t, hub.Len())
}
