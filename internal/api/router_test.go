package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"famlink/internal/bridge"
	"famlink/internal/bridge/wstransport"
	"famlink/internal/core"
	"famlink/internal/engine"
	"famlink/internal/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

// mockEngine serves canned grant state
type mockEngine struct {
	records  []core.GrantRecord
	queryErr error
}

func (m *mockEngine) Records(childUserID string) []core.GrantRecord {
	var out []core.GrantRecord
	for _, r := range m.records {
		if r.Grant.ChildUserID == childUserID {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockEngine) EnforcedGrant(childUserID string) (string, bool) {
	for _, r := range m.records {
		if r.Grant.ChildUserID == childUserID && r.State == core.StateActive {
			return r.Grant.ID, true
		}
	}
	return "", false
}

func (m *mockEngine) Query(ctx context.Context, childUserID string) (engine.QueryResult, error) {
	if m.queryErr != nil {
		return engine.QueryResult{}, m.queryErr
	}
	return engine.QueryResult{ChildUserID: childUserID, RemainingMinutes: 12, ActiveGrants: 1, Authorized: true}, nil
}

// mockCoordinator records app state changes
type mockCoordinator struct {
	mu     sync.Mutex
	states []lifecycle.AppState
	err    error
}

func (m *mockCoordinator) SetAppState(ctx context.Context, s lifecycle.AppState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
	return m.err
}

func (m *mockCoordinator) Status() lifecycle.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := lifecycle.Status{AppState: lifecycle.Background}
	if n := len(m.states); n > 0 {
		st.AppState = m.states[n-1]
	}
	return st
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRouter(eng *mockEngine, coord *mockCoordinator, endpoint *bridge.Endpoint) http.Handler {
	return NewRouter(RouterConfig{
		Engine:      eng,
		Coordinator: coord,
		Endpoint:    endpoint,
		APIKey:      testKey,
		Version:     "test",
		Logger:      testLogger(),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Famlink-Key", testKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	h := newTestRouter(&mockEngine{}, &mockCoordinator{}, nil)

	w := do(t, h, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "famlink", body["service"])
}

func TestRouter_RequiresKey(t *testing.T) {
	h := newTestRouter(&mockEngine{}, &mockCoordinator{}, nil)

	w := do(t, h, http.MethodGet, "/v1/children/kid/grants", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = do(t, h, http.MethodGet, "/v1/children/kid/grants?key="+testKey, "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ListGrants(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	eng := &mockEngine{records: []core.GrantRecord{
		{Grant: core.Grant{ID: "g1", ChildUserID: "kid", GrantedMinutes: 30, UsedMinutes: 10, GrantedAt: at, ExpiresAt: at.Add(30 * time.Minute), Status: core.GrantStatusActive}, State: core.StateActive},
		{Grant: core.Grant{ID: "g0", ChildUserID: "kid", GrantedMinutes: 15, GrantedAt: at, Status: core.GrantStatusRevoked}, State: core.StateRevoked},
		{Grant: core.Grant{ID: "x", ChildUserID: "other", GrantedAt: at}, State: core.StateActive},
	}}
	h := newTestRouter(eng, &mockCoordinator{}, nil)

	w := do(t, h, http.MethodGet, "/v1/children/kid/grants", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ChildID string           `json:"child_id"`
		Grants  []map[string]any `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "kid", body.ChildID)
	require.Len(t, body.Grants, 2)
	assert.Equal(t, "g1", body.Grants[0]["grant_id"])
	assert.Equal(t, true, body.Grants[0]["enforced"])
	assert.Equal(t, float64(20), body.Grants[0]["remaining_minutes"])
	assert.Equal(t, "2026-05-01T09:30:00Z", body.Grants[0]["expires_at"])
	assert.Equal(t, false, body.Grants[1]["enforced"])
	assert.NotContains(t, body.Grants[1], "expires_at")
}

func TestRouter_GetEnforcement(t *testing.T) {
	eng := &mockEngine{}
	h := newTestRouter(eng, &mockCoordinator{}, nil)

	w := do(t, h, http.MethodGet, "/v1/children/kid/enforcement", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"childUserId":"kid","remainingMinutes":12,"activeGrants":1,"authorized":true}`, w.Body.String())

	eng.queryErr = errors.New("native down")
	w = do(t, h, http.MethodGet, "/v1/children/kid/enforcement", "", true)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "ENFORCEMENT_ERROR")
}

func TestRouter_AppState(t *testing.T) {
	coord := &mockCoordinator{}
	h := newTestRouter(&mockEngine{}, coord, nil)

	w := do(t, h, http.MethodPost, "/v1/lifecycle/app-state", `{"state":"active"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []lifecycle.AppState{lifecycle.Foreground}, coord.states)
	assert.Contains(t, w.Body.String(), `"appState":"foreground"`)

	w = do(t, h, http.MethodPost, "/v1/lifecycle/app-state", `{"state":"sleeping"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STATE")

	w = do(t, h, http.MethodPost, "/v1/lifecycle/app-state", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	coord.err = errors.New("offline")
	w = do(t, h, http.MethodPost, "/v1/lifecycle/app-state", `{"state":"foreground"}`, true)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = do(t, h, http.MethodGet, "/v1/lifecycle", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ContentType(t *testing.T) {
	h := newTestRouter(&mockEngine{}, &mockCoordinator{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/lifecycle/app-state", strings.NewReader(`{"state":"active"}`))
	req.Header.Set("X-Famlink-Key", testKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestRouter_BridgeWebsocket(t *testing.T) {
	hostEnd := bridge.NewEndpoint(bridge.Config{Name: "host", Timeout: 2 * time.Second}, nil, testLogger())
	defer hostEnd.Close()
	require.NoError(t, hostEnd.HandleFunc(bridge.TypeDeviceInfoRequest, func(ctx context.Context, msg bridge.Message) (any, error) {
		return map[string]string{"name": "desk"}, nil
	}))

	srv := httptest.NewServer(newTestRouter(&mockEngine{}, &mockCoordinator{}, hostEnd))
	defer srv.Close()

	// Short timeout: a request racing the server-side attach is retried.
	web := bridge.NewEndpoint(bridge.Config{Name: "web", Timeout: 200 * time.Millisecond}, nil, testLogger())
	defer web.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge?key=" + testKey
	conn, err := wstransport.Dial(ctx, url, web, testLogger())
	require.NoError(t, err)
	go func() { _ = conn.Run(ctx) }()

	var raw json.RawMessage
	require.Eventually(t, func() bool {
		raw, err = web.Send(ctx, bridge.TypeDeviceInfoRequest, nil)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"name":"desk"}`, string(raw))
}

func TestRouter_BridgeRequiresKey(t *testing.T) {
	hostEnd := bridge.NewEndpoint(bridge.Config{Name: "host"}, nil, testLogger())
	defer hostEnd.Close()
	h := newTestRouter(&mockEngine{}, &mockCoordinator{}, hostEnd)

	w := do(t, h, http.MethodGet, "/bridge", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
