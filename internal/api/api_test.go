package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/cluster"
	"github.com/dreamware/gridhub/internal/config"
	"github.com/dreamware/gridhub/internal/coordinator"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/pool"
	"github.com/dreamware/gridhub/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	hub    *coordinator.Hub
	cfg    *config.Config
	router *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	log := zap.NewNop()
	hub := coordinator.NewHub(coordinator.Options{
		Store:            pool.NewMemoryStore(),
		Sessions:         session.NewRegistry(session.DefaultConfig(), log),
		Forwarder:        forward.New(nil, forward.FixedDelay(0, 0), log),
		NewSessionPolicy: forward.FixedDelay(0, 0),
		Log:              log,
	})
	t.Cleanup(hub.Close)
	return &testAPI{hub: hub, cfg: cfg, router: NewRouter(NewAPI(hub, cfg, log))}
}

func (a *testAPI) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// newWorker starts a minimal WebDriver worker and returns its URL.
func newWorker(t *testing.T) string {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && r.URL.Path == "/wd/hub/session" {
			fmt.Fprintf(w, `{"sessionId":"s%d","status":0}`, n.Add(1))
			return
		}
		fmt.Fprint(w, `{"status":0}`)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func registration(t *testing.T, remoteHost string) []byte {
	t.Helper()
	body, err := json.Marshal(cluster.NewRegisterRequest(remoteHost, []map[string]any{
		{"browserName": "firefox", "version": "14", "platform": "LINUX", "seleniumProtocol": "WebDriver", "maxInstances": 1},
	}))
	require.NoError(t, err)
	return body
}

// TestRegisterHandler covers POST /grid/register.
func TestRegisterHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "legacy worker",
			body:       `{"class":"org.openqa.grid.common.RegistrationRequest","capabilities":[{"platform":"WINDOWS","seleniumProtocol":"Selenium","browserName":"iexplore","maxInstances":1,"version":"9"}],"configuration":{"remoteHost":"http://127.0.0.1:5570","port":5570}}`,
			wantStatus: http.StatusOK,
			wantBody:   "OK - Welcome",
		},
		{
			name:       "malformed json",
			body:       `{"capabilities":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   msgInvalidParameters,
		},
		{
			name:       "missing remote host",
			body:       `{"capabilities":[{"browserName":"firefox"}],"configuration":{}}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   msgInvalidParameters,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			w := api.do(http.MethodPost, "/grid/register", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

// TestRegisterTwiceKeepsOneNode checks that a re-registration replaces the
// existing entry.
func TestRegisterTwiceKeepsOneNode(t *testing.T) {
	api := newTestAPI(t)
	body := registration(t, "http://127.0.0.1:5555")

	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/grid/register", body).Code)
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/grid/register", body).Code)
	assert.Len(t, api.hub.Nodes(), 1)
}

// TestUnregisterHandler covers GET /grid/unregister.
func TestUnregisterHandler(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusOK,
		api.do(http.MethodPost, "/grid/register", registration(t, "http://127.0.0.1:5555")).Code)

	w := api.do(http.MethodGet, "/grid/unregister", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodGet, "/grid/unregister?id=http://127.0.0.1:5555", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK - Bye", w.Body.String())
	assert.Empty(t, api.hub.Nodes())
}

// TestProxyStatusHandler covers the heartbeat endpoint, which answers 200
// whether or not the worker is known.
func TestProxyStatusHandler(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/grid/api/proxy?id=http://127.0.0.1:5555", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status cluster.ProxyStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Success)
	assert.Equal(t, "Cannot find proxy with ID=http://127.0.0.1:5555 in the registry.", status.Msg)

	require.Equal(t, http.StatusOK,
		api.do(http.MethodPost, "/grid/register", registration(t, "http://127.0.0.1:5555")).Code)

	w = api.do(http.MethodGet, "/grid/api/proxy?id=http://127.0.0.1:5555", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Success)
	assert.Equal(t, "Proxy found!", status.Msg)
}

type expiries map[pool.Address]time.Time

func (e expiries) LastExpired(addr pool.Address) (time.Time, bool) {
	at, ok := e[addr]
	return at, ok
}

func TestProxyStatusReportsExpiry(t *testing.T) {
	api := newTestAPI(t)
	addr, err := pool.ParseAddress("http://127.0.0.1:5555")
	require.NoError(t, err)

	handlers := NewAPI(api.hub, api.cfg, zap.NewNop())
	handlers.SetExpiryLog(expiries{addr: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)})
	api.router = NewRouter(handlers)

	w := api.do(http.MethodGet, "/grid/api/proxy?id=http://127.0.0.1:5555", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status cluster.ProxyStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Success)
	assert.Equal(t, "Cannot find proxy with ID=http://127.0.0.1:5555 in the registry. "+
		"Removed at 2024-03-01T12:00:00Z after missing heartbeats.", status.Msg)

	w = api.do(http.MethodGet, "/grid/api/proxy?id=http://127.0.0.1:6666", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "Cannot find proxy with ID=http://127.0.0.1:6666 in the registry.", status.Msg)
}

// TestHubStatusHandler covers GET /grid/api/hub.
func TestHubStatusHandler(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/grid/api/hub", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.EqualValues(t, 4444, doc["port"])

	path := filepath.Join(t.TempDir(), "hub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"role":"hub"}`), 0o600))
	api.cfg.Hub.ConfigFile = path
	w = api.do(http.MethodGet, "/grid/api/hub", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"role":"hub"}`, w.Body.String())

	api.cfg.Hub.ConfigFile = filepath.Join(t.TempDir(), "missing.json")
	w = api.do(http.MethodGet, "/grid/api/hub", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

// TestWelcomeAndInvalidEndpoint covers the root page and unknown paths.
func TestWelcomeAndInvalidEndpoint(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Grid Hub")

	for _, target := range []string{"/nothing", "/wd/hub/status", "/selenium-server/other"} {
		w = api.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Equal(t, msgInvalidEndpoint, w.Body.String(), target)
	}
}

// TestDispatchRoundTrip drives a WebDriver session through the router.
func TestDispatchRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	worker := newWorker(t)
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/grid/register", registration(t, worker)).Code)

	w := api.do(http.MethodPost, "/wd/hub/session", []byte(`{"desiredCapabilities":{"browserName":"firefox"}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	require.NotEmpty(t, reply.SessionID)

	w = api.do(http.MethodGet, "/grid/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), reply.SessionID)

	w = api.do(http.MethodPost, "/wd/hub/session/"+reply.SessionID+"/url", []byte(`{"url":"http://example.com"}`))
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodDelete, "/wd/hub/session/"+reply.SessionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, api.hub.Sessions())

	addr, err := pool.ParseAddress(worker)
	require.NoError(t, err)
	var available bool
	for _, n := range api.hub.Nodes() {
		if n.Addr == addr {
			available = n.Available
		}
	}
	assert.True(t, available, "worker should be free again")
}

// TestDispatchUnknownSession checks the per-dialect error replies.
func TestDispatchUnknownSession(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/wd/hub/session/nope/url", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = api.do(http.MethodGet, "/selenium-server/driver?cmd=open&sessionId=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Unknown sessionId"), w.Body.String())
}
