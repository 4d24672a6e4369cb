package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/api"
	"github.com/dreamware/gridhub/internal/cluster"
	"github.com/dreamware/gridhub/internal/config"
	"github.com/dreamware/gridhub/internal/coordinator"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/pool"
	"github.com/dreamware/gridhub/internal/session"
	"github.com/dreamware/gridhub/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestSystem is a hub and its workers, all served in-process over real HTTP.
type TestSystem struct {
	t          *testing.T
	hub        *coordinator.Hub
	hubURL     string
	httpClient *http.Client
}

// NewTestSystem starts a hub whose session timeouts come from sessions.
func NewTestSystem(t *testing.T, sessions session.Config) *TestSystem {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	log := zap.NewNop()
	hub := coordinator.NewHub(coordinator.Options{
		Store:            pool.NewMemoryStore(),
		Sessions:         session.NewRegistry(sessions, log),
		Forwarder:        forward.New(nil, forward.FixedDelay(2, 10*time.Millisecond), log),
		Pending:          coordinator.NewPendingQueue(time.Minute, log),
		NewSessionPolicy: forward.FixedDelay(1, 10*time.Millisecond),
		EndSessionPolicy: forward.FixedDelay(1, 10*time.Millisecond),
		Log:              log,
	})
	srv := httptest.NewServer(api.NewRouter(api.NewAPI(hub, cfg, log)))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &TestSystem{t: t, hub: hub, hubURL: srv.URL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func defaultSessions() session.Config {
	return session.Config{CheckInterval: 10 * time.Millisecond, IdleTimeout: time.Minute, MaxDuration: time.Hour}
}

// AddWorker starts a stub worker and registers it with the hub.
func (ts *TestSystem) AddWorker(caps ...map[string]any) (*worker.Worker, pool.Address) {
	ts.t.Helper()
	w := worker.NewWorker(zap.NewNop())
	srv := httptest.NewServer(w.Router())
	ts.t.Cleanup(srv.Close)
	ts.register(srv.URL, caps...)
	addr, err := pool.ParseAddress(srv.URL)
	require.NoError(ts.t, err)
	return w, addr
}

func (ts *TestSystem) register(remoteHost string, caps ...map[string]any) {
	ts.t.Helper()
	if len(caps) == 0 {
		caps = []map[string]any{{"browserName": "firefox", "version": "14", "platform": "WINDOWS", "seleniumProtocol": "WebDriver", "maxInstances": 1}}
	}
	err := cluster.PostJSON(context.Background(), ts.hubURL+"/grid/register", cluster.NewRegisterRequest(remoteHost, caps), nil)
	require.NoError(ts.t, err)
}

func (ts *TestSystem) do(method, path, body string) (int, string) {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.hubURL+path, strings.NewReader(body))
	require.NoError(ts.t, err)
	resp, err := ts.httpClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, string(data)
}

func (ts *TestSystem) newWebDriverSession(desired string) string {
	ts.t.Helper()
	status, body := ts.do(http.MethodPost, "/wd/hub/session", `{"desiredCapabilities":`+desired+`}`)
	require.Equal(ts.t, http.StatusOK, status, body)
	var reply struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(ts.t, json.Unmarshal([]byte(body), &reply))
	require.NotEmpty(ts.t, reply.SessionID)
	return reply.SessionID
}

func (ts *TestSystem) available(addr pool.Address) bool {
	for _, n := range ts.hub.Nodes() {
		if n.Addr == addr {
			return n.Available
		}
	}
	return false
}

// TestWebDriverRoundTrip registers a worker, runs a session and checks that
// the pool and session tables end where they began.
func TestWebDriverRoundTrip(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())
	w, addr := ts.AddWorker()
	require.True(t, ts.available(addr))

	id := ts.newWebDriverSession(`{"browserName":"FIREFOX","version":14,"platform":"windows","cherries":"ontop"}`)
	assert.False(t, ts.available(addr), "busy worker must leave the availability list")
	assert.Equal(t, 1, w.Sessions())

	var lastUsed time.Time
	for i := 0; i < 3; i++ {
		status, body := ts.do(http.MethodPost, "/wd/hub/session/"+id+"/url", `{"url":"http://example.com"}`)
		require.Equal(t, http.StatusOK, status, body)
		s := ts.hub.Sessions()
		require.Len(t, s, 1)
		assert.False(t, s[0].LastUsed.Before(lastUsed))
		lastUsed = s[0].LastUsed
	}

	status, _ := ts.do(http.MethodDelete, "/wd/hub/session/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, ts.hub.Sessions())
	assert.True(t, ts.available(addr))
	assert.Len(t, ts.hub.Nodes(), 1)
	assert.Zero(t, w.Sessions())
}

// TestLegacyRoundTrip runs the same cycle in the RC dialect.
func TestLegacyRoundTrip(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())
	_, addr := ts.AddWorker(map[string]any{"browserName": "firefox", "platform": "LINUX", "seleniumProtocol": "Selenium"})

	status, body := ts.do(http.MethodGet, "/selenium-server/driver?cmd=getNewBrowserSession&1=firefox&2=http://example.com", "")
	require.Equal(t, http.StatusOK, status, body)
	require.True(t, strings.HasPrefix(body, "OK,"), body)
	id := strings.TrimPrefix(body, "OK,")
	assert.False(t, ts.available(addr))

	status, body = ts.do(http.MethodPost, "/selenium-server/driver",
		url.Values{"cmd": {"open"}, "1": {"/"}, "sessionId": {id}}.Encode())
	assert.Equal(t, http.StatusOK, status, body)

	status, _ = ts.do(http.MethodGet, "/selenium-server/driver?cmd=testComplete&sessionId="+id, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, ts.hub.Sessions())
	assert.True(t, ts.available(addr))

	status, body = ts.do(http.MethodGet, "/selenium-server/driver?cmd=testComplete&sessionId="+id, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Unknown sessionId: "+id, body)
}

// TestEndSessionTwice checks that the second end reports an unknown session.
func TestEndSessionTwice(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())
	ts.AddWorker()
	id := ts.newWebDriverSession(`{"browserName":"firefox"}`)

	status, _ := ts.do(http.MethodDelete, "/wd/hub/session/"+id, "")
	assert.Equal(t, http.StatusOK, status)

	status, body := ts.do(http.MethodDelete, "/wd/hub/session/"+id, "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "Unknown sessionId")
}

// TestRegisterTwice checks that a re-registration keeps a single entry.
func TestRegisterTwice(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())
	ts.register("http://127.0.0.1:5555")
	ts.register("http://127.0.0.1:5555", map[string]any{"browserName": "chrome"})

	nodes := ts.hub.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "chrome", nodes[0].Capabilities[0].BrowserName)
}

// TestQueuedUntilWorkerRegisters checks that a request nobody can serve waits
// and is served once a suitable worker joins.
func TestQueuedUntilWorkerRegisters(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())

	type reply struct {
		status int
		body   string
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := ts.httpClient.Post(ts.hubURL+"/wd/hub/session", "application/json",
			bytes.NewBufferString(`{"desiredCapabilities":{"browserName":"firefox"}}`))
		if err != nil {
			done <- reply{body: err.Error()}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		done <- reply{resp.StatusCode, string(b)}
	}()

	require.Eventually(t, func() bool { return len(ts.hub.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ts.AddWorker()

	select {
	case r := <-done:
		assert.Equal(t, http.StatusOK, r.status, r.body)
		assert.Contains(t, r.body, "sessionId")
	case <-time.After(5 * time.Second):
		t.Fatal("queued request was not served")
	}
	assert.Empty(t, ts.hub.Pending())
	assert.Len(t, ts.hub.Sessions(), 1)
}

// TestIdleSessionIsReaped checks that an idle session is destroyed and its
// worker freed.
func TestIdleSessionIsReaped(t *testing.T) {
	ts := NewTestSystem(t, session.Config{
		CheckInterval: 10 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
		MaxDuration:   time.Hour,
	})
	w, addr := ts.AddWorker()
	ts.newWebDriverSession(`{"browserName":"firefox"}`)
	require.False(t, ts.available(addr))

	assert.Eventually(t, func() bool {
		return len(ts.hub.Sessions()) == 0 && ts.available(addr)
	}, 2*time.Second, 10*time.Millisecond)
	// the worker is told to end its side of the session
	assert.Eventually(t, func() bool { return w.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestUnreachableWorkerIsRemoved registers an address nobody listens on
// ahead of a live worker. The new session lands on the live one.
func TestUnreachableWorkerIsRemoved(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ts.register("http://127.0.0.1:" + strconv.Itoa(port))
	w, addr := ts.AddWorker()
	require.Len(t, ts.hub.Nodes(), 2)

	id := ts.newWebDriverSession(`{"browserName":"firefox"}`)
	assert.Equal(t, 1, w.Sessions())

	nodes := ts.hub.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, addr, nodes[0].Addr)

	sessions := ts.hub.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, addr, sessions[0].Node)
}

// TestHeartbeatAndUnregister walks a worker through the grid endpoints.
func TestHeartbeatAndUnregister(t *testing.T) {
	ts := NewTestSystem(t, defaultSessions())
	_, addr := ts.AddWorker()
	id := url.QueryEscape("http://" + addr.String())

	var status cluster.ProxyStatus
	require.NoError(t, cluster.GetJSON(context.Background(), ts.hubURL+"/grid/api/proxy?id="+id, &status))
	assert.True(t, status.Success)

	reply, err := cluster.GetText(context.Background(), ts.hubURL+"/grid/unregister?id="+id)
	require.NoError(t, err)
	assert.Equal(t, "OK - Bye", reply)
	assert.Empty(t, ts.hub.Nodes())

	require.NoError(t, cluster.GetJSON(context.Background(), ts.hubURL+"/grid/api/proxy?id="+id, &status))
	assert.False(t, status.Success)
}
