package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router http.Handler, method, target, body, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestWorkerLegacyDialect runs an RC session start to finish.
func TestWorkerLegacyDialect(t *testing.T) {
	worker := NewWorker(zap.NewNop())
	router := worker.Router()
	const form = "application/x-www-form-urlencoded; charset=utf-8"

	w := serve(router, http.MethodPost, "/selenium-server/driver", "cmd=getNewBrowserSession&1=firefox", form)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Body.String(), "OK,"), w.Body.String())
	id := strings.TrimPrefix(w.Body.String(), "OK,")
	assert.Equal(t, 1, worker.Sessions())

	w = serve(router, http.MethodGet, "/selenium-server/driver?cmd=open&1=http://example.com&sessionId="+id, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	// body parameters win over the query string
	w = serve(router, http.MethodPost, "/selenium-server/driver?sessionId=stale", "cmd=open&sessionId="+id, form)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, http.MethodGet, "/selenium-server/driver?cmd=testComplete&sessionId="+id, "", "")
	assert.Equal(t, "OK", w.Body.String())
	assert.Zero(t, worker.Sessions())

	w = serve(router, http.MethodGet, "/selenium-server/driver?cmd=open&sessionId="+id, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestWorkerWebDriverDialect runs a WebDriver session start to finish.
func TestWorkerWebDriverDialect(t *testing.T) {
	worker := NewWorker(zap.NewNop())
	router := worker.Router()

	w := serve(router, http.MethodPost, "/wd/hub/session", `{"desiredCapabilities":{"browserName":"firefox"}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	var reply struct {
		SessionID string         `json:"sessionId"`
		Value     map[string]any `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	require.NotEmpty(t, reply.SessionID)
	assert.Equal(t, "firefox", reply.Value["browserName"])

	w = serve(router, http.MethodPost, "/wd/hub/session/"+reply.SessionID+"/url", `{"url":"http://example.com"}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(router, http.MethodGet, "/wd/hub/session/"+reply.SessionID+"/element/1/text", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, http.MethodDelete, "/wd/hub/session/"+reply.SessionID, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, worker.Sessions())

	w = serve(router, http.MethodGet, "/wd/hub/session/"+reply.SessionID+"/url", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(router, http.MethodDelete, "/wd/hub/session/"+reply.SessionID, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(router, http.MethodPost, "/wd/hub/session", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodGet, "/wd/hub/status", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
