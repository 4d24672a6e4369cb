package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridhub/internal/pool"
)

const legacyRegistration = `{"class":"org.openqa.grid.common.RegistrationRequest","capabilities":[{"platform":"WINDOWS","seleniumProtocol":"Selenium","browserName":"iexplore","maxInstances":1,"version":"9","alias":"FF9"}],"configuration":{"port":5570,"host":"127.0.0.1","hub":"http://10.0.1.6:4444/grid/register","remoteHost":"http://127.0.0.1:5570","register":true,"maxSession":1,"role":"node","hubPort":4444}}`

// TestRegisterRequestDecode checks a registration as sent by legacy workers.
func TestRegisterRequestDecode(t *testing.T) {
	var req RegisterRequest
	require.NoError(t, json.Unmarshal([]byte(legacyRegistration), &req))

	assert.Equal(t, RegistrationClass, req.Class)
	assert.Equal(t, "http://127.0.0.1:5570", req.RemoteHost())

	addr, caps, err := req.Decode()
	require.NoError(t, err)
	assert.Equal(t, pool.Address{Host: "127.0.0.1", Port: 5570}, addr)
	require.Len(t, caps, 1)
	assert.Equal(t, "iexplore", caps[0].BrowserName)
	assert.Equal(t, "9", caps[0].Version)
	assert.Equal(t, "WINDOWS", caps[0].Platform)
	assert.Equal(t, "Selenium", caps[0].Protocol)
	assert.Equal(t, 1, caps[0].MaxInstances)
	assert.Equal(t, "FF9", caps[0].Get("alias"))
}

// TestRegisterRequestDecodeInvalid covers the registrations answered with 400.
func TestRegisterRequestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing configuration", RegisterRequest{Capabilities: []map[string]any{{"browserName": "firefox"}}}},
		{"missing remote host", RegisterRequest{
			Capabilities:  []map[string]any{{"browserName": "firefox"}},
			Configuration: map[string]any{"port": 5555},
		}},
		{"bad remote host", RegisterRequest{
			Capabilities:  []map[string]any{{"browserName": "firefox"}},
			Configuration: map[string]any{"remoteHost": "http://nohost"},
		}},
		{"no capabilities", RegisterRequest{Configuration: map[string]any{"remoteHost": "http://127.0.0.1:5555"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.req.Decode()
			assert.True(t, errors.Is(err, ErrInvalidRegistration), "got %v", err)
		})
	}
}

// TestNewRegisterRequestRoundTrip checks that a worker's own registration
// decodes on the hub side.
func TestNewRegisterRequestRoundTrip(t *testing.T) {
	req := NewRegisterRequest("http://10.0.0.5:5555", []map[string]any{
		{"browserName": "firefox", "version": "14", "platform": "LINUX"},
	})
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded RegisterRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	addr, caps, err := decoded.Decode()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5555", addr.String())
	assert.Equal(t, "firefox", caps[0].BrowserName)
}

// TestPostJSON tests the PostJSON function with various scenarios.
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		request     any
		out         *ProxyStatus
		expectError bool
		slow        bool
	}{
		{"decodes reply", http.StatusOK, `{"msg":"Proxy found!","success":true}`, map[string]string{"a": "b"}, &ProxyStatus{}, false, false},
		{"plain text reply discarded", http.StatusOK, "OK - Welcome", map[string]string{"a": "b"}, nil, false, false},
		{"bad request", http.StatusBadRequest, "Invalid parameters", map[string]string{"a": "b"}, nil, true, false},
		{"context timeout", http.StatusOK, "", map[string]string{"a": "b"}, nil, true, true},
		{"unmarshalable request", http.StatusOK, "", make(chan int), nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.slow {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.slow {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			var out any
			if tt.out != nil {
				out = tt.out
			}
			err := PostJSON(ctx, server.URL, tt.request, out)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.out != nil {
				assert.True(t, tt.out.Success)
				assert.Equal(t, "Proxy found!", tt.out.Msg)
			}
		})
	}
}

// TestGetJSON tests the GetJSON function with various scenarios.
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expectError bool
	}{
		{"heartbeat reply", http.StatusOK, `{"msg":"Proxy found!","success":true}`, false},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, true},
		{"invalid json", http.StatusOK, `{invalid`, true},
		{"redirect", http.StatusMovedPermanently, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var status ProxyStatus
			err := GetJSON(context.Background(), server.URL, &status)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, status.Success)
		})
	}
}

// TestJSONHelpersInvalidURL tests both helpers against bad targets.
func TestJSONHelpersInvalidURL(t *testing.T) {
	ctx := context.Background()
	var out ProxyStatus

	assert.Error(t, PostJSON(ctx, "://invalid-url", map[string]string{}, nil))
	assert.Error(t, PostJSON(ctx, "http://localhost:99999", map[string]string{}, nil))
	assert.Error(t, GetJSON(ctx, "://invalid-url", &out))
	assert.Error(t, GetJSON(ctx, "http://localhost:99999", &out))
}

// TestHTTPClient tests that the HTTP client has a timeout.
func TestHTTPClient(t *testing.T) {
	assert.Equal(t, 5*time.Second, httpClient.Timeout)
}

// TestGetText covers plain-text replies such as "OK - Bye".
func TestGetText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Invalid parameters"))
			return
		}
		w.Write([]byte("OK - Bye"))
	}))
	defer server.Close()

	body, err := GetText(context.Background(), server.URL+"/grid/unregister?id=http://127.0.0.1:5555")
	require.NoError(t, err)
	assert.Equal(t, "OK - Bye", body)

	body, err = GetText(context.Background(), server.URL+"/grid/unregister")
	assert.Error(t, err)
	assert.Equal(t, "Invalid parameters", body)

	_, err = GetText(context.Background(), "://invalid-url")
	assert.Error(t, err)
}
