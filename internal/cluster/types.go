package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/pool"
)

// RegistrationClass is the class name legacy workers send with a registration.
const RegistrationClass = "org.openqa.grid.common.RegistrationRequest"

// ErrInvalidRegistration is returned for a registration the hub cannot use.
var ErrInvalidRegistration = errors.New("invalid registration")

// RegisterRequest is the body a worker posts to /grid/register.
// Configuration carries many worker settings; the hub only reads remoteHost.
type RegisterRequest struct {
	Class         string           `json:"class,omitempty"`
	Capabilities  []map[string]any `json:"capabilities"`
	Configuration map[string]any   `json:"configuration"`
}

// RemoteHost returns configuration.remoteHost, e.g. "http://10.0.0.5:5555".
func (r RegisterRequest) RemoteHost() string {
	s, _ := r.Configuration["remoteHost"].(string)
	return s
}

// Decode validates the request and returns the worker address and its
// capabilities in advertised order.
func (r RegisterRequest) Decode() (pool.Address, []capability.Capability, error) {
	host := r.RemoteHost()
	if host == "" {
		return pool.Address{}, nil, fmt.Errorf("%w: missing configuration.remoteHost", ErrInvalidRegistration)
	}
	addr, err := pool.ParseAddress(host)
	if err != nil {
		return pool.Address{}, nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if len(r.Capabilities) == 0 {
		return pool.Address{}, nil, fmt.Errorf("%w: no capabilities", ErrInvalidRegistration)
	}
	caps := make([]capability.Capability, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps = append(caps, capability.FromMap(c))
	}
	return addr, caps, nil
}

// NewRegisterRequest builds the registration body for a worker at remoteHost.
func NewRegisterRequest(remoteHost string, caps []map[string]any) RegisterRequest {
	return RegisterRequest{
		Class:        RegistrationClass,
		Capabilities: caps,
		Configuration: map[string]any{
			"remoteHost": remoteHost,
			"register":   true,
			"role":       "node",
			"maxSession": 1,
		},
	}
}

// ProxyStatus is the reply of /grid/api/proxy, which doubles as the worker
// heartbeat.
type ProxyStatus struct {
	Msg     string `json:"msg"`
	Success bool   `json:"success"`
}

// httpClient is used by the JSON helpers.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON to url and decodes the JSON reply into out.
// A nil out discards the reply. Statuses of 300 and above are errors.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetText fetches url and returns the reply body as text. The hub answers
// unregistration in plain text.
func GetText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return string(body), fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return string(body), nil
}
