package protocol

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/session"
)

// Legacy commands that change session state.
const (
	rcNewSession = "getNewBrowserSession"
	rcEndSession = "testComplete"
)

// rcBrowsers are browser strings the legacy workers understand as-is. Any
// other requested browser gets its request rewritten with explicit
// capabilities in parameter 4.
var rcBrowsers = map[string]bool{
	"any": true, "chrome": true, "googlechrome": true, "firefox": true,
	"iexplore": true, "safari": true, "opera": true,
}

// RC is the legacy positional-parameter dialect.
type RC struct{}

// Dialect reports DialectRC.
func (RC) Dialect() session.Dialect { return session.DialectRC }

// Errorf builds a plain-text 404 reply, as legacy clients expect.
func (RC) Errorf(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Message: msg}
}

// rcParams merges query and form body; body values win.
func rcParams(req *forward.Request) url.Values {
	params := url.Values{}
	if i := strings.IndexByte(req.URI, '?'); i >= 0 {
		q, _ := url.ParseQuery(req.URI[i+1:])
		for k, v := range q {
			params[k] = v
		}
	}
	if len(req.Body) > 0 {
		b, _ := url.ParseQuery(string(req.Body))
		for k, v := range b {
			params[k] = v
		}
	}
	return params
}

// Translate classifies a legacy request by its cmd parameter:
// getNewBrowserSession starts a session, testComplete ends one, anything
// else is a command for the session named by sessionId.
func (t RC) Translate(req *forward.Request) (*Command, error) {
	params := rcParams(req)
	summary := fmt.Sprintf("%s, %s", req.URI, params.Encode())

	if params.Get("cmd") == rcNewSession {
		desired := make(map[string]string)
		if b := params.Get("1"); b != "" {
			desired[capability.KeyBrowserName] = b
		}
		if extra, ok := params["4"]; ok && len(extra) > 0 {
			for _, pair := range strings.Split(extra[0], ";") {
				kv := strings.Split(pair, "=")
				if len(kv) == 2 {
					desired[kv[0]] = kv[1]
				}
			}
		}
		cmd := &Command{
			Kind:    KindNewSession,
			Desired: capability.FromStrings(desired),
			Request: req.Clone(),
			Summary: summary,
			params:  params,
		}
		if !rcBrowsers[params.Get("1")] {
			t.rewrite(cmd, capability.Capability{})
		}
		return cmd, nil
	}

	id := params.Get("sessionId")
	if id == "" {
		return nil, t.Errorf("Missing sessionId")
	}
	kind := KindCommand
	if params.Get("cmd") == rcEndSession {
		kind = KindEndSession
	}
	return &Command{Kind: kind, SessionID: id, Request: req.Clone(), Summary: summary, params: params}, nil
}

// rewrite rebuilds the request from the merged parameters, synthesising
// parameter 4 from the capabilities when the client sent none, and adding
// any fallback credential.
func (RC) rewrite(cmd *Command, matched capability.Capability) {
	p := url.Values{}
	for k, v := range cmd.params {
		p[k] = append([]string(nil), v...)
	}
	if cmd.Desired.BrowserName != "" {
		p.Set("1", cmd.Desired.BrowserName)
	}
	if _, ok := p["4"]; !ok {
		var b strings.Builder
		for _, kv := range cmd.Desired.Pairs() {
			b.WriteString(kv[0] + "=" + kv[1] + ";")
		}
		p.Set("4", b.String())
	}
	for _, k := range []string{capability.KeyClientKey, capability.KeyClientSecret} {
		if v := matched.Get(k); v != "" {
			p.Set(k, v)
		}
	}

	body := p.Encode()
	cmd.params = p
	cmd.Request.Body = []byte(body)
	cmd.Request.URI = LegacyPathPrefix + "/?" + body
}

// Bind returns the request to send for cmd. A new session matched to the
// fallback service is rewritten to carry its credentials.
func (t RC) Bind(cmd *Command, matched capability.Capability) (*forward.Request, error) {
	if cmd.Kind != KindNewSession {
		return cmd.Request, nil
	}
	if matched.Get(capability.KeyClientKey) != "" {
		t.rewrite(cmd, matched)
	}
	return cmd.Request.Clone(), nil
}

// SessionID reads "OK,<id>".
func (RC) SessionID(resp *forward.Response) (string, bool) {
	body := resp.Text()
	if !strings.HasPrefix(body, "OK") {
		return "", false
	}
	parts := strings.Split(body, ",")
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// EndRequest is a testComplete command for id.
func (RC) EndRequest(id string) *forward.Request {
	q := url.Values{"cmd": {rcEndSession}, "sessionId": {id}}
	return &forward.Request{
		Method: http.MethodPost,
		URI:    LegacyPathPrefix + "?" + q.Encode(),
		Header: make(http.Header),
	}
}
