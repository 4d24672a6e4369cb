package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/session"
)

// NewSessionPath is where WebDriver clients ask for a session.
const NewSessionPath = "/wd/hub/session"

var sessionIDPattern = regexp.MustCompile(`(?i)/wd/hub/session/([^/?]+)`)

// ExtractSessionID pulls the session id out of a WebDriver URI or Location header.
func ExtractSessionID(uri string) string {
	m := sessionIDPattern.FindStringSubmatch(uri)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// WebDriver is the JSON/REST dialect.
type WebDriver struct{}

// Dialect reports DialectWebDriver.
func (WebDriver) Dialect() session.Dialect { return session.DialectWebDriver }

// Errorf builds a plain-text 500 reply.
func (WebDriver) Errorf(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg}
}

func requestPath(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// Translate classifies a request under /wd/hub/session. Only DELETE on the
// session resource itself ends the session; DELETE on a sub-resource such as
// a cookie is an ordinary command.
func (t WebDriver) Translate(req *forward.Request) (*Command, error) {
	path := requestPath(req.URI)
	summary := req.Method + ": " + req.URI

	if strings.TrimSuffix(path, "/") == NewSessionPath {
		doc, desired, err := decodeNewSession(req.Body)
		if err != nil {
			return nil, err
		}
		return &Command{
			Kind:    KindNewSession,
			Desired: capability.FromMap(desired),
			Request: req.Clone(),
			Summary: summary + ", " + string(req.Body),
			doc:     doc,
		}, nil
	}

	id := ExtractSessionID(path)
	if id == "" {
		return nil, t.Errorf("Missing sessionId")
	}
	kind := KindCommand
	if req.Method == http.MethodDelete && strings.HasSuffix(strings.TrimSuffix(path, "/"), "/session/"+id) {
		kind = KindEndSession
	}
	return &Command{Kind: kind, SessionID: id, Request: req.Clone(), Summary: summary}, nil
}

func decodeNewSession(body []byte) (map[string]any, map[string]any, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, &Error{Status: http.StatusBadRequest, Message: "Invalid JSON body: " + err.Error()}
	}
	desired, ok := doc["desiredCapabilities"].(map[string]any)
	if !ok {
		return nil, nil, &Error{Status: http.StatusBadRequest, Message: "Missing desiredCapabilities"}
	}
	// version always travels as a string
	for k, v := range desired {
		if strings.EqualFold(k, capability.KeyVersion) && v != nil {
			desired[k] = capability.Stringify(v)
		}
	}
	return doc, desired, nil
}

// Bind sends the requested browser with the matched worker's platform and
// version; other requested attributes pass through unchanged.
func (WebDriver) Bind(cmd *Command, matched capability.Capability) (*forward.Request, error) {
	if cmd.Kind != KindNewSession {
		return cmd.Request, nil
	}
	desired, _ := cmd.doc["desiredCapabilities"].(map[string]any)
	caps := make(map[string]any, len(desired)+3)
	for k, v := range desired {
		switch strings.ToLower(k) {
		case capability.KeyBrowserName, capability.KeyPlatform, capability.KeyVersion:
			continue
		}
		caps[k] = v
	}

	browser := cmd.Desired.BrowserName
	if browser == "" {
		browser = matched.BrowserName
	}
	if browser != "" {
		caps["browserName"] = browser
	}
	if matched.Platform != "" {
		caps[capability.KeyPlatform] = matched.Platform
	}
	if matched.Version != "" {
		caps[capability.KeyVersion] = matched.Version
	}
	for _, k := range []string{capability.KeyClientKey, capability.KeyClientSecret} {
		if v := matched.Get(k); v != "" {
			caps[k] = v
		}
	}

	doc := make(map[string]any, len(cmd.doc))
	for k, v := range cmd.doc {
		doc[k] = v
	}
	doc["desiredCapabilities"] = caps
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := cmd.Request.Clone()
	out.Body = body
	return out, nil
}

// SessionID reads sessionId from the JSON reply (top level or under value),
// falling back to the Location header of a redirect.
func (WebDriver) SessionID(resp *forward.Response) (string, bool) {
	var reply struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err == nil {
		if reply.SessionID != "" {
			return reply.SessionID, true
		}
		if reply.Value.SessionID != "" {
			return reply.Value.SessionID, true
		}
	}
	if resp.Header != nil {
		if id := ExtractSessionID(resp.Header.Get("Location")); id != "" {
			return id, true
		}
	}
	return "", false
}

// EndRequest is DELETE /wd/hub/session/<id>.
func (WebDriver) EndRequest(id string) *forward.Request {
	return &forward.Request{
		Method: http.MethodDelete,
		URI:    NewSessionPath + "/" + id,
		Header: make(http.Header),
	}
}
