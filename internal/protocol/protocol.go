// Package protocol translates the two client dialects into normalized
// commands the hub can schedule, and rewrites them for the chosen worker.
package protocol

import (
	"net/url"
	"strings"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/session"
)

// Kind classifies an inbound request.
type Kind int

const (
	KindNewSession Kind = iota
	KindCommand
	KindEndSession
)

func (k Kind) String() string {
	switch k {
	case KindNewSession:
		return "new_session"
	case KindEndSession:
		return "end_session"
	}
	return "command"
}

// Command is a normalized inbound request.
type Command struct {
	Kind Kind
	// SessionID is set for KindCommand and KindEndSession.
	SessionID string
	// Desired is set for KindNewSession.
	Desired capability.Capability
	// Request is what will be sent to the worker.
	Request *forward.Request
	// Summary is a short description kept on the session for diagnostics.
	Summary string

	params url.Values
	doc    map[string]any
}

// Error is a client-facing failure with the status the dialect uses for it.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Response renders the error as a plain-text reply.
func (e *Error) Response() *forward.Response {
	return forward.NewResponse(e.Status, e.Message)
}

// Translator is one dialect.
type Translator interface {
	// Dialect names the protocol.
	Dialect() session.Dialect
	// Translate classifies req. Client errors are returned as *Error.
	Translate(req *forward.Request) (*Command, error)
	// Bind rewrites a new-session command for the capability it matched.
	Bind(cmd *Command, matched capability.Capability) (*forward.Request, error)
	// SessionID extracts the session id from a worker's new-session reply.
	// ok is false when the worker failed to start a session.
	SessionID(resp *forward.Response) (id string, ok bool)
	// Errorf builds an error in this dialect's status convention.
	Errorf(msg string) *Error
	// EndRequest builds the request that ends id on its worker.
	EndRequest(id string) *forward.Request
}

// LegacyPathPrefix routes a request to the legacy dialect.
const LegacyPathPrefix = "/selenium-server/driver"

// Detect picks the dialect for a request URI.
func Detect(uri string) session.Dialect {
	if strings.Contains(uri, LegacyPathPrefix) {
		return session.DialectRC
	}
	return session.DialectWebDriver
}

// For returns the translator for a dialect.
func For(d session.Dialect) Translator {
	if d == session.DialectRC {
		return RC{}
	}
	return WebDriver{}
}

// UnknownSession builds the reply for a session id the registry does not know.
func UnknownSession(tr Translator, id string) *Error {
	return tr.Errorf("Unknown sessionId: " + id)
}
