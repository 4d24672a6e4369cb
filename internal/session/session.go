package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/pool"
)

// Dialect is the wire protocol a session speaks.
type Dialect string

const (
	// DialectRC is the legacy positional-parameter protocol.
	DialectRC Dialect = "RC"
	// DialectWebDriver is the JSON/REST protocol.
	DialectWebDriver Dialect = "WebDriver"
)

// State is the lifecycle position of a session.
type State string

const (
	// StateCreated is a session the worker has started but no client
	// command has used yet.
	StateCreated State = "created"
	// StateActive is a session that has carried at least one command.
	StateActive State = "active"
	// StateEnded is a session closed by its client.
	StateEnded State = "ended"
	// StateTimedOut is a session the registry expired.
	StateTimedOut State = "timed_out"
	// StateOrphaned is a session whose worker went away.
	StateOrphaned State = "orphaned"
)

// Reason says why a session was removed.
type Reason int

const (
	// ReasonEnded is an explicit end-session from the client.
	ReasonEnded Reason = iota
	// ReasonTimedOut is an idle or max-duration expiry.
	ReasonTimedOut
	// ReasonOrphaned means the bound worker vanished from the pool.
	ReasonOrphaned
	// ReasonNodeRemoved means the worker is being removed and takes its
	// sessions with it.
	ReasonNodeRemoved
)

func (r Reason) String() string {
	switch r {
	case ReasonEnded:
		return "ended"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonOrphaned:
		return "orphaned"
	case ReasonNodeRemoved:
		return "node_removed"
	}
	return "unknown"
}

func (r Reason) state() State {
	switch r {
	case ReasonTimedOut:
		return StateTimedOut
	case ReasonOrphaned, ReasonNodeRemoved:
		return StateOrphaned
	}
	return StateEnded
}

var (
	// ErrSessionNotFound is returned for ids not in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when adding an id that is already active.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrSessionEnded is the cancellation cause delivered to a held client
	// when its session is removed for any reason other than a timeout.
	ErrSessionEnded = errors.New("session ended")
)

// TimeoutError is the cancellation cause delivered to a held client when its
// session expires.
type TimeoutError struct {
	SessionID   string
	Elapsed     time.Duration
	MaxDuration bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] Test has timed out after %d seconds", e.SessionID, int(e.Elapsed.Round(time.Second)/time.Second))
}

// Session is a bound interaction between a client and a worker.
type Session struct {
	ID       string                `json:"sessionId"`
	Dialect  Dialect               `json:"type"`
	Node     pool.Address          `json:"node"`
	Platform string                `json:"platform,omitempty"`
	Desired  capability.Capability `json:"desiredCapabilities"`
	State    State                 `json:"state"`

	StartTime time.Time `json:"startTime"`
	LastUsed  time.Time `json:"lastUsed"`

	LastSentTime     time.Time `json:"lastSentTime"`
	LastSentBody     string    `json:"lastSentBody,omitempty"`
	LastResponseTime time.Time `json:"lastResponseTime"`
	LastResponseBody string    `json:"lastResponseBody,omitempty"`
}

func (s Session) clone() Session {
	out := s
	out.Desired = s.Desired.Clone()
	return out
}
