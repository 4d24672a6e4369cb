package coordinator

import (
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/pool"
)

var (
	// ErrNoMatch means the request could not be given a worker.
	ErrNoMatch = errors.New("no worker matches the requested capabilities")
	// ErrRequestExpired is delivered to a queued request that waited too long.
	ErrRequestExpired = errors.New("pending request expired")
)

// Result says how FindWorker resolved a request.
type Result int

const (
	// ResultMatched means a free worker was claimed.
	ResultMatched Result = iota
	// ResultFallback means the request goes to the remote fallback service.
	ResultFallback
	// ResultQueued means the request waits in the pending queue.
	ResultQueued
	// ResultNone means no free worker matched a request that may not queue.
	ResultNone
)

func (r Result) String() string {
	switch r {
	case ResultMatched:
		return "matched"
	case ResultFallback:
		return "fallback"
	case ResultQueued:
		return "queued"
	}
	return "none"
}

// Match is a claimed worker and the capability it was chosen for.
type Match struct {
	Node       pool.Node
	Capability capability.Capability
	Fallback   bool
	// PendingID is set when the match came through the pending queue, or on
	// ResultQueued to identify the queued entry.
	PendingID string
}

// Fallback describes the remote service used when no local worker offers the
// requested capability.
type Fallback struct {
	Addr   pool.Address
	Key    string
	Secret string
}

// Matcher chooses workers for new-session requests.
type Matcher struct {
	pool     pool.NodeStore
	pending  *PendingQueue
	fallback *Fallback
	log      *zap.Logger
}

// NewMatcher creates a matcher. fallback may be nil.
func NewMatcher(store pool.NodeStore, pending *PendingQueue, fallback *Fallback, log *zap.Logger) *Matcher {
	return &Matcher{pool: store, pending: pending, fallback: fallback, log: log.Named("matcher")}
}

// Find returns the first available worker, in list order, with a capability
// satisfying desired. It has no side effects.
func (m *Matcher) Find(desired capability.Capability) (pool.Node, capability.Capability, bool) {
	for _, n := range m.pool.ListAvailable() {
		if c, ok := capability.First(desired, n.Capabilities); ok {
			return n, c, true
		}
	}
	return pool.Node{}, capability.Capability{}, false
}

// Claim finds a matching worker and takes it off the availability list. A
// worker claimed by a concurrent caller between find and take is skipped.
func (m *Matcher) Claim(desired capability.Capability) (Match, bool) {
	for {
		n, c, ok := m.Find(desired)
		if !ok {
			return Match{}, false
		}
		if m.pool.MarkUnavailable(n.Addr) {
			return Match{Node: n, Capability: c}, true
		}
	}
}

// Offered reports whether any registered worker, busy or not, advertises a
// capability satisfying desired.
func (m *Matcher) Offered(desired capability.Capability) bool {
	for _, n := range m.pool.List() {
		if n.Fallback {
			continue
		}
		if _, ok := capability.First(desired, n.Capabilities); ok {
			return true
		}
	}
	return false
}

// FindWorker resolves a new-session request. A free worker is claimed
// immediately. Otherwise the fallback service is used if configured, and the
// request is queued if not; cont later receives the queued request's match.
//
// With blockIfPending the request is already waiting in the queue: only a
// local claim is attempted and ResultNone is returned when it fails.
func (m *Matcher) FindWorker(desired capability.Capability, cont Continuation, blockIfPending bool) (Match, Result) {
	if match, ok := m.Claim(desired); ok {
		m.log.Info("found worker", zap.String("node", match.Node.Addr.String()), zap.Stringer("capability", match.Capability))
		return match, ResultMatched
	}
	if blockIfPending {
		return Match{}, ResultNone
	}

	if m.fallback != nil {
		return m.useFallback(desired), ResultFallback
	}

	if !m.Offered(desired) {
		m.log.Warn("no registered worker offers capability, waiting for one", zap.Stringer("desired", desired))
	}
	p := m.pending.Enqueue(desired, cont)
	return Match{PendingID: p.ID}, ResultQueued
}

func (m *Matcher) useFallback(desired capability.Capability) Match {
	c := desired.With(capability.KeyClientKey, m.fallback.Key).
		With(capability.KeyClientSecret, m.fallback.Secret)
	n := pool.Node{
		Addr:         m.fallback.Addr,
		Capabilities: []capability.Capability{c},
		Fallback:     true,
	}
	m.pool.Register(n)
	if stored, err := m.pool.Get(n.Addr); err == nil {
		n = stored
	}
	m.log.Info("using fallback", zap.String("node", n.Addr.String()))
	return Match{Node: n, Capability: c, Fallback: true}
}

// Release returns a claimed worker to the end of the availability list.
func (m *Matcher) Release(match Match) {
	if match.Fallback || match.Node.Addr == (pool.Address{}) {
		return
	}
	if err := m.pool.MarkAvailable(match.Node.Addr); err != nil {
		m.log.Debug("release skipped", zap.String("node", match.Node.Addr.String()), zap.Error(err))
	}
}

// DrainPending offers every queued request to the pool.
func (m *Matcher) DrainPending() int {
	return m.pending.Drain(func(desired capability.Capability) (Match, bool) {
		match, res := m.FindWorker(desired, nil, true)
		return match, res == ResultMatched
	}, m.Release)
}
