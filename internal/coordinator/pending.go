package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridhub/internal/capability"
)

// DefaultPendingMaxAge is how long a queued new-session request may wait for
// a worker before it is dropped.
const DefaultPendingMaxAge = 600 * time.Second

// Continuation receives the outcome of a queued request: the claimed match,
// or ErrRequestExpired when the request went stale.
type Continuation func(m Match, err error)

// PendingRequest is a new-session request waiting for a free worker.
type PendingRequest struct {
	ID      string                `json:"id"`
	Desired capability.Capability `json:"desiredCapabilities"`
	Since   time.Time             `json:"since"`

	cont Continuation
}

// PendingQueue holds new-session requests in arrival order.
//
// Each entry is handed to its continuation at most once: whichever of Drain
// and Cancel removes the entry first owns it.
type PendingQueue struct {
	mu      sync.Mutex
	entries []*PendingRequest

	// drainMu serializes drain passes.
	drainMu sync.Mutex

	maxAge time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewPendingQueue creates an empty queue. Entries older than maxAge are
// expired on the next drain.
func NewPendingQueue(maxAge time.Duration, log *zap.Logger) *PendingQueue {
	if maxAge <= 0 {
		maxAge = DefaultPendingMaxAge
	}
	return &PendingQueue{
		maxAge: maxAge,
		now:    time.Now,
		log:    log.Named("pending"),
	}
}

// Enqueue appends a request and returns its entry.
func (q *PendingQueue) Enqueue(desired capability.Capability, cont Continuation) *PendingRequest {
	p := &PendingRequest{
		ID:      uuid.NewString(),
		Desired: desired.Clone(),
		Since:   q.now(),
		cont:    cont,
	}
	q.mu.Lock()
	q.entries = append(q.entries, p)
	n := len(q.entries)
	q.mu.Unlock()

	q.log.Info("request queued", zap.String("id", p.ID), zap.Stringer("desired", desired), zap.Int("pending", n))
	return p
}

// Cancel withdraws a request. It returns false when the entry is already
// gone, in which case its continuation has run or is about to.
func (q *PendingQueue) Cancel(id string) bool {
	if q.take(id) {
		q.log.Info("request withdrawn", zap.String("id", id))
		return true
	}
	return false
}

// Len returns the number of waiting requests.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// List returns a snapshot of the waiting requests in arrival order.
func (q *PendingQueue) List() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingRequest, 0, len(q.entries))
	for _, p := range q.entries {
		out = append(out, PendingRequest{ID: p.ID, Desired: p.Desired.Clone(), Since: p.Since})
	}
	return out
}

// Drain walks the queue in order. Stale entries are expired; every other
// entry is offered to claim, and on success handed to its continuation. If the
// entry was withdrawn while claim ran, the match is given back via release.
// Unmatched entries stay queued for the next pass. Returns the number of
// requests dispatched.
func (q *PendingQueue) Drain(claim func(capability.Capability) (Match, bool), release func(Match)) int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	snapshot := slices.Clone(q.entries)
	q.mu.Unlock()

	matched := 0
	for _, p := range snapshot {
		if age := q.now().Sub(p.Since); age > q.maxAge {
			if q.take(p.ID) {
				q.log.Warn("dropping stale request", zap.String("id", p.ID), zap.Duration("age", age))
				p.cont(Match{}, ErrRequestExpired)
			}
			continue
		}

		m, ok := claim(p.Desired)
		if !ok {
			continue
		}
		if !q.take(p.ID) {
			release(m)
			continue
		}
		m.PendingID = p.ID
		matched++
		q.log.Info("queued request matched", zap.String("id", p.ID), zap.String("node", m.Node.Addr.String()))
		p.cont(m, nil)
	}
	return matched
}

func (q *PendingQueue) take(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.entries, func(p *PendingRequest) bool { return p.ID == id })
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	return true
}
