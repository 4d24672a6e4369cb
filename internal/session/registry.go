package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/pool"
)

// Config holds the timeout policy.
type Config struct {
	// CheckInterval is how often each session's watcher wakes up.
	CheckInterval time.Duration
	// IdleTimeout applies when the session does not request its own.
	IdleTimeout time.Duration
	// IdleSlack is added to every idle timeout so the worker gets the chance
	// to time out first.
	IdleSlack time.Duration
	// MaxDuration applies when the session does not request its own.
	MaxDuration time.Duration
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		IdleTimeout:   120 * time.Second,
		IdleSlack:     15 * time.Second,
		MaxDuration:   1800 * time.Second,
	}
}

// RemoveFunc is called once for every session that leaves the registry,
// after it has been removed and outside any registry lock.
type RemoveFunc func(s Session, reason Reason)

type entry struct {
	mu      sync.Mutex
	s       Session
	stop    context.CancelFunc
	holds   map[uint64]context.CancelCauseFunc
	nextID  uint64
	removed bool
}

// Registry is the table of active sessions. Each session owns one timeout
// watcher goroutine, stopped exactly once when the session leaves the table.
//
// The table lock is only held to find or delete an entry; mutations of a
// session take that session's own lock, so distinct sessions do not contend.
type Registry struct {
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
	onRemove   RemoveFunc
	nodeExists func(pool.Address) bool

	mu      sync.RWMutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Registry{
		cfg:     cfg,
		log:     log.Named("sessions"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// SetOnRemove installs the cleanup hook. Must be called before sessions are added.
func (r *Registry) SetOnRemove(fn RemoveFunc) {
	r.onRemove = fn
}

// SetNodeExists installs the lookup used to detect orphaned sessions.
func (r *Registry) SetNodeExists(fn func(pool.Address) bool) {
	r.nodeExists = fn
}

// Add registers a session and arms its timeout watcher.
func (r *Registry) Add(s Session) error {
	now := r.now()
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	if s.LastUsed.IsZero() {
		s.LastUsed = now
	}
	s.State = StateCreated

	ctx, stop := context.WithCancel(context.Background())
	e := &entry{s: s.clone(), stop: stop, holds: make(map[uint64]context.CancelCauseFunc)}

	r.mu.Lock()
	if _, exists := r.entries[s.ID]; exists {
		r.mu.Unlock()
		stop()
		return ErrDuplicateSession
	}
	r.entries[s.ID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go r.watch(ctx, s.ID)
	r.log.Info("session added", zap.String("session", s.ID), zap.String("node", s.Node.String()))
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.s.clone(), true
}

// Update applies fn to the stored session under that session's lock.
func (r *Registry) Update(id string, fn func(*Session)) error {
	e := r.lookup(id)
	if e == nil {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrSessionNotFound
	}
	fn(&e.s)
	return nil
}

// Hold attaches an in-flight client request to the session. If the session
// is removed while held, cancel is called with a *TimeoutError or
// ErrSessionEnded as the cause. The returned release must be called when the
// request completes.
func (r *Registry) Hold(id string, cancel context.CancelCauseFunc) (release func(), err error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrSessionNotFound
	}
	e.s.State = StateActive
	e.nextID++
	hid := e.nextID
	e.holds[hid] = cancel
	return func() {
		e.mu.Lock()
		delete(e.holds, hid)
		e.mu.Unlock()
	}, nil
}

// Remove destroys a session. Removing an unknown id is a logged no-op.
func (r *Registry) Remove(id string, reason Reason) bool {
	return r.remove(id, reason, ErrSessionEnded)
}

// RemoveForNode removes every session bound to addr and returns their ids.
func (r *Registry) RemoveForNode(addr pool.Address, reason Reason) []string {
	var ids []string
	for _, s := range r.List() {
		if s.Node == addr {
			ids = append(ids, s.ID)
		}
	}
	removed := ids[:0]
	for _, id := range ids {
		if r.remove(id, reason, ErrSessionEnded) {
			removed = append(removed, id)
		}
	}
	return removed
}

// List returns copies of all active sessions.
func (r *Registry) List() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.s.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops every watcher without removing sessions.
func (r *Registry) Close() {
	r.mu.RLock()
	for _, e := range r.entries {
		e.stop()
	}
	r.mu.RUnlock()
	r.wg.Wait()
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// remove deletes the entry under the table lock; only the caller that
// performs the delete runs the teardown, which keeps destroy idempotent.
func (r *Registry) remove(id string, reason Reason, cause error) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("trying to remove a session that is not active", zap.String("session", id))
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.s.State = reason.state()
	e.stop()
	for hid, cancel := range e.holds {
		cancel(cause)
		delete(e.holds, hid)
	}
	s := e.s.clone()
	e.mu.Unlock()

	r.log.Info("session removed", zap.String("session", id), zap.String("reason", reason.String()))
	if r.onRemove != nil {
		r.onRemove(s, reason)
	}
	return true
}

func (r *Registry) watch(ctx context.Context, id string) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.check(id) {
				return
			}
		}
	}
}

// check returns true once the session is gone.
func (r *Registry) check(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return true
	}

	if r.nodeExists != nil && !r.nodeExists(s.Node) {
		r.log.Warn("session has no node", zap.String("session", id), zap.String("node", s.Node.String()))
		r.remove(id, ReasonOrphaned, ErrSessionEnded)
		return true
	}

	now := r.now()
	idle := now.Sub(s.LastUsed)
	running := now.Sub(s.StartTime)
	idleTimeout, maxDuration := r.timeouts(s.Desired)

	switch {
	case running > maxDuration || idle > maxDuration:
		r.log.Info("session exceeded max duration",
			zap.String("session", id), zap.Duration("max_duration", maxDuration))
		r.remove(id, ReasonTimedOut, &TimeoutError{SessionID: id, Elapsed: running, MaxDuration: true})
		return true
	case idle > idleTimeout:
		r.log.Info("session idle timeout",
			zap.String("session", id), zap.Duration("idle", idle), zap.Duration("timeout", idleTimeout))
		r.remove(id, ReasonTimedOut, &TimeoutError{SessionID: id, Elapsed: idle})
		return true
	}
	return false
}

// MaxTimeoutOverride caps the idletimeout and maxduration a client may ask
// for.
const MaxTimeoutOverride = 24 * time.Hour

// timeouts resolves the effective idle timeout (slack included) and maximum
// duration for a session's requested capabilities.
func (r *Registry) timeouts(desired capability.Capability) (idle, max time.Duration) {
	idle = override(desired, capability.KeyIdleTimeout, r.cfg.IdleTimeout) + r.cfg.IdleSlack
	max = override(desired, capability.KeyMaxDuration, r.cfg.MaxDuration)
	return idle, max
}

// override reads a per-session timeout in seconds. Non-positive values fall
// back to def; large ones are capped at MaxTimeoutOverride.
func override(desired capability.Capability, key string, def time.Duration) time.Duration {
	secs, ok := desired.Seconds(key)
	if !ok || secs <= 0 {
		return def
	}
	if secs > int(MaxTimeoutOverride/time.Second) {
		return MaxTimeoutOverride
	}
	return time.Duration(secs) * time.Second
}
