package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/pool"
)

// Liveness defaults.
const (
	DefaultLivenessInterval = 5 * time.Second
	DefaultNodeTimeout      = 10 * time.Second
)

// LivenessMonitor periodically sweeps the pool for workers that stopped
// sending heartbeats. Workers register and then ping /grid/api/proxy; the hub
// never probes them itself.
// Thread-safe: All methods are safe for concurrent access.
type LivenessMonitor struct {
	onExpired func(addr pool.Address)    // Callback when a worker's heartbeat is too old
	now       func() time.Time           // Clock, replaceable in tests
	ctx       context.Context            // Context for cancellation
	cancel    context.CancelFunc         // Cancel function for shutdown
	log       *zap.Logger                // Component logger
	expired   map[pool.Address]time.Time // When each removed worker was last seen
	interval  time.Duration              // How often to sweep
	timeout   time.Duration              // Maximum heartbeat age
	mu        sync.RWMutex               // Protects expired
	wg        sync.WaitGroup             // Wait group for graceful shutdown
}

// NewLivenessMonitor creates a monitor that sweeps every interval and expires
// workers whose last heartbeat is older than timeout.
//
// Example:
//
//	monitor := NewLivenessMonitor(5*time.Second, 10*time.Second, log)
//	monitor.SetOnExpired(func(addr pool.Address) { hub.RemoveNode(addr) })
//	go monitor.Start(ctx, store.List)
func NewLivenessMonitor(interval, timeout time.Duration, log *zap.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LivenessMonitor{
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		expired:  make(map[pool.Address]time.Time),
		log:      log.Named("liveness"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnExpired sets the callback invoked for every worker whose heartbeat is
// too old. It is typically the hub's node removal, which cascades to the
// worker's sessions.
func (l *LivenessMonitor) SetOnExpired(callback func(addr pool.Address)) {
	l.onExpired = callback
}

// Start runs the sweep loop in the current goroutine until ctx is canceled
// or Stop is called. The first sweep runs immediately.
func (l *LivenessMonitor) Start(ctx context.Context, nodeProvider func() []pool.Node) {
	l.wg.Add(1)
	defer l.wg.Done()

	if ctx == nil {
		ctx = l.ctx
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("liveness monitor started",
		zap.Duration("interval", l.interval), zap.Duration("timeout", l.timeout))

	l.sweep(nodeProvider())

	for {
		select {
		case <-ticker.C:
			l.sweep(nodeProvider())
		case <-ctx.Done():
			l.log.Info("liveness monitor stopping due to context cancellation")
			return
		case <-l.ctx.Done():
			l.log.Info("liveness monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop shuts the monitor down and waits for the loop to exit.
func (l *LivenessMonitor) Stop() {
	l.cancel()
	l.wg.Wait()
	l.log.Info("liveness monitor stopped")
}

// sweep expires every non-fallback worker whose heartbeat is older than the
// timeout and returns their addresses.
func (l *LivenessMonitor) sweep(nodes []pool.Node) []pool.Address {
	now := l.now()
	var expired []pool.Address
	for _, n := range nodes {
		if n.Fallback {
			continue
		}
		if age := now.Sub(n.LastSeen); age > l.timeout {
			l.log.Warn("removing node, no heartbeat",
				zap.String("node", n.Addr.String()), zap.Duration("last_seen", age))
			expired = append(expired, n.Addr)
		}
	}

	l.mu.Lock()
	for _, addr := range expired {
		l.expired[addr] = now
	}
	l.mu.Unlock()

	if l.onExpired != nil {
		for _, addr := range expired {
			l.onExpired(addr)
		}
	}
	return expired
}

// LastExpired returns when addr was last removed for missing heartbeats.
func (l *LivenessMonitor) LastExpired(addr pool.Address) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.expired[addr]
	return t, ok
}
