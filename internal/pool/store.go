package pool

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrNodeNotFound is returned when an address is not registered.
var ErrNodeNotFound = errors.New("node not found")

// NodeStore is pure data access over the worker table and availability list.
// All implementations must be thread-safe for concurrent access.
type NodeStore interface {
	// Register adds a worker, or replaces the capabilities of an existing one
	// and refreshes its last-seen time. Returns true for a new registration.
	Register(n Node) bool

	// Unregister removes a worker. Unknown addresses are a no-op.
	Unregister(addr Address) bool

	// Get returns a copy of the worker at addr.
	Get(addr Address) (Node, error)

	// Update overwrites the stored record for n.Addr.
	Update(n Node) error

	// List returns every registered worker.
	List() []Node

	// Touch refreshes the last-seen time. Returns false for unknown addresses.
	Touch(addr Address) bool

	// MarkAvailable puts a worker back at the end of the availability list.
	MarkAvailable(addr Address) error

	// MarkUnavailable takes a worker out of the availability list. It returns
	// true only for the caller that actually moved it from available to held,
	// so two concurrent claims can never both win the same worker.
	MarkUnavailable(addr Address) bool

	// ListAvailable returns the available workers in list order.
	ListAvailable() []Node

	// Stats returns pool statistics.
	Stats() Stats
}

// Stats contains counts about the pool.
type Stats struct {
	Registered int `json:"registered"`
	Available  int `json:"available"`
}

// MemoryStore implements NodeStore in memory.
// A single mutex covers both the table and the list so the available flag and
// list membership always change together.
type MemoryStore struct {
	mu        sync.Mutex
	nodes     map[Address]*Node
	available []Address
	now       func() time.Time
}

// NewMemoryStore creates an empty pool.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[Address]*Node),
		now:   time.Now,
	}
}

// Register adds n as a free worker, or for a known address replaces its
// capabilities and refreshes LastSeen while keeping its availability. The
// fallback pseudo-worker is stored but never listed as available.
func (m *MemoryStore) Register(n Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.nodes[n.Addr]; ok {
		existing.Capabilities = n.clone().Capabilities
		existing.LastSeen = now
		return false
	}

	stored := n.clone()
	stored.LastSeen = now
	stored.Available = false
	m.nodes[n.Addr] = &stored
	if !stored.Fallback {
		stored.Available = true
		m.available = append(m.available, n.Addr)
	}
	return true
}

// Unregister drops the worker from the table and the availability list.
func (m *MemoryStore) Unregister(addr Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[addr]; !ok {
		return false
	}
	delete(m.nodes, addr)
	m.available = slices.DeleteFunc(m.available, func(a Address) bool { return a == addr })
	return true
}

// Get returns a copy of the worker at addr, or ErrNodeNotFound.
func (m *MemoryStore) Get(addr Address) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[addr]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return n.clone(), nil
}

// Update overwrites the stored record. The available flag is owned by
// MarkAvailable/MarkUnavailable and is not taken from n.
func (m *MemoryStore) Update(n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.nodes[n.Addr]
	if !ok {
		return ErrNodeNotFound
	}
	stored := n.clone()
	stored.Available = existing.Available
	m.nodes[n.Addr] = &stored
	return nil
}

// List returns copies of every registered worker, in no particular order.
func (m *MemoryStore) List() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.clone())
	}
	return out
}

// Touch records a heartbeat. Returns false for unknown addresses.
func (m *MemoryStore) Touch(addr Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[addr]
	if !ok {
		return false
	}
	n.LastSeen = m.now()
	return true
}

// MarkAvailable is a no-op for the fallback pseudo-worker and for workers
// already on the list.
func (m *MemoryStore) MarkAvailable(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[addr]
	if !ok {
		return ErrNodeNotFound
	}
	if n.Fallback || n.Available {
		return nil
	}
	n.Available = true
	n.LastUsed = m.now()
	m.available = append(m.available, addr)
	return nil
}

// MarkUnavailable takes addr off the availability list. It reports false
// when the worker is unknown or already taken, so concurrent callers can use
// it as a claim.
func (m *MemoryStore) MarkUnavailable(addr Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[addr]
	if !ok || !n.Available {
		return false
	}
	n.Available = false
	m.available = slices.DeleteFunc(m.available, func(a Address) bool { return a == addr })
	return true
}

// ListAvailable returns the free workers in the order they became free.
func (m *MemoryStore) ListAvailable() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.available))
	for _, addr := range m.available {
		if n, ok := m.nodes[addr]; ok && n.Available {
			out = append(out, n.clone())
		}
	}
	return out
}

// Stats counts registered and free workers.
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Registered: len(m.nodes), Available: len(m.available)}
}
