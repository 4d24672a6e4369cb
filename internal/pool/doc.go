// Package pool holds the table of registered workers and the ordered list of
// the ones currently free to take a session.
//
// # Overview
//
// Every worker that registers with the hub becomes a Node keyed by its
// Address. A node is either on the availability list, waiting for a session,
// or off it while a session runs. The list keeps the order in which workers
// became free so the longest-idle worker is matched first.
//
//	┌────────────────────────────────────┐
//	│            MemoryStore             │
//	├────────────────────────────────────┤
//	│  nodes:     Address → *Node        │
//	│  available: [Address, Address ...] │
//	└────────────────────────────────────┘
//	        ▲                  │
//	        │ MarkAvailable    │ MarkUnavailable
//	        │ (release)        ▼ (claim)
//
// # Claiming Workers
//
// MarkUnavailable reports whether this caller took the worker off the list,
// so a find followed by MarkUnavailable behaves as a compare-and-swap: two
// dispatches racing for the same worker cannot both win.
//
// # Fallback Pseudo-Worker
//
// A Node with Fallback set stands for the remote fallback service. It is
// stored like any other worker but never joins the availability list, so
// MarkAvailable and MarkUnavailable leave it alone.
//
// # Usage
//
//	store := pool.NewMemoryStore()
//	addr, _ := pool.ParseAddress("http://10.0.0.5:5555")
//	store.Register(pool.Node{Addr: addr, Capabilities: caps})
//
//	if store.MarkUnavailable(addr) {
//	    // addr is ours until MarkAvailable
//	}
package pool
