// Package coordinator implements the scheduling layer of the hub: it matches
// new-session requests to free workers, queues the ones that cannot be served
// yet, forwards session traffic, and keeps the worker pool and the session
// table consistent as sessions start, end, time out and lose their worker.
//
// # Overview
//
// The hub sits between test clients and a pool of worker nodes. Workers
// register their capabilities and send heartbeats; clients ask for a session
// with a set of desired capabilities and then drive it with commands in one
// of two wire dialects.
//
//	┌─────────────────────────────────────┐
//	│               HUB                   │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   Matcher                    │   │
//	│  │   - Capability matching      │   │
//	│  │   - Atomic worker claim      │   │
//	│  │   - Remote fallback          │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   PendingQueue               │   │
//	│  │   - Arrival order            │   │
//	│  │   - Drain on release/tick    │   │
//	│  │   - Staleness expiry         │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   LivenessMonitor            │   │
//	│  │   - Heartbeat age sweep      │   │
//	│  │   - Cascading node removal   │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # Request Flow
//
// Dispatch classifies each request as new-session, command or end-session:
//
//  1. New session: the matcher claims the first free worker whose
//     capabilities satisfy the request. Without one, the request goes to the
//     remote fallback service if configured, or waits in the pending queue.
//     The request is forwarded; a worker reply carrying a session id creates
//     the session. Any other reply releases the worker, and an unreachable
//     worker is dropped from the pool; either way the whole dispatch is
//     retried with linear backoff, so another matching worker can take it.
//  2. Command: the session is looked up, its diagnostics refreshed and the
//     request forwarded to its worker. A 404 from the worker means the
//     worker lost the session; the worker is removed.
//  3. End session: the request is forwarded and the session removed
//     whatever the worker replied. The worker returns to the pool and the
//     pending queue is drained.
//
// # Concurrency
//
// Claiming a worker is a compare-and-set on the pool: the matcher finds a
// candidate without side effects, then takes it off the availability list.
// Only one of several concurrent claims on the same worker succeeds; losers
// look again.
//
// A pending entry is owned by whichever of Drain and Cancel removes it first,
// so a request is dispatched at most once even when its client gives up at
// the same moment a worker frees up.
//
// Session removal runs the hub's cleanup hook exactly once per session,
// outside the registry locks. Removing a node first removes its sessions.
//
// # Usage Example
//
//	store := pool.NewMemoryStore()
//	sessions := session.NewRegistry(session.DefaultConfig(), log)
//	fwd := forward.New(nil, forward.DefaultPolicy(), log)
//	hub := coordinator.NewHub(coordinator.Options{
//	    Store: store, Sessions: sessions, Forwarder: fwd, Log: log,
//	})
//	defer hub.Close()
//
//	hub.RegisterNode(addr, caps)
//	resp := hub.Dispatch(ctx, req)
//
// # See Also
//
// Related packages:
//   - internal/pool: Worker table and availability list
//   - internal/session: Session table and timeout watchers
//   - internal/forward: Request forwarding with retries
//   - internal/protocol: The two client dialects
//   - cmd/hub: HTTP server
package coordinator
