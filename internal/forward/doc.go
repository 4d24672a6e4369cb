// Package forward proxies client requests to workers, retrying when the
// worker cannot be reached.
//
// # Overview
//
// The hub never interprets a worker's reply beyond what the client dialects
// need. A Request carries method, URI, headers and body as received; the
// Forwarder replays it against the worker's base URL and returns the status,
// headers and body as a Response.
//
//	┌──────────┐   Request    ┌────────────┐   HTTP    ┌──────────┐
//	│   Hub    │ ───────────▶ │ Forwarder  │ ────────▶ │  Worker  │
//	│ dispatch │ ◀─────────── │  (retry)   │ ◀──────── │          │
//	└──────────┘   Response   └────────────┘           └──────────┘
//	                                │
//	                                ▼ after the last retry
//	                          onDead(addr)
//
// # Failure Handling
//
// Only connection-level failures are retried. Any HTTP reply, including a
// 404 or 500, is a successful forward and is handed back unchanged.
//
//   - Exhausted retries: 500 with the FORWARDING_ERROR prefix, Err set, and
//     the worker reported through the SetOnDead callback.
//   - Context ended while waiting: Err and Aborted set, worker not reported.
//
// Notify uses the same retry loop for fire-and-forget requests, such as
// ending a timed-out session on its worker, and never reports the worker.
//
// # Retry Policies
//
// RetryPolicy pairs a retry count with a backoff function:
//
//	forward.FixedDelay(5, 2*time.Second)                         // forwarding
//	forward.LinearBackoff(5, 2*time.Second, 500*time.Millisecond) // new-session dispatch
//
// # Usage
//
//	f := forward.New(nil, forward.DefaultPolicy(), log)
//	f.SetOnDead(func(addr pool.Address) { hub.RemoveNode(addr) })
//
//	resp := f.Forward(ctx, &forward.Request{
//	    Method: http.MethodGet,
//	    URI:    "/wd/hub/session/abc/url",
//	    Header: make(http.Header),
//	}, addr)
//	if resp.Err {
//	    // worker unreachable or request abandoned
//	}
package forward
