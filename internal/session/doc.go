// Package session tracks in-flight sessions bound to workers and ends them
// when they go idle, run too long or lose their worker.
//
// # Lifecycle
//
//	Add ──▶ created ──first command──▶ active
//	                                     │
//	             ┌───────────────────────┼────────────────────────┐
//	             ▼                       ▼                        ▼
//	           ended                 timed_out                orphaned
//	    (client end command)   (idle or max duration)   (worker gone or removed)
//
// Each session gets a watcher goroutine that wakes every CheckInterval and
// removes the session once it has been idle past its idle timeout plus
// IdleSlack, or has run past its maximum duration. Clients may lower or raise
// both limits per session with the idletimeout and maxduration capabilities,
// in seconds; values are capped at MaxTimeoutOverride.
//
// # Held Requests
//
// A command in flight holds its session with a cancel function. Removing the
// session cancels every hold: with a *TimeoutError on expiry, so the client
// learns its session timed out, or with ErrSessionEnded otherwise.
//
// # Removal Callback
//
// SetOnRemove installs the hook that returns a worker to the pool. It runs
// once per session, outside the registry lock, with the reason for removal.
//
// # Usage
//
//	reg := session.NewRegistry(session.DefaultConfig(), log)
//	reg.SetOnRemove(func(s session.Session, reason session.Reason) { ... })
//	defer reg.Close()
//
//	_ = reg.Add(session.Session{ID: id, Node: addr, Dialect: session.DialectWebDriver})
//	release, err := reg.Hold(id, cancel)
//	...
//	release()
package session
