package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/capability"
	"github.com/dreamware/gridhub/internal/forward"
	"github.com/dreamware/gridhub/internal/pool"
	"github.com/dreamware/gridhub/internal/protocol"
	"github.com/dreamware/gridhub/internal/session"
)

// SessionGonePrefix is put in front of a worker's 404 reply to an in-session
// command.
const SessionGonePrefix = "Session is gone, most likely a timeout occurred! "

const maxDiagnosticBody = 1024

// DefaultNewSessionPolicy retries a failed session start 5 times, waiting
// 2000 + retry*500 ms.
func DefaultNewSessionPolicy() forward.RetryPolicy {
	return forward.LinearBackoff(5, 2*time.Second, 500*time.Millisecond)
}

// DefaultEndSessionPolicy is used for the best-effort end command sent to a
// worker whose session timed out.
func DefaultEndSessionPolicy() forward.RetryPolicy {
	return forward.FixedDelay(3, 2*time.Second)
}

// Options wires a Hub.
type Options struct {
	Store     pool.NodeStore
	Sessions  *session.Registry
	Forwarder *forward.Forwarder
	// Pending defaults to a queue with DefaultPendingMaxAge.
	Pending *PendingQueue
	// Fallback is optional.
	Fallback *Fallback
	// NewSessionPolicy governs whole-dispatch retries when a worker fails to
	// start a session.
	NewSessionPolicy forward.RetryPolicy
	// EndSessionPolicy governs the end command sent on timeout.
	EndSessionPolicy forward.RetryPolicy
	Log              *zap.Logger
}

// Hub is the dispatch coordinator. It classifies each client request, finds
// or looks up the worker, forwards, and keeps the pool and the session table
// consistent as sessions start and finish.
type Hub struct {
	pool      pool.NodeStore
	sessions  *session.Registry
	forwarder *forward.Forwarder
	pending   *PendingQueue
	matcher   *Matcher

	newSessionPolicy forward.RetryPolicy
	endSessionPolicy forward.RetryPolicy

	log *zap.Logger
	now func() time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewHub wires the components together and installs the cleanup hooks on
// the session registry and the forwarder.
func NewHub(opts Options) *Hub {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	pending := opts.Pending
	if pending == nil {
		pending = NewPendingQueue(DefaultPendingMaxAge, log)
	}
	if opts.NewSessionPolicy.Backoff == nil {
		opts.NewSessionPolicy = DefaultNewSessionPolicy()
	}
	if opts.EndSessionPolicy.Backoff == nil {
		opts.EndSessionPolicy = DefaultEndSessionPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		pool:             opts.Store,
		sessions:         opts.Sessions,
		forwarder:        opts.Forwarder,
		pending:          pending,
		matcher:          NewMatcher(opts.Store, pending, opts.Fallback, log),
		newSessionPolicy: opts.NewSessionPolicy,
		endSessionPolicy: opts.EndSessionPolicy,
		log:              log.Named("hub"),
		now:              time.Now,
		bgCtx:            ctx,
		bgCancel:         cancel,
	}

	h.sessions.SetOnRemove(h.sessionRemoved)
	h.sessions.SetNodeExists(func(addr pool.Address) bool {
		_, err := h.pool.Get(addr)
		return err == nil
	})
	h.forwarder.SetOnDead(func(addr pool.Address) {
		h.log.Warn("node presumed dead", zap.String("node", addr.String()))
		h.RemoveNode(addr)
	})
	return h
}

// RegisterNode adds a worker, or replaces the capabilities of a known one,
// then offers the pending queue to the pool. Returns true for a new worker.
func (h *Hub) RegisterNode(addr pool.Address, caps []capability.Capability) bool {
	isNew := h.pool.Register(pool.Node{Addr: addr, Capabilities: caps})
	if isNew {
		h.log.Info("registered node", zap.String("node", addr.String()), zap.Int("capabilities", len(caps)))
	} else {
		h.log.Info("node re-registered", zap.String("node", addr.String()))
	}
	h.DrainPending()
	return isNew
}

// RemoveNode takes a worker out of the pool after removing every session
// bound to it. Unknown addresses are a no-op.
func (h *Hub) RemoveNode(addr pool.Address) bool {
	h.pool.MarkUnavailable(addr)
	ids := h.sessions.RemoveForNode(addr, session.ReasonNodeRemoved)
	if !h.pool.Unregister(addr) {
		return false
	}
	h.log.Info("removed node", zap.String("node", addr.String()), zap.Strings("sessions", ids))
	return true
}

// Heartbeat refreshes a worker's last-seen time. Returns false for unknown
// workers.
func (h *Hub) Heartbeat(addr pool.Address) bool {
	return h.pool.Touch(addr)
}

// Nodes returns every registered worker.
func (h *Hub) Nodes() []pool.Node {
	return h.pool.List()
}

// Sessions returns every active session.
func (h *Hub) Sessions() []session.Session {
	return h.sessions.List()
}

// Pending returns the queued new-session requests.
func (h *Hub) Pending() []PendingRequest {
	return h.pending.List()
}

// DrainPending offers the pending queue to the pool once.
func (h *Hub) DrainPending() int {
	return h.matcher.DrainPending()
}

// RunPendingDrain drains the pending queue every interval until ctx ends.
func (h *Hub) RunPendingDrain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.pending.Len() > 0 {
				h.DrainPending()
			}
		}
	}
}

// Close stops background end-session notifications and session watchers.
func (h *Hub) Close() {
	h.bgCancel()
	h.bg.Wait()
	h.sessions.Close()
}

// Dispatch handles one client request and returns the reply to write.
func (h *Hub) Dispatch(ctx context.Context, req *forward.Request) *forward.Response {
	tr := protocol.For(protocol.Detect(req.URI))
	cmd, err := tr.Translate(req)
	if err != nil {
		h.log.Info("rejected request", zap.String("uri", req.URI), zap.Error(err))
		return errorResponse(tr, err)
	}

	if cmd.Kind == protocol.KindNewSession {
		return h.newSession(ctx, tr, cmd)
	}
	return h.sessionCommand(ctx, tr, cmd)
}

func (h *Hub) newSession(ctx context.Context, tr protocol.Translator, cmd *protocol.Command) *forward.Response {
	policy := h.newSessionPolicy
	for retry := 0; ; retry++ {
		match, err := h.acquire(ctx, cmd.Desired)
		if err != nil {
			if ctx.Err() != nil {
				return abortedResponse(ctx)
			}
			h.log.Warn("no node for request", zap.Stringer("desired", cmd.Desired), zap.Error(err))
			return tr.Errorf("Unable to find a node for these capabilities: " + cmd.Desired.String()).Response()
		}

		out, err := tr.Bind(cmd, match.Capability)
		if err != nil {
			h.matcher.Release(match)
			return tr.Errorf(err.Error()).Response()
		}

		sent := h.now()
		resp := h.forwarder.Forward(ctx, out, match.Node.Addr)
		if resp.Aborted {
			h.matcher.Release(match)
			return resp
		}
		switch id, ok := tr.SessionID(resp); {
		case resp.Err:
			// the forwarder has removed the node; the next attempt matches again
			h.log.Warn("node unreachable while starting session",
				zap.String("node", match.Node.Addr.String()), zap.Int("retry", retry))
		case ok:
			return h.addSession(tr, cmd, match, id, sent, resp)
		default:
			h.log.Warn("node failed to start session",
				zap.String("node", match.Node.Addr.String()), zap.Int("retry", retry),
				zap.Int("status", resp.StatusCode), zap.ByteString("body", resp.Body))
		}

		if retry >= policy.MaxRetries {
			h.log.Error("giving up starting session, removing node",
				zap.String("node", match.Node.Addr.String()), zap.Int("retries", retry))
			h.RemoveNode(match.Node.Addr)
			resp.StatusCode = http.StatusInternalServerError
			return resp
		}

		if !resp.Err {
			h.matcher.Release(match)
		}
		if err := policy.Wait(ctx, retry+1); err != nil {
			return abortedResponse(ctx)
		}
	}
}

func (h *Hub) addSession(tr protocol.Translator, cmd *protocol.Command, match Match, id string, sent time.Time, resp *forward.Response) *forward.Response {
	platform := match.Capability.Platform
	if platform == "" {
		platform = match.Node.Platform()
	}
	now := h.now()
	s := session.Session{
		ID:               id,
		Dialect:          tr.Dialect(),
		Node:             match.Node.Addr,
		Platform:         platform,
		Desired:          cmd.Desired,
		StartTime:        now,
		LastUsed:         now,
		LastSentTime:     sent,
		LastSentBody:     cmd.Summary,
		LastResponseTime: now,
		LastResponseBody: summarize(resp),
	}
	if err := h.sessions.Add(s); err != nil {
		h.log.Error("cannot record session", zap.String("session", id), zap.Error(err))
		h.matcher.Release(match)
		return tr.Errorf(fmt.Sprintf("Session %s is already active", id)).Response()
	}
	h.log.Info("session started",
		zap.String("session", id), zap.String("node", match.Node.Addr.String()),
		zap.String("dialect", string(tr.Dialect())), zap.Bool("fallback", match.Fallback))
	return resp
}

type pendingResult struct {
	match Match
	err   error
}

// acquire claims a worker for desired, waiting in the pending queue if
// needed. If ctx ends first, the queued entry is withdrawn, or, when the
// queue already handed it a worker, that worker is given back.
func (h *Hub) acquire(ctx context.Context, desired capability.Capability) (Match, error) {
	ch := make(chan pendingResult, 1)
	match, res := h.matcher.FindWorker(desired, func(m Match, err error) {
		ch <- pendingResult{match: m, err: err}
	}, false)

	switch res {
	case ResultMatched, ResultFallback:
		return match, nil
	case ResultNone:
		return Match{}, ErrNoMatch
	}

	// a worker may have been released between the claim and the enqueue
	h.DrainPending()

	select {
	case r := <-ch:
		return r.match, r.err
	case <-ctx.Done():
		if h.pending.Cancel(match.PendingID) {
			return Match{}, ctx.Err()
		}
		r := <-ch
		if r.err == nil {
			h.matcher.Release(r.match)
		}
		return Match{}, ctx.Err()
	}
}

func (h *Hub) sessionCommand(ctx context.Context, tr protocol.Translator, cmd *protocol.Command) *forward.Response {
	id := cmd.SessionID
	s, ok := h.sessions.Get(id)
	if !ok {
		h.log.Warn("unknown session", zap.String("session", id), zap.String("kind", cmd.Kind.String()))
		return protocol.UnknownSession(tr, id).Response()
	}
	node, err := h.pool.Get(s.Node)
	if err != nil {
		h.log.Warn("session has no node", zap.String("session", id), zap.String("node", s.Node.String()))
		h.sessions.Remove(id, session.ReasonOrphaned)
		return protocol.UnknownSession(tr, id).Response()
	}

	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	release, err := h.sessions.Hold(id, cancel)
	if err != nil {
		return protocol.UnknownSession(tr, id).Response()
	}

	sent := h.now()
	h.touchSession(id, func(s *session.Session) {
		s.LastUsed = sent
		s.LastSentTime = sent
		s.LastSentBody = cmd.Summary
	})

	resp := h.forwarder.Forward(fctx, cmd.Request, node.Addr)
	release()

	if cmd.Kind == protocol.KindEndSession {
		defer h.endSession(id)
	}

	if resp.Aborted {
		cause := context.Cause(fctx)
		var te *session.TimeoutError
		if errors.As(cause, &te) {
			return forward.NewResponse(http.StatusInternalServerError, te.Error())
		}
		if errors.Is(cause, session.ErrSessionEnded) {
			return protocol.UnknownSession(tr, id).Response()
		}
		return resp
	}
	if resp.Err {
		// the node and its sessions are gone
		return resp
	}

	if resp.StatusCode == http.StatusNotFound && cmd.Kind == protocol.KindCommand {
		h.log.Warn("node no longer knows session",
			zap.String("session", id), zap.String("node", node.Addr.String()))
		resp.Body = append([]byte(SessionGonePrefix), resp.Body...)
		if node.Fallback {
			h.sessions.Remove(id, session.ReasonOrphaned)
		} else {
			h.RemoveNode(node.Addr)
		}
		return resp
	}

	now := h.now()
	h.touchSession(id, func(s *session.Session) {
		s.LastUsed = now
		s.LastResponseTime = now
		s.LastResponseBody = summarize(resp)
	})
	return resp
}

// touchSession records command diagnostics. The session may already be gone
// when the command races its removal.
func (h *Hub) touchSession(id string, fn func(*session.Session)) {
	if err := h.sessions.Update(id, fn); err != nil {
		h.log.Debug("session update skipped", zap.String("session", id), zap.Error(err))
	}
}

// endSession removes a session after its end command, whatever the worker
// replied.
func (h *Hub) endSession(id string) {
	if _, ok := h.sessions.Get(id); ok {
		h.sessions.Remove(id, session.ReasonEnded)
	}
}

// sessionRemoved returns the session's worker to the pool. Timed-out
// sessions are first ended on the worker, best-effort, in the background.
func (h *Hub) sessionRemoved(s session.Session, reason session.Reason) {
	switch reason {
	case session.ReasonNodeRemoved, session.ReasonOrphaned:
		return
	case session.ReasonTimedOut:
		h.bg.Add(1)
		go func() {
			defer h.bg.Done()
			req := protocol.For(s.Dialect).EndRequest(s.ID)
			if err := h.forwarder.Notify(h.bgCtx, req, s.Node, h.endSessionPolicy); err != nil {
				h.log.Warn("could not end timed out session on node",
					zap.String("session", s.ID), zap.String("node", s.Node.String()), zap.Error(err))
			}
			h.release(s.Node)
		}()
		return
	}
	h.release(s.Node)
}

func (h *Hub) release(addr pool.Address) {
	n, err := h.pool.Get(addr)
	if err != nil || n.Fallback {
		return
	}
	if err := h.pool.MarkAvailable(addr); err != nil {
		return
	}
	h.log.Debug("node available", zap.String("node", addr.String()))
	h.DrainPending()
}

func errorResponse(tr protocol.Translator, err error) *forward.Response {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Response()
	}
	return tr.Errorf(err.Error()).Response()
}

func abortedResponse(ctx context.Context) *forward.Response {
	resp := forward.NewResponse(http.StatusInternalServerError, "Request cancelled: "+context.Cause(ctx).Error())
	resp.Err = true
	resp.Aborted = true
	return resp
}

func summarize(resp *forward.Response) string {
	body := resp.Body
	if len(body) > maxDiagnosticBody {
		body = body[:maxDiagnosticBody]
	}
	return fmt.Sprintf("%d - %s", resp.StatusCode, body)
}
