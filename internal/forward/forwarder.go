package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/gridhub/internal/pool"
)

// DefaultPolicy is 5 retries, 2s apart: six attempts in total.
func DefaultPolicy() RetryPolicy {
	return FixedDelay(5, 2*time.Second)
}

// Forwarder sends requests to workers.
type Forwarder struct {
	client *http.Client
	policy RetryPolicy
	onDead func(addr pool.Address)
	log    *zap.Logger
}

// New creates a Forwarder. A nil client gets a default one that does not
// follow redirects, so a worker's 302 reaches the client untouched.
func New(client *http.Client, policy RetryPolicy, log *zap.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{
			Timeout: 6 * time.Minute,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Forwarder{client: client, policy: policy, log: log.Named("forwarder")}
}

// SetOnDead installs the callback run when a worker stays unreachable after
// every retry.
func (f *Forwarder) SetOnDead(fn func(addr pool.Address)) {
	f.onDead = fn
}

// Forward sends req to the worker at addr. Connection-level failures are
// retried per the policy; after the last one a 500 FORWARDING_ERROR response
// marked Err is returned and the worker is reported dead. If ctx ends while
// waiting to retry, the forward is abandoned and the response is marked
// Aborted instead; the worker is not reported.
func (f *Forwarder) Forward(ctx context.Context, req *Request, addr pool.Address) *Response {
	f.log.Info("forward to node",
		zap.String("node", addr.String()), zap.String("method", req.Method), zap.String("uri", req.URI))

	resp, err := f.send(ctx, req, addr, f.policy)
	if err == nil {
		return resp
	}

	out := NewResponse(http.StatusInternalServerError, ErrorPrefix+err.Error())
	out.Err = true
	if ctx.Err() != nil {
		out.Aborted = true
		f.log.Info("forward abandoned", zap.String("node", addr.String()), zap.Error(context.Cause(ctx)))
		return out
	}

	f.log.Warn("giving up retrying", zap.String("node", addr.String()), zap.Error(err))
	if f.onDead != nil {
		f.onDead(addr)
	}
	return out
}

// Notify sends a fire-and-forget request, retrying per policy. It never
// reports the worker dead.
func (f *Forwarder) Notify(ctx context.Context, req *Request, addr pool.Address, policy RetryPolicy) error {
	resp, err := f.send(ctx, req, addr, policy)
	if err != nil {
		return err
	}
	f.log.Info("notify done", zap.String("node", addr.String()), zap.Int("status", resp.StatusCode))
	return nil
}

func (f *Forwarder) send(ctx context.Context, req *Request, addr pool.Address, policy RetryPolicy) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < policy.Attempts(); attempt++ {
		if attempt > 0 {
			if err := policy.Wait(ctx, attempt); err != nil {
				return nil, fmt.Errorf("%v (abandoned: %w)", lastErr, err)
			}
			f.log.Warn("retrying request", zap.String("node", addr.String()), zap.Int("retry", attempt))
		}

		resp, err := f.do(ctx, req, addr)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		f.log.Warn("proxy to node failure", zap.String("node", addr.String()), zap.Error(err))
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Forwarder) do(ctx context.Context, req *Request, addr pool.Address) (*Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, addr.URL()+req.URI, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Set("Content-Type", ContentTypeForm)
	out.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	out.ContentLength = int64(len(req.Body))

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	f.log.Debug("node responded",
		zap.String("node", addr.String()), zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}
