package forward

import (
	"net/http"
	"strings"
)

// ContentTypeForm is forced on every request sent to a worker.
const ContentTypeForm = "application/x-www-form-urlencoded; charset=utf-8"

// ErrorPrefix tags the body of a response synthesized after forwarding failed.
const ErrorPrefix = "FORWARDING_ERROR: "

// Request is a client request as it will be sent to a worker.
type Request struct {
	Method string
	// URI is the path plus raw query, e.g. "/wd/hub/session/abc/url".
	URI    string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Response is a worker reply, or one synthesized by the hub.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err marks a response synthesized because the worker could not be reached.
	Err bool
	// Aborted marks a forward abandoned because its context was cancelled.
	Aborted bool
}

// NewResponse builds a plain-text response.
func NewResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{StatusCode: status, Header: h, Body: []byte(body)}
}

// NewJSONResponse builds a JSON response from an already encoded body.
func NewJSONResponse(status int, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: body}
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// hopHeaders must not be forwarded between connections.
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"te":                true,
	"trailer":           true,
	"upgrade":           true,
	"host":              true,
	"content-length":    true,
}

// CopyHeaders copies headers from src to dst, skipping hop-by-hop headers.
func CopyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
