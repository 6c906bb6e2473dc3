// Package model defines the request and response shapes passed through
// the proxy pipeline.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is one inbound client request to be forwarded to its target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.Reader
}

// UpstreamResponse is the raw response received from the target.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ClientResponse is the response relayed back to the client. Exactly one
// of Body and Stream is set: Body carries a rewritten text payload,
// Stream passes a non-text payload through untouched.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Cookies    []string // one raw Set-Cookie value per element
	Body       []byte
	Stream     io.ReadCloser
}
