// Package model defines the request-scoped types shared by the relay stages.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest is one inbound browser call to be forwarded upstream.
// It is built once per request and not modified after dispatch.
type RelayRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // upstream route, e.g. "v1/chat/completions"
	Token         string // bearer credential from the "token" header
	BaseURL       string // optional origin override from the "base-url" header
	ContentType   string
	ContentLength int64 // -1 when unknown
	Accept        string
	Body          io.ReadCloser
}

// UpstreamResponse is the raw upstream answer. Its body is read at most once.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ContentType returns the upstream Content-Type header.
func (r *UpstreamResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}
