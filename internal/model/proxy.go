// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// IncomingRequest is a client request with its body already read into memory.
// Body is read exactly once and must not be modified afterwards, so every
// upstream attempt sends identical bytes.
type IncomingRequest struct {
	Method   string
	Path     string // escaped path as received
	RawQuery string // without the leading '?'
	Header   http.Header
	Body     []byte
}

// ForwardedRequest is one upstream attempt derived from an IncomingRequest.
type ForwardedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ProxyResponse is a fully buffered upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
