package domain

import (
	"net/http"
	"net/url"
)

// Request is the transport-neutral shape of an inbound provider callback.
// The body is read once by the web layer so providers can verify signatures
// over the exact bytes received.
type Request struct {
	Method   string
	Header   http.Header
	Query    url.Values
	Body     []byte
	RemoteIP string
}

// Response tells the web layer what to answer the provider.
type Response struct {
	StatusCode int
	Body       string
}

// OK is the standard acknowledgment that stops provider-side retries.
func OK() *Response { return &Response{StatusCode: http.StatusOK} }
