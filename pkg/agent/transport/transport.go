// Package transport builds HTTP clients for reaching agents behind
// authenticated endpoints.
//
// The agent contract itself is auth-agnostic: pkg/agent's HTTPAgent
// takes any *http.Client, and this package supplies clients whose
// round-trippers add AWS SigV4 signatures or OAuth2 client-credentials
// bearer tokens. Both constructors validate credentials up front so a
// misconfigured run fails before the first step rather than during it.
package transport

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds requests when a config leaves Timeout unset.
const DefaultTimeout = 120 * time.Second

func newClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}
