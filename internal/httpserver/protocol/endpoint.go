// Package protocol describes groups of HTTP routes that the server mounts
// under one policy.
package protocol

import "net/http"

// Access is the policy a route is mounted under.
type Access int

const (
	// Public routes need no credential (health, metrics).
	Public Access = iota
	// User routes resolve the caller through the Authenticator.
	User
	// Internal routes are called by trusted services holding the shared
	// fulfilment secret.
	Internal
)

type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	Access  Access
	// RateLimited routes pass through the per-user limiter.
	RateLimited bool
}

type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
